// Package main is the kioku CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/memory"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/pkg/utils"
)

var version = "dev"

const clientTimeout = 60 * time.Second

// loadConfig loads config from path. When path is the default, a config.yaml in the
// current directory takes precedence (for development), and a missing default file
// falls back to built-in defaults. Returns the config and the path that was loaded
// ("" for built-in defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}
	if path == config.DefaultPath() {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			cfg, err := config.Default()
			return cfg, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "store":
		runStore(args)
	case "recall":
		runRecall(args)
	case "list":
		runList(args)
	case "delete":
		runDelete(args)
	case "stats":
		runStats(args)
	case "health":
		runHealth(args)
	case "sync":
		runSync(args)
	case "compact":
		runCompact(args)
	case "config":
		runConfig(args)
	case "version", "--version", "-v":
		fmt.Printf("kioku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// newBackend builds the configured embedding backend. A backend that cannot start is
// fatal; there is no fallback to another backend.
func newBackend(cfg *config.Config) (embedding.Embedder, error) {
	e := cfg.Embedding
	switch e.Backend {
	case config.BackendONNX:
		emb, err := embedding.NewONNXEmbedder(e.ModelPath, e.ONNXLibrary, e.Dimensions, e.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("failed to start onnx embedding backend (model %s): %w", e.ModelPath, err)
		}
		return emb, nil
	case config.BackendHTTP:
		emb, err := embedding.NewHTTPEmbedder(e.URL, e.Model, e.Dimensions, &http.Client{})
		if err != nil {
			return nil, fmt.Errorf("failed to configure http embedding backend: %w", err)
		}
		return emb, nil
	case config.BackendHash:
		return embedding.NewMockEmbedder(e.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", e.Backend)
	}
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", debugMode),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.String("embedding_backend", cfg.Embedding.Backend),
	)

	backend, err := newBackend(cfg)
	if err != nil {
		logger.Fatal("Embedding backend unavailable", zap.Error(err))
	}
	svc, err := memory.New(cfg, backend, logger)
	if err != nil {
		_ = backend.Close()
		logger.Fatal("Failed to initialize memory service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		logger.Fatal("Failed to start background work", zap.Error(err))
	}

	srv := server.NewServer(svc, &cfg.Server, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
}

// reorderArgs moves any flags (and their values) that appear after positional
// arguments to the front, since flag.Parse stops at the first non-flag argument.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// joinArgs joins positional args with spaces so multi-word text works with or without quotes.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// clientFlags registers the flags every client command shares.
type clientFlags struct {
	server *string
	output *string
}

func newClientFlags(fs *flag.FlagSet) clientFlags {
	return clientFlags{
		server: fs.String("server", cli.DefaultServerURL, "daemon URL"),
		output: fs.String("output", "text", "output format: text or json"),
	}
}

func (f clientFlags) client() *cli.Client {
	return cli.NewClient(*f.server, clientTimeout)
}

func (f clientFlags) format() cli.OutputFormat {
	format, err := cli.ParseOutputFormat(*f.output)
	if err != nil {
		fail(err)
	}
	return format
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runStore(args []string) {
	fs := flag.NewFlagSet("store", flag.ExitOnError)
	cf := newClientFlags(fs)
	kind := fs.String("kind", "", "memory kind: "+kindNames())
	elaboration := fs.String("context", "", "longer elaboration (not embedded)")
	confidence := fs.Float64("confidence", -1, "confidence in [0, 1] (default 0.85)")
	scope := fs.String("scope", "", "project scope (empty = global)")
	session := fs.String("session", "", "session source id")
	tags := fs.String("tags", "", "comma-separated tags")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: kioku store --kind KIND [flags] <content>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(reorderArgs(args))

	content := joinArgs(fs.Args())
	if content == "" || *kind == "" {
		fs.Usage()
		os.Exit(1)
	}
	in := &models.StoreInput{
		Kind:          *kind,
		Content:       content,
		Context:       *elaboration,
		ProjectScope:  *scope,
		SessionSource: *session,
		Tags:          splitList(*tags),
	}
	if *confidence >= 0 {
		in.Confidence = confidence
	}
	format := cf.format()
	res, err := cf.client().Store(context.Background(), in)
	if err != nil {
		fail(err)
	}
	if err := cli.WriteStoreResult(os.Stdout, res, format); err != nil {
		fail(err)
	}
}

func runRecall(args []string) {
	fs := flag.NewFlagSet("recall", flag.ExitOnError)
	cf := newClientFlags(fs)
	scope := fs.String("scope", "", "project scope (global memories are always included)")
	kinds := fs.String("kinds", "", "comma-separated kind filter")
	maxResults := fs.Int("max-results", 0, "maximum results (default from server config)")
	minSimilarity := fs.Float64("min-similarity", -2, "minimum cosine similarity (default from server config)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: kioku recall [flags] <query>\n\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(reorderArgs(args))

	query := joinArgs(fs.Args())
	if query == "" {
		fs.Usage()
		os.Exit(1)
	}
	q := &models.RecallQuery{Query: query, Scope: *scope, KindFilter: splitList(*kinds)}
	if *maxResults > 0 {
		q.MaxResults = maxResults
	}
	if *minSimilarity >= -1 {
		q.MinSimilarity = minSimilarity
	}
	format := cf.format()
	resp, err := cf.client().Recall(context.Background(), q)
	if err != nil {
		fail(err)
	}
	if err := cli.WriteRecall(os.Stdout, resp, format); err != nil {
		fail(err)
	}
}

func runList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	cf := newClientFlags(fs)
	scope := fs.String("scope", "", "only memories in exactly this scope")
	kind := fs.String("kind", "", "only memories of this kind")
	limit := fs.Int("limit", 20, "page size")
	offset := fs.Int("offset", 0, "page offset")
	_ = fs.Parse(args)

	format := cf.format()
	resp, err := cf.client().List(context.Background(), &models.ListQuery{
		Scope:  *scope,
		Kind:   models.Kind(*kind),
		Limit:  *limit,
		Offset: *offset,
	})
	if err != nil {
		fail(err)
	}
	if err := cli.WriteList(os.Stdout, resp, format); err != nil {
		fail(err)
	}
}

func runDelete(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	cf := newClientFlags(fs)
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku delete [flags] <id>")
		os.Exit(1)
	}
	id := fs.Arg(0)
	if err := cf.client().Delete(context.Background(), id); err != nil {
		fail(err)
	}
	fmt.Printf("Deleted %s\n", id)
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	cf := newClientFlags(fs)
	scope := fs.String("scope", "", "only memories in exactly this scope")
	_ = fs.Parse(args)

	format := cf.format()
	resp, err := cf.client().Stats(context.Background(), *scope)
	if err != nil {
		fail(err)
	}
	if err := cli.WriteStats(os.Stdout, resp, format); err != nil {
		fail(err)
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	cf := newClientFlags(fs)
	_ = fs.Parse(args)

	format := cf.format()
	resp, err := cf.client().Health(context.Background())
	if err != nil {
		fail(err)
	}
	if err := cli.WriteHealth(os.Stdout, resp, format); err != nil {
		fail(err)
	}
}

func runSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	cf := newClientFlags(fs)
	_ = fs.Parse(args)

	format := cf.format()
	st, err := cf.client().Sync(context.Background())
	if err != nil {
		fail(err)
	}
	if format == cli.OutputJSON {
		_ = cli.WriteJSON(os.Stdout, st)
		return
	}
	if st.Cycle > 0 {
		fmt.Printf("Sync %s (cycle %d)\n", st.Status, st.Cycle)
		return
	}
	fmt.Printf("Sync %s\n", st.Status)
}

func runCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	cf := newClientFlags(fs)
	_ = fs.Parse(args)

	format := cf.format()
	res, err := cf.client().Compact(context.Background())
	if err != nil {
		fail(err)
	}
	if format == cli.OutputJSON {
		_ = cli.WriteJSON(os.Stdout, res)
		return
	}
	if !res.Compacted {
		fmt.Println("Nothing to compact")
		return
	}
	fmt.Printf("Compacted %d segments into %d: kept %d, dropped %d (%dms)\n",
		res.SegmentsBefore, res.SegmentsAfter, res.RowsKept, res.RowsDropped, res.DurationMs)
}

func runConfig(args []string) {
	if len(args) < 1 || args[0] != "init" {
		fmt.Println("Usage: kioku config init [--path PATH] [--force]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	path := fs.String("path", config.DefaultPath(), "where to write the config file")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args[1:])

	if err := writeDefaultConfig(*path, *force); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s\n", *path)
}

// writeDefaultConfig writes the built-in defaults to path, refusing to overwrite unless force.
func writeDefaultConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return config.Save(path, cfg)
}

func kindNames() string {
	names := make([]string, len(models.Kinds))
	for i, k := range models.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func printUsage() {
	fmt.Println(`kioku - semantic memory daemon

Usage:
  kioku server [flags]              Start the HTTP daemon
  kioku store [flags] <content>     Store a memory
  kioku recall [flags] <query>      Recall memories similar to a query
  kioku list [flags]                List memories, newest first
  kioku delete [flags] <id>         Delete a memory
  kioku stats [flags]               Show memory statistics
  kioku health [flags]              Show daemon health
  kioku sync [flags]                Trigger an inbox sync cycle
  kioku compact [flags]             Compact the index now
  kioku config init [--path PATH]   Write a config file with defaults
  kioku version                     Show version
  kioku help                        Show this help

Server Flags:
  --config string    Config file path (default: ~/.kioku/config.yaml)
  --debug            Enable debug logging

Client Flags (all other commands):
  --server string    Daemon URL (default: http://127.0.0.1:8741)
  --output string    Output format: text or json (default: text)

Examples:
  kioku server
  kioku store --kind WORKING_SOLUTION --confidence 0.95 retry with exponential backoff on 429
  kioku recall --scope payments "what to do on rate limit 429"
  kioku list --kind GOTCHA --limit 5
  kioku stats --output json`)
}
