package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8741
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 60
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = ".kioku/memory"
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = BackendHTTP
	}
	if cfg.Embedding.Backend == BackendHTTP && cfg.Embedding.URL == "" {
		cfg.Embedding.URL = DefaultEmbedURL
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Backend == BackendONNX && cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = ".kioku/models/nomic-embed-text.onnx"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Memory.MinSimilarity == 0 {
		cfg.Memory.MinSimilarity = 0.35
	}
	if cfg.Memory.DuplicateThreshold == 0 {
		cfg.Memory.DuplicateThreshold = 0.92
	}
	if cfg.Memory.MaxResults == 0 {
		cfg.Memory.MaxResults = 3
	}
	if cfg.Memory.MaxContentLength == 0 {
		cfg.Memory.MaxContentLength = 200
	}
	if cfg.Memory.ScanTimeoutSeconds == 0 {
		cfg.Memory.ScanTimeoutSeconds = 5
	}
	if cfg.Maintenance.CompactEveryRequests == 0 {
		cfg.Maintenance.CompactEveryRequests = 50
	}
	if cfg.Maintenance.CompactIntervalSeconds == 0 {
		cfg.Maintenance.CompactIntervalSeconds = 600
	}
	if cfg.Maintenance.TrackerWorkers == 0 {
		cfg.Maintenance.TrackerWorkers = 2
	}
	if cfg.Maintenance.TrackerQueueSize == 0 {
		cfg.Maintenance.TrackerQueueSize = 256
	}
}
