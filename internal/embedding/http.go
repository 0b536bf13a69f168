package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint (POST {baseURL}/v1/embeddings).
type HTTPEmbedder struct {
	baseURL    string
	model      string
	dimensions int
	client     *http.Client
}

// NewHTTPEmbedder validates baseURL and returns an embedder. A nil client uses http.DefaultClient;
// per-call deadlines come from the context.
func NewHTTPEmbedder(baseURL, model string, dimensions int, client *http.Client) (*HTTPEmbedder, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid embedding url %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid embedding url %q: must be http(s)://host[:port]", baseURL)
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", dimensions)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmbedder{
		baseURL:    u.String(),
		model:      model,
		dimensions: dimensions,
		client:     client,
	}, nil
}

type embeddingsRequest struct {
	Input any    `json:"input"`
	Model string `json:"model,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding for text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.post(ctx, embeddingsRequest{Input: text, Model: e.model})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding server returned no data")
	}
	return resp.Data[0].Embedding, nil
}

// EmbedBatch sends all texts in one request and returns embeddings in input order.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.post(ctx, embeddingsRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding server returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (e *HTTPEmbedder) post(ctx context.Context, body embeddingsRequest) (*embeddingsResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	var out embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	return &out, nil
}

// Dimensions returns the configured embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	return e.dimensions
}

// Info describes the backend.
func (e *HTTPEmbedder) Info() models.EmbeddingInfo {
	return models.EmbeddingInfo{
		Backend:    BackendHTTP,
		Model:      e.model,
		Endpoint:   e.baseURL,
		Dimensions: e.dimensions,
	}
}

// Close releases idle connections.
func (e *HTTPEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
