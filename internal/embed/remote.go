package embed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/docuvec/docuvec/internal/vector"
)

// modelIdleThreshold is how long the remote service keeps a model resident;
// after this, the next request gets the cold timeout.
const modelIdleThreshold = 5 * time.Minute

// RemoteConfig configures the HTTP embedder client.
type RemoteConfig struct {
	// Endpoint is the base URL of the embedding service.
	Endpoint string
	// Model is the model identifier requested from the service.
	Model string
	// Dim is the expected deployment dimension; responses that disagree fail.
	Dim int
	// WarmTimeout bounds requests when the model is resident.
	WarmTimeout time.Duration
	// ColdTimeout bounds the first request and requests after idle periods.
	ColdTimeout time.Duration
}

// RemoteEmbedder calls an external multi-vector embedding service over HTTP.
// The service owns the model; this client owns timeouts and validation.
type RemoteEmbedder struct {
	config RemoteConfig
	client *http.Client

	mu       sync.Mutex
	lastUsed time.Time
}

// NewRemoteEmbedder creates the HTTP client with defaulted timeouts.
func NewRemoteEmbedder(cfg RemoteConfig) *RemoteEmbedder {
	if cfg.WarmTimeout == 0 {
		cfg.WarmTimeout = DefaultWarmTimeout
	}
	if cfg.ColdTimeout == 0 {
		cfg.ColdTimeout = DefaultColdTimeout
	}
	return &RemoteEmbedder{
		config: cfg,
		client: &http.Client{},
	}
}

// embedRequest is the service wire format.
type embedRequest struct {
	Model string `json:"model"`
	Mode  string `json:"mode"` // image | text | query
	Input string `json:"input"`
}

type embedResponse struct {
	Dim    int       `json:"dim"`
	SeqLen int       `json:"seq_len"`
	Data   []float32 `json:"data"`
}

// EmbedImage embeds one page image (sent base64-encoded).
func (e *RemoteEmbedder) EmbedImage(ctx context.Context, image []byte) (*vector.MultiVector, error) {
	return e.embed(ctx, "image", base64.StdEncoding.EncodeToString(image))
}

// EmbedText embeds one document text chunk.
func (e *RemoteEmbedder) EmbedText(ctx context.Context, text string) (*vector.MultiVector, error) {
	return e.embed(ctx, "text", text)
}

// EmbedQuery embeds a query in the service's query mode.
func (e *RemoteEmbedder) EmbedQuery(ctx context.Context, text string) (*vector.MultiVector, error) {
	return e.embed(ctx, "query", text)
}

func (e *RemoteEmbedder) embed(ctx context.Context, mode, input string) (*vector.MultiVector, error) {
	body, err := json.Marshal(embedRequest{Model: e.config.Model, Mode: mode, Input: input})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: service returned %d: %s", ErrEmbeddingFailed, resp.StatusCode, payload)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrEmbeddingFailed, err)
	}

	mv := &vector.MultiVector{Dim: out.Dim, SeqLen: out.SeqLen, Data: out.Data}
	if err := validateOutput(mv, e.config.Dim); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()

	return mv, nil
}

// requestTimeout picks the warm or cold timeout based on idle time.
func (e *RemoteEmbedder) requestTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastUsed.IsZero() || time.Since(e.lastUsed) > modelIdleThreshold {
		return e.config.ColdTimeout
	}
	return e.config.WarmTimeout
}

// Dimensions returns the expected deployment dimension.
func (e *RemoteEmbedder) Dimensions() int { return e.config.Dim }

// ModelName returns the configured model identifier.
func (e *RemoteEmbedder) ModelName() string { return e.config.Model }

// Available probes the service health endpoint.
func (e *RemoteEmbedder) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Close releases the HTTP client's idle pooled connections.
func (e *RemoteEmbedder) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

var _ Embedder = (*RemoteEmbedder)(nil)
