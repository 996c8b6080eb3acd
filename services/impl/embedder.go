package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/services"
)

// httpEmbedder calls the embedding service over HTTP and returns
// fixed-dimension float vectors.
type httpEmbedder struct {
	cfg        *config.EmbeddingConfig
	httpClient *http.Client
}

func NewEmbedder(cfg *config.EmbeddingConfig) services.Embedder {
	return &httpEmbedder{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

type embedRequest struct {
	Texts     []string `json:"texts"`
	TaskType  string   `json:"task_type,omitempty"`
	OutputDim int      `json:"output_dim,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *httpEmbedder) Embed(ctx context.Context, texts []string, taskType string, outputDim int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if outputDim <= 0 {
		outputDim = e.cfg.OutputDim
	}

	payload, err := json.Marshal(embedRequest{Texts: texts, TaskType: taskType, OutputDim: outputDim})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", e.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedder returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(parsed.Embeddings), len(texts))
	}
	for i, vec := range parsed.Embeddings {
		if len(vec) != outputDim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(vec), outputDim)
		}
	}
	return parsed.Embeddings, nil
}
