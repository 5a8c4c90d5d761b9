package facemodel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPModel calls an external face model microservice.
type HTTPModel struct {
	BaseURL string
	HTTP    *http.Client

	// Skip short-circuits every call with a deterministic stub result,
	// for local development without the model service running.
	Skip bool
}

// NewHTTP creates a client for the face model service.
func NewHTTP(baseURL string, skip bool) *HTTPModel {
	return &HTTPModel{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // model inference can take time
		},
	}
}

// Analyze posts the image and decodes detected faces plus the embedding.
func (m *HTTPModel) Analyze(ctx context.Context, image []byte) (*Result, error) {
	if m.Skip {
		return stubResult(), nil
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("image bytes required")
	}

	body, _ := json.Marshal(map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face model error %s: %s", resp.Status, string(respBody))
	}

	var out struct {
		Faces        []Box     `json:"faces"`
		Embedding    []float32 `json:"embedding"`
		DeepVariance float64   `json:"deep_variance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &Result{
		Faces:        out.Faces,
		Embedding:    out.Embedding,
		DeepVariance: out.DeepVariance,
	}, nil
}

// Health checks whether the model service is reachable.
func (m *HTTPModel) Health(ctx context.Context) error {
	if m.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := m.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face model unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face model unhealthy: %s", resp.Status)
	}
	return nil
}

func stubResult() *Result {
	emb := make([]float32, 512)
	for i := range emb {
		emb[i] = 1.0 / 512.0
	}
	return &Result{
		Faces:        []Box{{X: 40, Y: 40, Width: 160, Height: 160, Score: 0.98}},
		Embedding:    emb,
		DeepVariance: 0.42,
	}
}
