// Package transform is the HTTP client for the external media-transform
// service. The service probes metadata, renders derived assets and writes
// them next to the raw object; this client only moves parameters and keys.
package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/memeline/memeline-backend/pkg/config"
	pkgerrors "github.com/memeline/memeline-backend/pkg/errors"
)

// Request describes one transform invocation.
type Request struct {
	SourceKey    string            `json:"source_key"`
	OutputPrefix string            `json:"output_prefix"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// Result carries the metadata and derived-asset keys the service reports.
type Result struct {
	MediaKey     string `json:"media_key"`
	ThumbnailKey string `json:"thumbnail_key"`
	DurationMS   int64  `json:"duration_ms"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	HasAudio     bool   `json:"has_audio"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewClient(cfg config.TransformConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("transform base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
	}, nil
}

// Process runs a synchronous transform. A 4xx answer means the input itself
// is bad and retrying cannot help (CodeTransform); network errors and 5xx
// answers are transient (CodeDependency) and worth a redelivery.
func (c *Client) Process(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.SourceKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "source key is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode transform request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/process", bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build transform request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "transform service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode transform response")
		}
		return &result, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, pkgerrors.New(pkgerrors.CodeTransform, readErrorBody(resp.Body, resp.Status))
	default:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, fmt.Sprintf("transform service returned %s", resp.Status))
	}
}

func readErrorBody(body io.Reader, status string) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 2048))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if trimmed := strings.TrimSpace(string(raw)); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("transform rejected input: %s", status)
}
