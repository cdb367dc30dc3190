package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/loqalabs/accessbridge/internal/config"
)

// StatusError is a non-2xx response from the analysis service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("analysis service returned status %d", e.Code)
}

// Client talks to the remote analysis service over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(cfg config.AnalysisConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Health probes GET /api/health. A nil error means the service answered 2xx;
// a *StatusError means it answered with a failure status.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func (c *Client) AnalyzeImage(ctx context.Context, filename string, data []byte) (ImageResult, error) {
	var out ImageResult
	err := c.upload(ctx, "/api/analyze-image", "image", filename, data, &out)
	return out, err
}

func (c *Client) AnalyzeVideo(ctx context.Context, filename string, data []byte) (VideoResult, error) {
	var out VideoResult
	err := c.upload(ctx, "/api/analyze-video", "video", filename, data, &out)
	return out, err
}

func (c *Client) upload(ctx context.Context, path, field, filename string, data []byte, out any) error {
	if filename == "" {
		filename = field
	}
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("analysis service unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var problem struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(payload, &problem)
		return &StatusError{Code: resp.StatusCode, Message: problem.Error}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode analysis response: %w", err)
	}
	return nil
}
