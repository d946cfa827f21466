package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"driver_verification/internal/model"
	"driver_verification/internal/source"
)

const maxResponseBytes = 1 << 20

type Config struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Client calls a JSON registry API: POST {base}/verifications.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

func (c *Client) Name() string {
	return c.cfg.Name
}

type verifyRequest struct {
	SubjectID string                 `json:"subject_id"`
	Type      model.VerificationType `json:"type"`
	Context   map[string]string      `json:"context"`
}

type signalsPayload struct {
	OCRResults       map[string]float64 `json:"ocr_results"`
	FaceMatchScore   *float64           `json:"face_match_score"`
	ValidationScores map[string]float64 `json:"validation_scores"`
}

type verifyResponse struct {
	Status     string          `json:"status"`
	Confidence *float64        `json:"confidence"`
	Reason     string          `json:"reason"`
	Signals    *signalsPayload `json:"signals"`
}

func (c *Client) Verify(ctx context.Context, req source.Request) (*source.Result, error) {
	body, err := c.post(ctx, "/verifications", verifyRequest{
		SubjectID: req.SubjectID,
		Type:      req.Type,
		Context:   req.Context,
	})
	if err != nil {
		return nil, err
	}

	var resp verifyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, source.NewSourceError(source.ErrorBadData, c.cfg.Name, "malformed response body", err)
	}

	outcome, ok := parseOutcome(resp.Status)
	if !ok {
		return nil, source.NewSourceError(source.ErrorBadData, c.cfg.Name,
			fmt.Sprintf("unrecognised status %q", resp.Status), nil)
	}

	result := &source.Result{
		Outcome:     outcome,
		RawResponse: body,
		Confidence:  resp.Confidence,
	}
	if resp.Signals != nil {
		result.Signals = &source.Signals{
			OCRResults:       resp.Signals.OCRResults,
			FaceMatchScore:   resp.Signals.FaceMatchScore,
			ValidationScores: resp.Signals.ValidationScores,
		}
	}
	return result, nil
}

func parseOutcome(status string) (source.Outcome, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "verified", "approved", "valid", "match":
		return source.OutcomeApproved, true
	case "rejected", "failed", "invalid", "no_match", "not_found":
		return source.OutcomeRejected, true
	}
	return "", false
}

// post sends payload as JSON and returns the raw 2xx body. Failures come
// back as *source.SourceError.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, source.NewSourceError(source.ErrorBadData, c.cfg.Name, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	c.logger.Debug("Source responded",
		zap.String("source", c.cfg.Name),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if err := c.statusError(res.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return source.NewSourceError(source.ErrorTimeout, c.cfg.Name, "request timed out", err)
	}
	return source.NewSourceError(source.ErrorOutage, c.cfg.Name, "request failed", err)
}

func (c *Client) statusError(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("unexpected status %d: %s", code, truncate(body, 200))
	switch {
	case code == http.StatusTooManyRequests:
		return source.NewSourceError(source.ErrorRateLimited, c.cfg.Name, msg, nil)
	case code >= 500:
		return source.NewSourceError(source.ErrorOutage, c.cfg.Name, msg, nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return source.NewSourceError(source.ErrorAuthentication, c.cfg.Name, msg, nil)
	case code == http.StatusNotFound:
		return source.NewSourceError(source.ErrorNotFound, c.cfg.Name, msg, nil)
	}
	return source.NewSourceError(source.ErrorBadData, c.cfg.Name, msg, nil)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
