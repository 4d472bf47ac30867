// internal/judge/http_transport.go
package judge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/internal/config"
)

// maxReplyBytes caps how much of a judge reply is read.
const maxReplyBytes = 4 << 20

// HTTPTransport posts {instruction, metadata, images[]} to a judge endpoint with a
// bearer token and retries transient failures with exponential backoff.
type HTTPTransport struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	newBackOff func() backoff.BackOff
}

// NewHTTPTransport initializes the transport.
func NewHTTPTransport(cfg config.JudgeConfig, logger *zap.Logger) (*HTTPTransport, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("judge endpoint is required for the http provider")
	}
	maxElapsed := cfg.MaxRetryElapsed
	return &HTTPTransport{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("judge.http"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = maxElapsed
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

type textReply struct {
	Text *string `json:"text"`
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, secret string, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal judge request: %w", err)
	}

	var reply string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+secret)

		start := time.Now()
		resp, err := t.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			t.logger.Warn("Network error during judge request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute judge request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return fmt.Errorf("failed to read judge response: %w", err)
		}
		t.logger.Debug("Judge responded.", zap.Int("status", resp.StatusCode), zap.Duration("duration", time.Since(start)))

		if resp.StatusCode != http.StatusOK {
			return t.classify(resp.StatusCode, respBody)
		}
		reply = replyText(respBody)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(t.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return reply, nil
}

// classify maps a non-200 reply onto quota, transient or permanent errors.
func (t *HTTPTransport) classify(status int, body []byte) error {
	msg := strings.TrimSpace(truncate(string(body), 512))
	if status == http.StatusTooManyRequests || matchesQuota(msg) {
		return backoff.Permanent(&QuotaError{StatusCode: status, Message: msg})
	}
	err := fmt.Errorf("judge endpoint error: status %d, body: %s", status, msg)
	if status >= http.StatusInternalServerError {
		t.logger.Warn("Judge endpoint returned a server error, retrying...", zap.Int("status", status))
		return err
	}
	return backoff.Permanent(err)
}

// replyText accepts either a {"text": "..."} envelope or a raw text body.
func replyText(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env textReply
		if err := json.Unmarshal(trimmed, &env); err == nil && env.Text != nil {
			return *env.Text
		}
	}
	return string(body)
}
