// internal/judge/gemini_transport.go
package judge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/missionloop/internal/config"
)

// generateFunc is the slice of the genai models API the transport needs.
type generateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiTransport sends judge requests through the Gemini API. One genai client is
// kept per credential secret. Transient failures are retried with exponential backoff.
type GeminiTransport struct {
	cfg        config.JudgeConfig
	logger     *zap.Logger
	newBackOff func() backoff.BackOff

	mu        sync.Mutex
	clients   map[string]generateFunc
	newClient func(ctx context.Context, secret string) (generateFunc, error)
}

// NewGeminiTransport initializes the transport.
func NewGeminiTransport(cfg config.JudgeConfig, logger *zap.Logger) *GeminiTransport {
	t := &GeminiTransport{
		cfg:        cfg,
		logger:     logger.Named("judge.gemini"),
		clients:    make(map[string]generateFunc),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = cfg.MaxRetryElapsed
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	t.newClient = t.dial
	return t
}

func (t *GeminiTransport) dial(ctx context.Context, secret string) (generateFunc, error) {
	cc := &genai.ClientConfig{APIKey: secret, Backend: genai.BackendGeminiAPI}
	if t.cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: t.cfg.Endpoint}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return client.Models.GenerateContent, nil
}

func (t *GeminiTransport) clientFor(ctx context.Context, secret string) (generateFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen, ok := t.clients[secret]; ok {
		return gen, nil
	}
	gen, err := t.newClient(ctx, secret)
	if err != nil {
		return nil, err
	}
	t.clients[secret] = gen
	return gen, nil
}

// Send implements Transport.
func (t *GeminiTransport) Send(ctx context.Context, secret string, req Request) (string, error) {
	generate, err := t.clientFor(ctx, secret)
	if err != nil {
		return "", err
	}
	contents, genCfg, err := t.build(req)
	if err != nil {
		return "", err
	}

	var reply string
	operation := func() error {
		callCtx := ctx
		if t.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := generate(callCtx, t.cfg.Model, contents, genCfg)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return t.classify(err)
		}
		t.logger.Debug("Gemini judge call complete.", zap.Duration("duration", time.Since(start)))
		reply = resp.Text()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(t.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return reply, nil
}

// classify maps a generate error onto quota, transient or permanent errors. Only
// API errors below 500 are permanent; network failures and 5xx are retried.
func (t *GeminiTransport) classify(err error) error {
	var apiErr genai.APIError
	isAPI := errors.As(err, &apiErr)
	if (isAPI && apiErr.Code == http.StatusTooManyRequests) || matchesQuota(err.Error()) {
		code := 0
		if isAPI {
			code = apiErr.Code
		}
		return backoff.Permanent(&QuotaError{StatusCode: code, Message: err.Error()})
	}
	wrapped := fmt.Errorf("gemini judge call failed: %w", err)
	if isAPI && apiErr.Code < http.StatusInternalServerError {
		return backoff.Permanent(wrapped)
	}
	t.logger.Warn("Gemini judge call failed, retrying...", zap.Error(err))
	return wrapped
}

func (t *GeminiTransport) build(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal judge metadata: %w", err)
	}

	parts := []*genai.Part{genai.NewPartFromText("Metadata:\n" + string(meta))}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MimeType))
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.Instruction, genai.RoleUser),
		Temperature:       genai.Ptr(t.cfg.Temperature),
	}
	if t.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(t.cfg.MaxTokens)
	}
	if t.cfg.ExpectJSON {
		genCfg.ResponseMIMEType = "application/json"
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, genCfg, nil
}
