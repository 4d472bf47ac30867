package judge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/xkilldash9x/missionloop/internal/config"
)

// fakeGemini fails with each entry of errs in turn, then with err, then replies.
type fakeGemini struct {
	dialed   []string
	model    string
	contents []*genai.Content
	cfg      *genai.GenerateContentConfig
	reply    string
	errs     []error
	err      error
	calls    int
}

func (f *fakeGemini) install(tr *GeminiTransport) {
	tr.newClient = func(ctx context.Context, secret string) (generateFunc, error) {
		f.dialed = append(f.dialed, secret)
		return f.generate, nil
	}
	tr.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
}

func (f *fakeGemini) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.model, f.contents, f.cfg = model, contents, cfg
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: f.reply}}},
		}},
	}, nil
}

func geminiConfig() config.JudgeConfig {
	return config.JudgeConfig{
		Provider:   config.ProviderGemini,
		Model:      "gemini-2.5-flash",
		Timeout:    5 * time.Second,
		MaxTokens:  256,
		ExpectJSON: true,
	}
}

func TestGeminiTransport_Send(t *testing.T) {
	tr := NewGeminiTransport(geminiConfig(), zaptest.NewLogger(t))
	fake := &fakeGemini{reply: `{"status":"PASS","rationale":"ok"}`}
	fake.install(tr)

	reply, err := tr.Send(context.Background(), "key-1", testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"PASS","rationale":"ok"}`, reply)

	assert.Equal(t, "gemini-2.5-flash", fake.model)
	require.Len(t, fake.contents, 1)
	parts := fake.contents[0].Parts
	require.Len(t, parts, 2)
	assert.Contains(t, parts[0].Text, `"run_id":"r1"`)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)

	require.NotNil(t, fake.cfg.SystemInstruction)
	assert.Equal(t, "judge this", fake.cfg.SystemInstruction.Parts[0].Text)
	assert.EqualValues(t, 256, fake.cfg.MaxOutputTokens)
	assert.Equal(t, "application/json", fake.cfg.ResponseMIMEType)
}

func TestGeminiTransport_ReusesClientPerSecret(t *testing.T) {
	tr := NewGeminiTransport(geminiConfig(), zaptest.NewLogger(t))
	fake := &fakeGemini{reply: "PASS: ok"}
	fake.install(tr)

	for _, secret := range []string{"a", "a", "b"} {
		_, err := tr.Send(context.Background(), secret, testRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b"}, fake.dialed)
}

func TestGeminiTransport_QuotaErrors(t *testing.T) {
	tr := NewGeminiTransport(geminiConfig(), zaptest.NewLogger(t))
	fake := &fakeGemini{err: errors.New("Error 429, Message: Resource has been exhausted, Status: RESOURCE_EXHAUSTED")}
	fake.install(tr)

	_, err := tr.Send(context.Background(), "k", testRequest())
	assert.ErrorIs(t, err, ErrQuota)

	fake.err = genai.APIError{Code: 429, Message: "slow down", Status: "RESOURCE_EXHAUSTED"}
	_, err = tr.Send(context.Background(), "k", testRequest())
	assert.ErrorIs(t, err, ErrQuota)

	fake.calls = 0
	fake.err = genai.APIError{Code: 400, Message: "invalid argument", Status: "INVALID_ARGUMENT"}
	_, err = tr.Send(context.Background(), "k", testRequest())
	require.Error(t, err)
	assert.False(t, IsQuotaError(err))
	assert.Equal(t, 1, fake.calls, "client errors are not retried")
}

func TestGeminiTransport_RetriesTransientErrors(t *testing.T) {
	tr := NewGeminiTransport(geminiConfig(), zaptest.NewLogger(t))
	fake := &fakeGemini{
		reply: "PASS: ok",
		errs:  []error{genai.APIError{Code: 503, Message: "overloaded", Status: "UNAVAILABLE"}},
	}
	fake.install(tr)

	reply, err := tr.Send(context.Background(), "k", testRequest())
	require.NoError(t, err)
	assert.Equal(t, "PASS: ok", reply)
	assert.Equal(t, 2, fake.calls)
}

func TestGeminiTransport_GivesUpAfterRetries(t *testing.T) {
	tr := NewGeminiTransport(geminiConfig(), zaptest.NewLogger(t))
	fake := &fakeGemini{err: errors.New("connection reset by peer")}
	fake.install(tr)

	_, err := tr.Send(context.Background(), "k", testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.False(t, IsQuotaError(err))
	assert.Equal(t, 4, fake.calls, "first attempt plus three retries")
}

func TestNewTransport(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tr, err := NewTransport(config.JudgeConfig{Provider: config.ProviderHTTP, Endpoint: "http://judge.local"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &HTTPTransport{}, tr)

	tr, err = NewTransport(geminiConfig(), logger)
	require.NoError(t, err)
	assert.IsType(t, &GeminiTransport{}, tr)

	_, err = NewTransport(config.JudgeConfig{Provider: "carrier-pigeon"}, logger)
	assert.Error(t, err)
}
