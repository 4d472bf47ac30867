// internal/judge/transport.go
package judge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/missionloop/api/schemas"
	"github.com/xkilldash9x/missionloop/internal/config"
)

// Image is one picture attached to a judge request. Data is base64 encoded on the wire.
type Image struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// Request is the provider-neutral judge input.
type Request struct {
	Instruction string         `json:"instruction"`
	Metadata    map[string]any `json:"metadata"`
	Images      []Image        `json:"images"`
}

// NewRequest assembles a request from a rendered instruction, run metadata and a snapshot.
// The snapshot's structural metadata is nested under "snapshot".
func NewRequest(instruction string, metadata map[string]any, snap *schemas.Snapshot) Request {
	req := Request{Instruction: instruction, Metadata: make(map[string]any, len(metadata)+1), Images: []Image{}}
	for k, v := range metadata {
		req.Metadata[k] = v
	}
	if snap == nil {
		return req
	}
	if len(snap.Metadata) > 0 {
		req.Metadata["snapshot"] = snap.Metadata
	}
	if len(snap.Image) > 0 {
		format := snap.ImageFormat
		if format == "" {
			format = "png"
		}
		req.Images = append(req.Images, Image{MimeType: "image/" + format, Data: snap.Image})
	}
	return req
}

// Transport delivers a request to a judge provider using the given credential secret
// and returns the reply text.
type Transport interface {
	Send(ctx context.Context, secret string, req Request) (string, error)
}

// NewTransport selects the transport named by cfg.Provider.
func NewTransport(cfg config.JudgeConfig, logger *zap.Logger) (Transport, error) {
	switch cfg.Provider {
	case config.ProviderHTTP, "":
		return NewHTTPTransport(cfg, logger)
	case config.ProviderGemini:
		return NewGeminiTransport(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported judge provider: %s", cfg.Provider)
	}
}
