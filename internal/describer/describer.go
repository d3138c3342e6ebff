// internal/describer/describer.go
package describer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/llmclient"
)

// ErrUnavailable means the vision model could not produce a description.
// The screenshot itself succeeded; only the captioning step failed.
var ErrUnavailable = errors.New("describer unavailable")

// instruction is the fixed prompt for the vision model. The primary model
// aims mouse_move from this text, so coordinates are non-negotiable.
const instruction = `Describe this screenshot of a computer screen in detail.
List every visible UI element (buttons, links, text fields, menus, icons) and
any visible text. For each interactive element, give its approximate center
position in pixels as (x, y) measured from the top-left corner. Be objective
and complete; do not speculate about elements you cannot see.`

// Describer turns a screenshot into text a non-multimodal model can act on.
type Describer interface {
	Describe(ctx context.Context, imageB64, imageMIME string) (string, error)
}

// VisionDescriber captions screenshots with a vision-capable chat model.
// Each call is stateless; no conversation accumulates across screenshots.
type VisionDescriber struct {
	client llmclient.Client
	logger *zap.Logger
}

var _ Describer = (*VisionDescriber)(nil)

// NewVisionDescriber wraps an LLM client as a describer. The client should
// be configured for a vision-capable model.
func NewVisionDescriber(client llmclient.Client, logger *zap.Logger) *VisionDescriber {
	return &VisionDescriber{
		client: client,
		logger: logger.Named("describer"),
	}
}

// Describe sends the image with the fixed instruction and returns the model's
// caption. Failures are normalized to ErrUnavailable.
func (d *VisionDescriber) Describe(ctx context.Context, imageB64, imageMIME string) (string, error) {
	if imageB64 == "" {
		return "", fmt.Errorf("%w: empty image", ErrUnavailable)
	}

	out, err := d.client.Generate(ctx, llmclient.GenerationRequest{
		Messages: []llmclient.Message{
			{
				Role:      llmclient.RoleUser,
				Text:      instruction,
				ImageB64:  imageB64,
				ImageMIME: imageMIME,
			},
		},
	})
	if err != nil {
		d.logger.Warn("Screenshot description failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: model returned an empty description", ErrUnavailable)
	}
	return out, nil
}
