// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hexedge/deskpilot/internal/config"
)

// OpenAIClient speaks the OpenAI chat-completions protocol. It also covers
// OpenAI-compatible providers (Nebius, vLLM, Ollama) via a custom endpoint.
type OpenAIClient struct {
	cfg     config.ModelConfig
	client  *openai.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for one named model configuration.
func NewOpenAIClient(cfg config.ModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai client requires an api key for model %q", cfg.Model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60.0), 1)
	}

	return &OpenAIClient{
		cfg:     cfg,
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: limiter,
		logger:  logger.Named("openai_client"),
	}, nil
}

// Generate performs one chat completion with bounded retry on transient
// failures.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter interrupted: %w", err)
	}

	callCtx := ctx
	if c.cfg.APITimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.APITimeout)
		defer cancel()
	}

	chatReq := c.buildRequest(req)

	var content string
	operation := func() error {
		resp, err := c.client.CreateChatCompletion(callCtx, chatReq)
		if err != nil {
			return c.classifyError(err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("model %q returned no choices", c.cfg.Model))
		}
		content = resp.Choices[0].Message.Content
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 2 * time.Second
	expBackoff.MaxElapsedTime = 90 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, callCtx)); err != nil {
		c.logger.Error("Chat completion failed after retries",
			zap.String("model", c.cfg.Model), zap.Error(err))
		return "", err
	}
	return content, nil
}

// buildRequest translates the provider-neutral request into the wire form.
// Messages carrying an image become multi-part content with an inline
// base64 data URL.
func (c *OpenAIClient) buildRequest(req GenerationRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)

	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}

		if m.ImageB64 == "" {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    role,
				Content: m.Text,
			})
			continue
		}

		mime := m.ImageMIME
		if mime == "" {
			mime = "image/png"
		}
		parts := []openai.ChatMessagePart{
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    fmt.Sprintf("data:%s;base64,%s", mime, m.ImageB64),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		}
		if m.Text != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Text,
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:         role,
			MultiContent: parts,
		})
	}

	maxTokens := c.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
	}
}

// classifyError decides whether an API failure is worth retrying. Rate
// limits and server-side errors are transient; everything else is permanent.
func (c *OpenAIClient) classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503:
			c.logger.Warn("Transient API error, will retry",
				zap.Int("status", apiErr.HTTPStatusCode), zap.String("model", c.cfg.Model))
			return err
		default:
			return backoff.Permanent(fmt.Errorf("api error (status %d): %w", apiErr.HTTPStatusCode, err))
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	// Plain transport errors (connection refused, DNS) are retryable.
	return err
}
