// internal/llmclient/client.go
package llmclient

import "context"

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-neutral conversation entry. Text is always set;
// ImageB64 optionally attaches an image for vision-capable models.
type Message struct {
	Role      Role   `json:"role"`
	Text      string `json:"text"`
	ImageB64  string `json:"image_b64,omitempty"`
	ImageMIME string `json:"image_mime,omitempty"`
}

// GenerationRequest carries everything a provider needs for one completion.
type GenerationRequest struct {
	SystemPrompt string    `json:"system_prompt"`
	Messages     []Message `json:"messages"`

	// MaxTokens overrides the model config when positive.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Client is the minimal surface the agent needs from a language model.
// Implementations retry transient transport failures internally; a returned
// error means the call is not worth repeating with the same input.
type Client interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}
