// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hexedge/deskpilot/internal/config"
)

// NewClient is a factory function that creates a Client for one named model
// configuration.
func NewClient(cfg config.ModelConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderGemini)
	}
}
