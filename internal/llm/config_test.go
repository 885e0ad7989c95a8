package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name    string
		textLen int
		want    ModelTier
	}{
		{"empty page", 0, TierLite},
		{"short listing", LiteMaxChars, TierLite},
		{"calendar page", LiteMaxChars + 1, TierStandard},
		{"long calendar", StandardMaxChars, TierStandard},
		{"full site dump", StandardMaxChars + 1, TierAdvanced},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.textLen))
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, ProviderGemini, config.Provider)
	assert.Equal(t, "gemini-2.5-flash-lite", config.Model(TierLite))
	assert.Equal(t, "gemini-2.5-flash", config.Model(TierStandard))
	assert.Equal(t, "gemini-2.5-pro", config.Model(TierAdvanced))
	assert.Equal(t, 2, config.MaxAttempts)
}

func TestModel_Fallback(t *testing.T) {
	config := &Config{Models: map[ModelTier]string{TierLite: "small"}}
	assert.Equal(t, "small", config.Model(TierAdvanced))

	config.Models[TierStandard] = "medium"
	assert.Equal(t, "medium", config.Model(TierAdvanced))
	assert.Equal(t, "small", config.Model(TierLite))

	assert.Empty(t, (&Config{}).Model(TierStandard))
}

func TestNewClient_UnsupportedProvider(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{Provider: "other"}, "key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")
}

func TestNewGeminiClient_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), DefaultConfig(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}
