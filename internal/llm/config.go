// Package llm asks a generative model for activity data and returns it as
// checked JSON.
package llm

// ModelTier selects a model by how much page text it has to read.
type ModelTier string

const (
	TierLite     ModelTier = "lite"
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
)

// Page text sizes, in characters, up to which the smaller tiers are used.
const (
	LiteMaxChars     = 4000
	StandardMaxChars = 20000
)

// TierFor picks the cheapest tier suited to a page of textLen characters.
func TierFor(textLen int) ModelTier {
	switch {
	case textLen <= LiteMaxChars:
		return TierLite
	case textLen <= StandardMaxChars:
		return TierStandard
	default:
		return TierAdvanced
	}
}

// Provider names a model vendor.
type Provider string

const ProviderGemini Provider = "gemini"

// Config selects the model per tier and bounds output checking.
type Config struct {
	Provider Provider
	Models   map[ModelTier]string
	// MaxAttempts bounds generations per request when an answer fails its check.
	MaxAttempts int
}

// DefaultConfig returns the Gemini models used for extraction.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		MaxAttempts: 2,
	}
}

// Model returns the model for tier. An unconfigured tier uses the standard
// model, then the lite one; "" means nothing is configured.
func (c *Config) Model(tier ModelTier) string {
	for _, t := range []ModelTier{tier, TierStandard, TierLite} {
		if m := c.Models[t]; m != "" {
			return m
		}
	}
	return ""
}
