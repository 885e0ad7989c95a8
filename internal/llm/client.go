package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ErrInvalidOutput is returned when no attempt produced an answer that passed
// the request's check.
var ErrInvalidOutput = errors.New("model output failed validation")

// Check validates a decoded answer. Its error is shown to the model when the
// request is retried.
type Check func(answer []byte) error

// Request is one structured generation.
type Request struct {
	Prompt string
	Tier   ModelTier
	// Check is optional; nil accepts any JSON object.
	Check Check
}

// Client generates checked JSON answers.
type Client interface {
	GenerateJSON(ctx context.Context, req Request) ([]byte, error)
	Close() error
}

// NewClient creates the client for config.Provider.
func NewClient(ctx context.Context, config *Config, apiKey string) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	switch config.Provider {
	case ProviderGemini, "":
		return NewGeminiClient(ctx, config, apiKey)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", config.Provider)
	}
}

// generator produces one raw answer from model.
type generator interface {
	generate(ctx context.Context, model, prompt string) (string, error)
}

// GeminiClient implements Client with Gemini in JSON mode.
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient connects to Gemini with apiKey.
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, config: config}, nil
}

// GenerateJSON asks the tier's model for a JSON object and checks it.
func (c *GeminiClient) GenerateJSON(ctx context.Context, req Request) ([]byte, error) {
	return generateChecked(ctx, c, c.config, req)
}

// Close releases the Gemini connection.
func (c *GeminiClient) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *GeminiClient) generate(ctx context.Context, modelName, prompt string) (string, error) {
	model := c.client.GenerativeModel(modelName)
	// Extraction must give the same answer when a step is retried.
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	return responseText(resp)
}

// generateChecked asks g until an answer decodes and passes req.Check. A retry
// repeats the prompt with the rejection reason appended. Provider errors are
// returned at once; retrying them is the caller's concern.
func generateChecked(ctx context.Context, g generator, cfg *Config, req Request) ([]byte, error) {
	model := cfg.Model(req.Tier)
	if model == "" {
		return nil, fmt.Errorf("no model configured for tier %s", req.Tier)
	}
	attempts := max(cfg.MaxAttempts, 1)

	prompt := req.Prompt
	var rejected error
	for i := 0; i < attempts; i++ {
		text, err := g.generate(ctx, model, prompt)
		if err != nil {
			return nil, err
		}
		answer, err := ExtractObject(text)
		if err == nil && req.Check != nil {
			err = req.Check(answer)
		}
		if err == nil {
			return answer, nil
		}
		rejected = err
		prompt = req.Prompt + "\n\nYour previous answer was rejected:\n" + err.Error() +
			"\nReply with a corrected JSON object only."
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrInvalidOutput, attempts, rejected)
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", errors.New("empty response")
	}
	if len(resp.Candidates) == 0 {
		if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
			return "", fmt.Errorf("prompt blocked: %s", fb.BlockReason)
		}
		return "", errors.New("response has no candidates")
	}

	var sb strings.Builder
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("response has no text (finish reason %s)", resp.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}
