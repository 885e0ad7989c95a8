package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGenerator replays answers in order and records what it was asked.
type scriptedGenerator struct {
	answers []string
	err     error
	models  []string
	prompts []string
}

func (s *scriptedGenerator) generate(_ context.Context, model, prompt string) (string, error) {
	s.models = append(s.models, model)
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

func requireActivities(answer []byte) error {
	if string(answer) == `{"wrong": true}` {
		return errors.New("activities: is required")
	}
	return nil
}

func TestGenerateChecked_FirstAnswerAccepted(t *testing.T) {
	g := &scriptedGenerator{answers: []string{"```json\n{\"activities\": []}\n```"}}

	got, err := generateChecked(context.Background(), g, DefaultConfig(), Request{
		Prompt: "extract",
		Tier:   TierLite,
		Check:  requireActivities,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"activities": []}`, string(got))
	assert.Equal(t, []string{"gemini-2.5-flash-lite"}, g.models)
}

func TestGenerateChecked_RetriesWithRejection(t *testing.T) {
	g := &scriptedGenerator{answers: []string{`{"wrong": true}`, `{"activities": [{"name": "Concert"}]}`}}

	got, err := generateChecked(context.Background(), g, DefaultConfig(), Request{
		Prompt: "extract",
		Tier:   TierStandard,
		Check:  requireActivities,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"activities": [{"name": "Concert"}]}`, string(got))

	require.Len(t, g.prompts, 2)
	assert.Equal(t, "extract", g.prompts[0])
	assert.Contains(t, g.prompts[1], "extract")
	assert.Contains(t, g.prompts[1], "activities: is required")
}

func TestGenerateChecked_GivesUp(t *testing.T) {
	g := &scriptedGenerator{answers: []string{"no activities here", `{"wrong": true}`}}

	_, err := generateChecked(context.Background(), g, DefaultConfig(), Request{
		Prompt: "extract",
		Check:  requireActivities,
	})
	require.ErrorIs(t, err, ErrInvalidOutput)
	assert.Contains(t, err.Error(), "activities: is required")
	assert.Len(t, g.prompts, 2)
}

func TestGenerateChecked_ProviderErrorNotRetried(t *testing.T) {
	g := &scriptedGenerator{err: errors.New("quota exceeded")}

	_, err := generateChecked(context.Background(), g, DefaultConfig(), Request{Prompt: "extract"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidOutput)
	assert.Len(t, g.prompts, 1)
}

func TestGenerateChecked_NoModel(t *testing.T) {
	g := &scriptedGenerator{}
	_, err := generateChecked(context.Background(), g, &Config{}, Request{Prompt: "extract", Tier: TierLite})
	require.Error(t, err)
	assert.Empty(t, g.prompts)
}
