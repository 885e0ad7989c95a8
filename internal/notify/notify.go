// Package notify publishes run completion events.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/jonathan/activity-ingest/internal/types"
)

// Outcomes carried by RunEvent.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCanceled = "canceled"
)

// RunEvent describes a run that reached a terminal state.
type RunEvent struct {
	RunID               string               `json:"run_id"`
	SourceURL           string               `json:"source_url"`
	Status              string               `json:"status"`
	Outcome             string               `json:"outcome"`
	ActivitiesProcessed *int                 `json:"activities_processed,omitempty"`
	ImportSummary       *types.ImportSummary `json:"import_summary,omitempty"`
	Error               string               `json:"error,omitempty"`
	ArtifactsDeleted    bool                 `json:"artifacts_deleted"`
	CompletedAt         time.Time            `json:"completed_at"`
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, event RunEvent) error
}

// PubSubPublisher publishes events to a Pub/Sub topic.
type PubSubPublisher struct {
	Client  *pubsub.Client
	TopicID string
}

// NewPubSubPublisher connects to Pub/Sub in projectID.
func NewPubSubPublisher(ctx context.Context, projectID, topicID string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub init: %w", err)
	}
	return &PubSubPublisher{Client: client, TopicID: topicID}, nil
}

// Publish sends event as JSON and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, event RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	res := p.Client.Topic(p.TopicID).Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"run_id":  event.RunID,
			"status":  event.Status,
			"outcome": event.Outcome,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	return nil
}

// Close releases the Pub/Sub client.
func (p *PubSubPublisher) Close() error {
	return p.Client.Close()
}

// LogPublisher writes events to a logger. Used for local development.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs event.
func (p LogPublisher) Publish(_ context.Context, event RunEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("run finished",
		"run_id", event.RunID,
		"status", event.Status,
		"outcome", event.Outcome,
		"artifacts_deleted", event.ArtifactsDeleted,
		"error", event.Error)
	return nil
}
