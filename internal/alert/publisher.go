// Package alert publishes operational events (circuit openings, degraded-mode
// activations, standby promotions) to an SNS topic for the external ops
// surface to act on.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/LouisdeMagician/blaze/internal/platform/observability"
	"github.com/LouisdeMagician/blaze/internal/platform/resilience"
)

// Event kinds.
const (
	KindCircuitOpened = "circuit_opened"
	KindCircuitClosed = "circuit_closed"
	KindDegradedMode  = "degraded_mode"
	KindPromoted      = "standby_promoted"
)

// Event is one operational occurrence worth paging about.
type Event struct {
	Kind     string    `json:"kind"`
	Instance string    `json:"instance"`
	Provider string    `json:"provider,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher delivers operational events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// SNSPublisher delivers events to an SNS topic.
type SNSPublisher struct {
	client   *sns.Client
	topicARN string
	logger   *observability.Logger
	attempts int
}

// SNSPublisherConfig holds publisher configuration.
type SNSPublisherConfig struct {
	AWSConfig awssdk.Config
	TopicARN  string
	Logger    *observability.Logger
	// Attempts bounds delivery retries (default 3)
	Attempts int
}

// NewSNSPublisher creates an SNS-backed publisher.
func NewSNSPublisher(cfg SNSPublisherConfig) (*SNSPublisher, error) {
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("alert: SNS topic ARN is required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("info", "json")
	}
	return &SNSPublisher{
		client:   sns.NewFromConfig(cfg.AWSConfig),
		topicARN: cfg.TopicARN,
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
	}, nil
}

// Publish delivers one event, retrying transient SNS failures with backoff.
func (p *SNSPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("alert: marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: awssdk.String(p.topicARN),
		Message:  awssdk.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {
				DataType:    awssdk.String("String"),
				StringValue: awssdk.String(ev.Kind),
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(resilience.Backoff(attempt-1, 200*time.Millisecond, 2*time.Second)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err := p.client.Publish(ctx, input); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	p.logger.LogError(ctx, "alert delivery failed", lastErr, "kind", ev.Kind)
	return fmt.Errorf("alert: publish failed: %w", lastErr)
}

// NoopPublisher drops every event. Used in local runs and tests.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
