// Package events publishes job outcomes to Amazon EventBridge so downstream
// consumers (analytics, cache warming) can react to finished generations
// without polling the session.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/session"
)

// Source is the EventBridge source of every event.
const Source = "topic-explorer"

// Detail types.
const (
	DetailJobCompleted = "JobCompleted"
	DetailJobFailed    = "JobFailed"
)

// PutEventsAPI is the subset of the EventBridge client used here.
type PutEventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// JobOutcome is the event detail.
type JobOutcome struct {
	SessionID     string   `json:"sessionId"`
	JobID         string   `json:"jobId"`
	Kind          string   `json:"kind"`
	Status        string   `json:"status"`
	Topic         string   `json:"topic,omitempty"`
	FailureKind   string   `json:"failureKind,omitempty"`
	Error         string   `json:"error,omitempty"`
	ResultNodeIDs []string `json:"resultNodeIds,omitempty"`
	DurationMs    int64    `json:"durationMs"`
}

// Publisher emits one event per terminal job. It satisfies the orchestrator
// Observer interface; sends happen in the background so observers stay fast.
type Publisher struct {
	client    PutEventsAPI
	busName   string
	sessionID string
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewPublisher creates a publisher. An empty busName uses the default bus.
func NewPublisher(client PutEventsAPI, busName, sessionID string) *Publisher {
	return &Publisher{
		client:    client,
		busName:   busName,
		sessionID: sessionID,
		timeout:   5 * time.Second,
	}
}

// JobChanged publishes completed and failed jobs. Other statuses are ignored.
func (p *Publisher) JobChanged(j jobs.Job) {
	if !j.Status.IsTerminal() {
		return
	}
	outcome := JobOutcome{
		SessionID:     p.sessionID,
		JobID:         j.ID,
		Kind:          string(j.Kind),
		Status:        string(j.Status),
		Topic:         j.Prompt.Text,
		FailureKind:   string(j.FailureKind),
		Error:         j.Error,
		ResultNodeIDs: j.ResultNodeIDs,
		DurationMs:    j.UpdatedAt.Sub(j.CreatedAt).Milliseconds(),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Publish(ctx, outcome); err != nil {
			log.Warn().Err(err).Str("job", j.ID).Msg("Job outcome not published")
		}
	}()
}

func (p *Publisher) JobProgress(string, generation.Progress) {}

func (p *Publisher) SessionChanged(session.Snapshot) {}

// Wait blocks until pending sends finish.
func (p *Publisher) Wait() { p.wg.Wait() }

// Publish sends one outcome synchronously.
func (p *Publisher) Publish(ctx context.Context, event JobOutcome) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal JobOutcome: %w", err)
	}

	detailType := DetailJobCompleted
	if event.Status == string(jobs.StatusFailed) {
		detailType = DetailJobFailed
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(detailType),
		Detail:     aws.String(string(detail)),
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", event.SessionID).Str("job", event.JobID).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("job", event.JobID).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().Str("job", event.JobID).Str("detailType", detailType).Msg("Job outcome emitted to EventBridge")
	return nil
}
