// Package worker hands generation jobs to a separate worker Lambda.
//
// The API Lambda freezes once it has written its response, so a job left
// running in a goroutine there would stall until the next request. Instead
// the job is sent with InvocationType=Event and the worker function runs it
// to completion against the shared session store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/orchestrator"
)

// MaxPayloadBytes is the largest event Lambda accepts for an asynchronous
// invocation.
const MaxPayloadBytes = 256 << 10

// Invoker is the subset of the Lambda client used to reach the worker.
type Invoker interface {
	Invoke(ctx context.Context, params *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

// LambdaDispatcher invokes the worker function asynchronously.
type LambdaDispatcher struct {
	client      Invoker
	functionArn string
}

// NewLambdaDispatcher creates a dispatcher for the worker at functionArn.
func NewLambdaDispatcher(client Invoker, functionArn string) *LambdaDispatcher {
	return &LambdaDispatcher{client: client, functionArn: functionArn}
}

// Dispatch returns once Lambda has queued the event.
func (d *LambdaDispatcher) Dispatch(ctx context.Context, t orchestrator.Task) error {
	if d.client == nil || d.functionArn == "" {
		log.Warn().Msg("Worker Lambda client not configured")
		return fmt.Errorf("worker lambda not configured")
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal worker task: %w", err)
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("worker task for job %s is %d bytes, over the %d byte event limit", t.Job.ID, len(payload), MaxPayloadBytes)
	}

	log.Debug().Int("payloadSize", len(payload)).Msg("Invoking Worker Lambda asynchronously")

	_, err = d.client.Invoke(ctx, &lambdasvc.InvokeInput{
		FunctionName:   aws.String(d.functionArn),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		log.Error().Err(err).Str("jobId", t.Job.ID).Msg("Failed to invoke Worker Lambda")
		return fmt.Errorf("invoke worker lambda: %w", err)
	}

	log.Debug().
		Str("sessionId", t.SessionID).
		Str("jobId", t.Job.ID).
		Str("kind", string(t.Job.Kind)).
		Msg("Worker Lambda invoked asynchronously")
	return nil
}

// Decode parses a worker event.
func Decode(payload []byte) (orchestrator.Task, error) {
	var t orchestrator.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode worker task: %w", err)
	}
	if t.SessionID == "" || t.Job.ID == "" {
		return t, fmt.Errorf("worker task is missing sessionId or job id")
	}
	return t, nil
}
