package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/rs/zerolog/log"
)

// LambdaInvoker is the subset of the Lambda client used here.
type LambdaInvoker interface {
	Invoke(ctx context.Context, params *lambdasvc.InvokeInput, optFns ...func(*lambdasvc.Options)) (*lambdasvc.InvokeOutput, error)
}

// LambdaService invokes a generator function synchronously. The function
// returns the full list of status updates it would have streamed, which are
// replayed as events.
type LambdaService struct {
	client      LambdaInvoker
	functionArn string
}

// NewLambdaService creates a service backed by the given function.
func NewLambdaService(client LambdaInvoker, functionArn string) *LambdaService {
	return &LambdaService{client: client, functionArn: functionArn}
}

// Stream invokes the function and replays its updates.
func (s *LambdaService) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	if s.client == nil || s.functionArn == "" {
		return nil, fmt.Errorf("%w: generator lambda not configured", ErrServiceUnavailable)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	log.Debug().Int("payloadSize", len(payload)).Str("jobId", req.JobID).Msg("Invoking generator Lambda")

	events := make(chan Event)
	go func() {
		defer close(events)

		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		out, err := s.client.Invoke(ctx, &lambdasvc.InvokeInput{
			FunctionName:   aws.String(s.functionArn),
			InvocationType: lambdatypes.InvocationTypeRequestResponse,
			Payload:        payload,
		})
		if err != nil {
			if ctx.Err() == nil {
				send(Event{Kind: EventFailed, Error: fmt.Sprintf("invoke generator lambda: %v", err)})
			}
			return
		}
		if out.FunctionError != nil {
			send(Event{Kind: EventFailed, Error: fmt.Sprintf("generator lambda error %s: %s", aws.ToString(out.FunctionError), out.Payload)})
			return
		}

		var updates []statusUpdate
		if err := json.Unmarshal(out.Payload, &updates); err != nil {
			send(Event{Kind: EventFailed, Error: fmt.Sprintf("decode generator lambda payload: %v", err)})
			return
		}
		for _, u := range updates {
			ev, err := u.toEvent(req.Topic)
			if err != nil {
				ev = Event{Kind: EventFailed, Error: err.Error()}
			}
			if !send(ev) || ev.IsTerminal() {
				return
			}
		}
	}()
	return events, nil
}
