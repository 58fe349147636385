package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

var errStreamDone = errors.New("stream done")

// HTTPService calls the generation endpoint over HTTP and consumes its
// text/event-stream response.
type HTTPService struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPService creates a client for the generation endpoint. apiKey may be
// empty. A nil client gets one without an overall timeout, since generation
// streams run for minutes; callers bound each call with ctx instead.
func NewHTTPService(endpoint, apiKey string, client *http.Client) *HTTPService {
	if client == nil {
		client = &http.Client{Transport: &http.Transport{
			ResponseHeaderTimeout: 60 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	return &HTTPService{endpoint: endpoint, apiKey: apiKey, client: client}
}

// Stream posts req and returns its events.
func (s *HTTPService) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrServiceUnavailable, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	log.Debug().
		Str("jobId", req.JobID).
		Str("mode", string(req.Mode)).
		Bool("hasImage", req.ImageContext != "").
		Msg("Generation stream opened")

	events := make(chan Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		err := readSSE(resp.Body, func(data string) error {
			ev, err := parseUpdate([]byte(data), req.Topic)
			if err != nil {
				ev = Event{Kind: EventFailed, Error: err.Error()}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			if ev.IsTerminal() {
				return errStreamDone
			}
			return nil
		})
		if err == nil || errors.Is(err, errStreamDone) || ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Str("jobId", req.JobID).Msg("Generation stream broken")
		select {
		case events <- Event{Kind: EventFailed, Error: fmt.Sprintf("stream read: %v", err)}:
		case <-ctx.Done():
		}
	}()
	return events, nil
}
