// Package generationtest provides a scripted generation service for tests.
package generationtest

import (
	"context"
	"sync"

	"github.com/fpang/topic-explorer/internal/generation"
)

// Script is what the fake does for one call.
type Script struct {
	// Err is returned from Stream before any event.
	Err error
	// Events are sent in order. Non-terminal events are sent right away.
	Events []generation.Event
	// Gate, when set, holds back the first terminal event until it is closed.
	Gate <-chan struct{}
	// Hang keeps the stream open after the events until ctx ends.
	Hang bool
}

// Service is a scripted generation.Service.
type Service struct {
	// Handle picks the script for a request.
	Handle func(req generation.Request) Script

	mu       sync.Mutex
	requests []generation.Request
}

// Requests returns the requests seen so far.
func (s *Service) Requests() []generation.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]generation.Request(nil), s.requests...)
}

// Stream implements generation.Service.
func (s *Service) Stream(ctx context.Context, req generation.Request) (<-chan generation.Event, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	var sc Script
	if s.Handle != nil {
		sc = s.Handle(req)
	}
	if sc.Err != nil {
		return nil, sc.Err
	}

	ch := make(chan generation.Event)
	go func() {
		defer close(ch)
		for _, ev := range sc.Events {
			if ev.IsTerminal() && sc.Gate != nil {
				select {
				case <-sc.Gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if sc.Hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Progress builds a progress event.
func Progress(stage string, percent float64) generation.Event {
	return generation.Event{
		Kind:     generation.EventProgress,
		Progress: generation.Progress{StageName: stage, Percent: percent},
	}
}

// Completed builds a completed event with one segment per title.
func Completed(titles ...string) generation.Event {
	ev := generation.Event{Kind: generation.EventCompleted}
	for _, t := range titles {
		ev.Segments = append(ev.Segments, generation.SegmentDescriptor{
			Topic:    t,
			Title:    t,
			MediaURL: "https://media.example.com/" + t + ".mp4",
			Script:   "Narration for " + t,
		})
	}
	return ev
}

// Failed builds a failed event.
func Failed(reason string) generation.Event {
	return generation.Event{Kind: generation.EventFailed, Error: reason}
}
