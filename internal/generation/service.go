// Package generation talks to the external service that turns a prompt into
// rendered video segments. The service is opaque: it streams progress
// updates and ends with either a list of segment descriptors or an error.
package generation

import (
	"context"
	"errors"
)

// Mode selects the generation pipeline.
type Mode string

const (
	ModeDeep Mode = "deep"
	ModeFast Mode = "fast"
)

// Request is one generation call.
type Request struct {
	Topic         string `json:"topic"`
	JobID         string `json:"job_id,omitempty"`
	ImageContext  string `json:"image_context,omitempty"`
	ImageFilename string `json:"image_filename,omitempty"`
	Mode          Mode   `json:"mode,omitempty"`
	VoiceID       string `json:"voice_id,omitempty"`
}

// EventKind distinguishes progress from the two terminal events.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Progress is a streamed, non-terminal update.
type Progress struct {
	Stage     int            `json:"stage,omitempty"`
	StageName string         `json:"stageName,omitempty"`
	Percent   float64        `json:"percent"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SegmentDescriptor describes one finished segment.
type SegmentDescriptor struct {
	Topic        string `json:"topic,omitempty"`
	Title        string `json:"title,omitempty"`
	MediaURL     string `json:"mediaUrl"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Script       string `json:"script,omitempty"`
	// Question, when set, makes the segment a quiz checkpoint.
	Question string `json:"question,omitempty"`
}

// Event is one item of a generation stream. Completed events carry Segments,
// failed events carry Error.
type Event struct {
	Kind     EventKind
	Progress Progress
	Segments []SegmentDescriptor
	Error    string
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Service starts a generation and returns its event stream. The channel is
// closed after a terminal event, when the stream breaks, or when ctx ends.
// A closed channel without a terminal event means the call failed.
type Service interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// ErrServiceUnavailable is returned when the service rejects the call
// before any event is produced.
var ErrServiceUnavailable = errors.New("generation service unavailable")
