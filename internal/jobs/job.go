// Package jobs defines generation jobs: the tracked asynchronous requests
// that produce new nodes for a session tree.
package jobs

import (
	"strings"
	"time"
)

// Kind identifies the user intent behind a job.
type Kind string

const (
	KindInitialTopic      Kind = "initial-topic"
	KindNewTopic          Kind = "new-topic"
	KindQuestionBranch    Kind = "question-branch"
	KindQuizRemediation   Kind = "quiz-remediation"
	KindClosingReflection Kind = "closing-reflection"
)

var allKinds = []Kind{
	KindInitialTopic,
	KindNewTopic,
	KindQuestionBranch,
	KindQuizRemediation,
	KindClosingReflection,
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, k := range allKinds {
		if k == normalized {
			return k, true
		}
	}
	return "", false
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusGenerating,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var transitions = map[Status][]Status{
	StatusPending:    {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusCompleted, StatusFailed},
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureKind classifies why a job failed.
type FailureKind string

const (
	FailureGeneration FailureKind = "generation"
	FailureCommit     FailureKind = "commit"
	FailureTimeout    FailureKind = "timeout"
	FailureCancelled  FailureKind = "cancelled"
)

// Prompt is what the user asked for. Quiz fields are only set for
// quiz-remediation jobs.
type Prompt struct {
	Text          string `json:"text,omitempty"`
	ImageRef      string `json:"imageRef,omitempty"`
	ImageFilename string `json:"imageFilename,omitempty"`

	WasCorrect bool   `json:"wasCorrect,omitempty"`
	Question   string `json:"question,omitempty"`
	Answer     string `json:"answer,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// HasImage reports whether the prompt carries an image.
func (p Prompt) HasImage() bool { return p.ImageRef != "" || p.ImageFilename != "" }

// IsEmpty reports whether the prompt carries neither text nor image.
func (p Prompt) IsEmpty() bool { return strings.TrimSpace(p.Text) == "" && !p.HasImage() }

// Job tracks one in-flight generation. Values handed out by the orchestrator
// are copies; mutating them has no effect.
type Job struct {
	ID             string      `json:"id"`
	Kind           Kind        `json:"kind"`
	TargetParentID string      `json:"targetParentId,omitempty"`
	OriginNodeID   string      `json:"originNodeId,omitempty"`
	Prompt         Prompt      `json:"prompt"`
	Status         Status      `json:"status"`
	Stage          string      `json:"stage,omitempty"`
	Progress       float64     `json:"progress"`
	Error          string      `json:"error,omitempty"`
	FailureKind    FailureKind `json:"failureKind,omitempty"`
	ResultNodeIDs  []string    `json:"resultNodeIds,omitempty"`
	Dismissed      bool        `json:"dismissed,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Clone returns a copy that shares no slices with j.
func (j Job) Clone() Job {
	c := j
	if j.ResultNodeIDs != nil {
		c.ResultNodeIDs = append([]string(nil), j.ResultNodeIDs...)
	}
	return c
}
