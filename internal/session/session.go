// Package session holds a learning session (its tree plus the context that
// shapes generation) and persists it to a durable key-value store.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fpang/topic-explorer/internal/tree"
)

// Context is what the session has learned about the user so far.
type Context struct {
	InitialTopic       string   `json:"initialTopic,omitempty"`
	HistoryTopics      []string `json:"historyTopics"`
	Depth              int      `json:"depth"`
	CorrectnessPattern []bool   `json:"correctnessPattern"`
	Style              string   `json:"style,omitempty"`
	VoiceID            string   `json:"voiceId,omitempty"`
}

func (c Context) clone() Context {
	out := c
	out.HistoryTopics = append([]string{}, c.HistoryTopics...)
	out.CorrectnessPattern = append([]bool{}, c.CorrectnessPattern...)
	return out
}

// Session is one learning session. The tree lives in its own Store; the
// context and timestamps are guarded here. It is safe for concurrent use.
type Session struct {
	ID        string
	Tree      *tree.Store
	CreatedAt time.Time

	mu        sync.Mutex
	context   Context
	updatedAt time.Time
	revision  uint64
}

// New creates an empty session. An empty id gets a random one.
func New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		Tree:      tree.NewStore(),
		CreatedAt: now,
		updatedAt: now,
		context:   Context{HistoryTopics: []string{}, CorrectnessPattern: []bool{}},
	}
}

// Context returns a copy of the session context.
func (s *Session) Context() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context.clone()
}

// UpdateContext applies fn to the context and marks the session changed.
func (s *Session) UpdateContext(fn func(*Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.context)
	s.touchLocked()
}

// Restore adopts the state of a copy of this session loaded from storage.
// A local revision newer than the stored one is kept, since it has not been
// saved yet. It reports whether the stored state was adopted.
func (s *Session) Restore(stored *Session) (bool, error) {
	if stored.ID != s.ID {
		return false, fmt.Errorf("restore session %s from %s: id mismatch", s.ID, stored.ID)
	}
	snap := stored.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Revision < s.revision {
		return false, nil
	}
	if err := s.Tree.Replace(snap.Tree); err != nil {
		return false, err
	}
	s.context = snap.Context
	s.updatedAt = snap.UpdatedAt
	s.revision = snap.Revision
	return true, nil
}

// Touch marks the session changed after a tree mutation.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now().UTC()
	s.revision++
}

// Snapshot is an immutable copy of a session at one revision.
type Snapshot struct {
	ID        string
	Tree      *tree.Tree
	Context   Context
	CreatedAt time.Time
	UpdatedAt time.Time
	// Revision grows with every change. A snapshot always reflects at least
	// the changes counted by its revision.
	Revision uint64
}

// Snapshot copies the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.ID,
		Tree:      s.Tree.Snapshot(),
		Context:   s.context.clone(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.updatedAt,
		Revision:  s.revision,
	}
}
