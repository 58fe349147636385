package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
)

// Autosave persists every session change it is told about. Snapshots older
// than the last saved revision are skipped, so out-of-order notifications
// never overwrite newer state.
type Autosave struct {
	adapter *Adapter
	timeout time.Duration

	mu   sync.Mutex
	last uint64
	// saved is set once the first save succeeded, so revision 0 of a fresh
	// session is still written.
	saved bool
}

// NewAutosave creates an autosave observer.
func NewAutosave(adapter *Adapter, timeout time.Duration) *Autosave {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Autosave{adapter: adapter, timeout: timeout}
}

// SessionChanged saves s unless a newer revision was already saved.
func (a *Autosave) SessionChanged(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved && s.Revision <= a.last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.adapter.Save(ctx, s); err != nil {
		log.Error().Err(err).Str("sessionId", s.ID).Msg("Autosave failed")
		return
	}
	a.last = s.Revision
	a.saved = true
}

func (a *Autosave) JobChanged(jobs.Job) {}

func (a *Autosave) JobProgress(string, generation.Progress) {}
