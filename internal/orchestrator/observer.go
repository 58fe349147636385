package orchestrator

import (
	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/session"
)

// Observer is told about job and session changes. Calls are made from job
// goroutines and request handlers, never under an orchestrator lock, and
// must return quickly.
type Observer interface {
	JobChanged(j jobs.Job)
	JobProgress(jobID string, p generation.Progress)
	SessionChanged(s session.Snapshot)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnJob      func(jobs.Job)
	OnProgress func(string, generation.Progress)
	OnSession  func(session.Snapshot)
}

func (f ObserverFuncs) JobChanged(j jobs.Job) {
	if f.OnJob != nil {
		f.OnJob(j)
	}
}

func (f ObserverFuncs) JobProgress(id string, p generation.Progress) {
	if f.OnProgress != nil {
		f.OnProgress(id, p)
	}
}

func (f ObserverFuncs) SessionChanged(s session.Snapshot) {
	if f.OnSession != nil {
		f.OnSession(s)
	}
}
