package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/session"
)

const (
	dispatchTimeout = 10 * time.Second
	jobStoreTimeout = 5 * time.Second
)

// Task is a job handed to another process.
type Task struct {
	SessionID string   `json:"sessionId"`
	Job       jobs.Job `json:"job"`
	Label     string   `json:"label,omitempty"`
}

// Dispatcher hands a pending job to the process that will run it. The
// receiving side calls Execute. Dispatch returns once the hand-off is
// accepted, not when the job finishes.
type Dispatcher interface {
	Dispatch(ctx context.Context, t Task) error
}

// JobStore keeps job records where every process serving a session can
// read them. A dismissal is recorded apart from the job so that later
// PutJob calls from the process running the job cannot undo it.
type JobStore interface {
	PutJob(ctx context.Context, sessionID string, j jobs.Job) error
	DismissJob(ctx context.Context, sessionID, jobID string) error
	ListJobs(ctx context.Context, sessionID string) ([]jobs.Job, error)
}

// dispatch hands j to the Dispatcher. A rejected hand-off fails the job.
func (o *Orchestrator) dispatch(j jobs.Job, label string) *jobs.Job {
	ctx, cancel := context.WithTimeout(o.ctx, dispatchTimeout)
	defer cancel()

	err := o.opts.Dispatcher.Dispatch(ctx, Task{SessionID: o.sess.ID, Job: j, Label: label})
	if err != nil {
		o.fail(j.ID, jobs.FailureGeneration, fmt.Errorf("%w: dispatch: %v", jobs.ErrGenerationFailed, err))
		if cur, lerr := o.Job(j.ID); lerr == nil {
			return &cur
		}
	}
	return &j
}

// Execute runs a dispatched job in the calling goroutine and returns its
// final state. A job that is no longer pending, as on a repeated delivery,
// is not run again.
func (o *Orchestrator) Execute(ctx context.Context, t Task) (jobs.Job, error) {
	if t.SessionID != o.sess.ID {
		return jobs.Job{}, fmt.Errorf("job %s belongs to session %s, not %s", t.Job.ID, t.SessionID, o.sess.ID)
	}
	if err := o.Refresh(ctx); err != nil {
		return jobs.Job{}, err
	}

	o.mu.Lock()
	rec, ok := o.jobs[t.Job.ID]
	if ok && rec.job.Status != jobs.StatusPending {
		cur := rec.job.Clone()
		o.mu.Unlock()
		return cur, fmt.Errorf("%w: job %s is already %s", jobs.ErrInvalidTransition, cur.ID, cur.Status)
	}
	if !ok {
		rec = &record{job: t.Job.Clone()}
		o.jobs[t.Job.ID] = rec
	}
	// Stored records carry no image; the task does.
	rec.job.Prompt = t.Job.Prompt
	rec.label = t.Label
	rec.local = true
	o.mu.Unlock()

	log.Info().Str("job", t.Job.ID).Str("kind", string(t.Job.Kind)).Msg("Executing dispatched job")

	o.wg.Add(1)
	o.run(ctx, t.Job.ID)
	return o.Job(t.Job.ID)
}

// Refresh pulls the job records other processes wrote for this session.
// Jobs running here only take the dismissed flag from the shared copy.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if o.opts.JobStore == nil {
		return nil
	}
	stored, err := o.opts.JobStore.ListJobs(ctx, o.sess.ID)
	if err != nil {
		return fmt.Errorf("list jobs of session %s: %w", o.sess.ID, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, j := range stored {
		rec, ok := o.jobs[j.ID]
		switch {
		case !ok:
			o.jobs[j.ID] = &record{job: j}
			if j.Status.IsTerminal() {
				o.retireLocked(j.ID)
			}
		case rec.local:
			if j.Dismissed {
				rec.job.Dismissed = true
			}
		case j.UpdatedAt.Before(rec.job.UpdatedAt):
		default:
			wasTerminal := rec.job.Status.IsTerminal()
			dismissed := rec.job.Dismissed || j.Dismissed
			rec.job = j
			rec.job.Dismissed = dismissed
			if !wasTerminal && j.Status.IsTerminal() {
				o.retireLocked(j.ID)
			}
		}
	}
	return nil
}

func (o *Orchestrator) saveJob(j jobs.Job) {
	if o.opts.JobStore == nil {
		return
	}
	// Images can be megabytes; the record only needs to describe the job.
	j.Prompt.ImageRef = ""

	ctx, cancel := context.WithTimeout(context.Background(), jobStoreTimeout)
	defer cancel()
	if err := o.opts.JobStore.PutJob(ctx, o.sess.ID, j); err != nil {
		log.Warn().Err(err).Str("job", j.ID).Str("status", string(j.Status)).Msg("Failed to persist job record")
	}
}

func (o *Orchestrator) saveDismissal(id string) {
	if o.opts.JobStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobStoreTimeout)
	defer cancel()
	if err := o.opts.JobStore.DismissJob(ctx, o.sess.ID, id); err != nil {
		log.Warn().Err(err).Str("job", id).Msg("Failed to persist job dismissal")
	}
}

// Restore adopts a stored copy of the session unless it is older than the
// local state. Jobs commit under the same lock, so a restore never lands
// in the middle of one.
func (o *Orchestrator) Restore(stored *session.Session) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	adopted, err := o.sess.Restore(stored)
	if err != nil {
		return false, err
	}
	if adopted {
		log.Debug().Str("sessionId", o.sess.ID).Int("nodes", o.sess.Tree.Len()).Msg("Session restored from store")
	}
	return adopted, nil
}
