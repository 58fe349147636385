// Package orchestrator turns user intents into session tree growth. It is
// the only component that creates generation jobs and commits their results.
//
// Each job runs in its own goroutine: it waits for a dispatch slot, streams
// the external generation call, and on success commits every resulting node
// to the tree in one AppendChain call. A job that fails for any reason leaves
// the tree exactly as it was. There is no automatic retry; resubmitting
// creates a new, unrelated job.
//
// Intents that map to a cached sub-tree skip generation and merge the
// sub-tree synchronously.
//
// With a Dispatcher the job goroutine is replaced by a hand-off to another
// process, which reloads the session and runs the job with Execute. Job
// records then travel through a JobStore shared by both sides.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fpang/topic-explorer/internal/cache"
	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/session"
	"github.com/fpang/topic-explorer/internal/tree"
)

// Branch labels set on the head node of committed results.
const (
	LabelQuestion    = "question"
	LabelRemediation = "remediation"
	LabelContinue    = "continue"
	LabelReflection  = "reflection"
	cachedLabel      = "cached:"
)

// Resolver is the cache lookup used to skip generation.
type Resolver interface {
	HasCachedSubtree(key string) bool
	MatchFreeformText(text string) (string, bool)
	FetchSubtree(ctx context.Context, key string) (*tree.Tree, error)
}

// Options tune job dispatch. Zero values get defaults.
type Options struct {
	// JobTimeout bounds a job from submission to commit. Default 10m.
	JobTimeout time.Duration
	// MaxConcurrent caps jobs in the generating state. Default 4.
	MaxConcurrent int64
	// DispatchRate limits how often jobs start generating. Zero means no limit.
	DispatchRate  rate.Limit
	DispatchBurst int
	// Mode is sent when the session context has no style. Default deep.
	Mode generation.Mode
	// DisableFollow keeps the cursor where it is when non-initial jobs
	// commit. Initial-topic results are always followed.
	DisableFollow bool
	// RetainFinished is how many terminal jobs stay queryable. Default 100.
	RetainFinished int
	// MetricsNamespace enables EMF job and cache metrics when set.
	MetricsNamespace string
	Observers        []Observer
	Now              func() time.Time

	// Dispatcher, when set, runs jobs in another process instead of a
	// local goroutine.
	Dispatcher Dispatcher
	// JobStore, when set, receives every job change and feeds Refresh.
	JobStore JobStore
	// BeforeCommit runs after a job's generation succeeded and before its
	// result is committed, to pick up session changes made elsewhere. An
	// error fails the job with kind commit.
	BeforeCommit func(ctx context.Context) error
}

func (o *Options) setDefaults() {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 4
	}
	if o.DispatchRate <= 0 {
		o.DispatchRate = rate.Inf
	}
	if o.DispatchBurst <= 0 {
		o.DispatchBurst = 1
	}
	if o.Mode == "" {
		o.Mode = generation.ModeDeep
	}
	if o.RetainFinished <= 0 {
		o.RetainFinished = 100
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Submission is the outcome of an intent: either a queued job or an
// immediate cache merge.
type Submission struct {
	Job      *jobs.Job `json:"job,omitempty"`
	CacheKey string    `json:"cacheKey,omitempty"`
	NodeIDs  []string  `json:"nodeIds,omitempty"`
}

// Cached reports whether the intent was served from the cache.
func (s Submission) Cached() bool { return s.Job == nil }

type record struct {
	job   jobs.Job
	label string
	// local is set when this process runs the job. Other records mirror
	// the JobStore.
	local bool
}

// Orchestrator owns the jobs of one session.
type Orchestrator struct {
	sess     *session.Session
	resolver Resolver
	service  generation.Service
	opts     Options
	sem      *semaphore.Weighted
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*record
	finished []string
}

// New creates an orchestrator for sess. resolver may be nil to disable the cache.
func New(sess *session.Session, resolver Resolver, service generation.Service, opts Options) *Orchestrator {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sess:     sess,
		resolver: resolver,
		service:  service,
		opts:     opts,
		sem:      semaphore.NewWeighted(opts.MaxConcurrent),
		limiter:  rate.NewLimiter(opts.DispatchRate, opts.DispatchBurst),
		ctx:      ctx,
		cancel:   cancel,
		jobs:     make(map[string]*record),
	}
}

// Session returns the session being orchestrated.
func (o *Orchestrator) Session() *session.Session { return o.sess }

// Snapshot returns a copy of the session.
func (o *Orchestrator) Snapshot() session.Snapshot { return o.sess.Snapshot() }

// --- Intents ---

// SubmitInitialTopic starts a new learning path. An empty session takes the
// topic as its starting point; a session with history keeps it and gains the
// result as a new root. A topic with a cached sub-tree is merged immediately
// and no job is created. Nothing changes until the result is committed.
func (o *Orchestrator) SubmitInitialTopic(ctx context.Context, p jobs.Prompt) (Submission, error) {
	if p.IsEmpty() {
		return Submission{}, fmt.Errorf("%w: topic or image required", ErrInvalidPrompt)
	}

	key := cache.KeyForPrompt(p)
	if o.resolver != nil && o.resolver.HasCachedSubtree(key) {
		sub, err := o.resolver.FetchSubtree(ctx, key)
		if err == nil {
			return o.mergeInitial(key, sub, p)
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Cached sub-tree unavailable, generating instead")
		}
	}

	o.mu.Lock()
	rec := o.newRecordLocked(jobs.KindInitialTopic, "", "", p, "")
	o.mu.Unlock()
	return o.start(rec), nil
}

func (o *Orchestrator) mergeInitial(key string, sub *tree.Tree, p jobs.Prompt) (Submission, error) {
	o.mu.Lock()
	fresh := o.sess.Tree.Len() == 0
	res, err := o.sess.Tree.MergeSubtree(sub, tree.MergeOptions{})
	if err == nil {
		err = o.sess.Tree.SetCurrent(res.RootIDs[0])
	}
	o.mu.Unlock()
	if err != nil {
		return Submission{}, fmt.Errorf("merge cached %q: %w", key, err)
	}

	topic := historyTopic(jobs.Job{Kind: jobs.KindInitialTopic, Prompt: p})
	o.sess.UpdateContext(func(c *session.Context) {
		startTopic(c, topic, fresh)
		c.Depth++
	})

	log.Info().Str("key", key).Int("nodes", len(res.NodeIDs)).Bool("fresh", fresh).Msg("Initial topic served from cache")
	o.recordCacheHit(jobs.KindInitialTopic, key, len(res.NodeIDs))
	o.notifySession()
	return Submission{CacheKey: key, NodeIDs: res.NodeIDs}, nil
}

// startTopic records an initial topic in the context. An empty session
// starts its context over, keeping the user's preferences; otherwise the
// topic joins the history.
func startTopic(c *session.Context, topic string, fresh bool) {
	if !fresh {
		if c.InitialTopic == "" {
			c.InitialTopic = topic
		}
		c.HistoryTopics = append(c.HistoryTopics, topic)
		return
	}
	c.InitialTopic = topic
	c.HistoryTopics = []string{topic}
	c.CorrectnessPattern = []bool{}
	c.Depth = 0
}

// SubmitNewTopicBranch starts a sibling learning path. Its result becomes a
// new root rather than a child of fromNodeID.
func (o *Orchestrator) SubmitNewTopicBranch(ctx context.Context, fromNodeID string, p jobs.Prompt) (Submission, error) {
	if p.IsEmpty() {
		return Submission{}, fmt.Errorf("%w: topic or image required", ErrInvalidPrompt)
	}
	if err := o.requireNode(fromNodeID); err != nil {
		return Submission{}, err
	}

	o.mu.Lock()
	rec := o.newRecordLocked(jobs.KindNewTopic, "", fromNodeID, p, "")
	o.mu.Unlock()
	return o.start(rec), nil
}

// SubmitQuestionBranch answers a follow-up question from fromNodeID. A
// question matching a cached sub-tree merges it as a child labelled
// "cached:<key>"; otherwise a job appends its result as a child chain.
func (o *Orchestrator) SubmitQuestionBranch(ctx context.Context, fromNodeID string, p jobs.Prompt) (Submission, error) {
	if p.IsEmpty() {
		return Submission{}, fmt.Errorf("%w: question or image required", ErrInvalidPrompt)
	}
	if err := o.requireNode(fromNodeID); err != nil {
		return Submission{}, err
	}

	if o.resolver != nil && strings.TrimSpace(p.Text) != "" {
		if key, ok := o.resolver.MatchFreeformText(p.Text); ok {
			sub, err := o.resolver.FetchSubtree(ctx, key)
			switch {
			case err == nil:
				s, err := o.mergeBranch(key, sub, fromNodeID)
				if err == nil || errors.Is(err, tree.ErrNotFound) {
					return s, err
				}
				log.Warn().Err(err).Str("key", key).Msg("Cached sub-tree merge failed, generating instead")
			case !errors.Is(err, cache.ErrCacheMiss):
				log.Warn().Err(err).Str("key", key).Msg("Cached sub-tree unavailable, generating instead")
			}
		}
	}

	o.mu.Lock()
	rec := o.newRecordLocked(jobs.KindQuestionBranch, fromNodeID, fromNodeID, p, LabelQuestion)
	o.mu.Unlock()
	return o.start(rec), nil
}

func (o *Orchestrator) mergeBranch(key string, sub *tree.Tree, fromNodeID string) (Submission, error) {
	res, err := o.sess.Tree.MergeSubtree(sub, tree.MergeOptions{ParentID: fromNodeID, BranchLabel: cachedLabel + key})
	if err != nil {
		return Submission{}, err
	}
	if !o.opts.DisableFollow {
		if _, err := o.sess.Tree.SetCurrentIf(fromNodeID, res.RootIDs[0]); err != nil {
			log.Warn().Err(err).Msg("Failed to follow cached branch")
		}
	}
	o.sess.UpdateContext(func(c *session.Context) {
		c.HistoryTopics = append(c.HistoryTopics, key)
		c.Depth++
	})

	log.Info().Str("key", key).Str("parentId", fromNodeID).Int("nodes", len(res.NodeIDs)).Msg("Question served from cache")
	o.recordCacheHit(jobs.KindQuestionBranch, key, len(res.NodeIDs))
	o.notifySession()
	return Submission{CacheKey: key, NodeIDs: res.NodeIDs}, nil
}

// SubmitQuizRemediation reacts to a quiz answer at the checkpoint node
// fromNodeID. The result is appended as a child of the checkpoint.
func (o *Orchestrator) SubmitQuizRemediation(ctx context.Context, fromNodeID string, wasCorrect bool, question, answer, reasoning string) (Submission, error) {
	if strings.TrimSpace(question) == "" {
		return Submission{}, fmt.Errorf("%w: quiz question required", ErrInvalidPrompt)
	}
	if err := o.requireNode(fromNodeID); err != nil {
		return Submission{}, err
	}

	p := jobs.Prompt{
		Text:       question,
		WasCorrect: wasCorrect,
		Question:   question,
		Answer:     answer,
		Reasoning:  reasoning,
	}
	label := LabelRemediation
	if wasCorrect {
		label = LabelContinue
	}

	o.sess.UpdateContext(func(c *session.Context) {
		c.CorrectnessPattern = append(c.CorrectnessPattern, wasCorrect)
	})

	o.mu.Lock()
	rec := o.newRecordLocked(jobs.KindQuizRemediation, fromNodeID, fromNodeID, p, label)
	o.mu.Unlock()

	o.notifySession()
	return o.start(rec), nil
}

// SubmitClosingReflection wraps up the session from fromNodeID with a recap
// built from the session history.
func (o *Orchestrator) SubmitClosingReflection(ctx context.Context, fromNodeID string) (Submission, error) {
	if err := o.requireNode(fromNodeID); err != nil {
		return Submission{}, err
	}

	o.mu.Lock()
	rec := o.newRecordLocked(jobs.KindClosingReflection, fromNodeID, fromNodeID, jobs.Prompt{}, LabelReflection)
	o.mu.Unlock()
	return o.start(rec), nil
}

// --- Navigation passthroughs that change the session ---

// Select moves the cursor to id.
func (o *Orchestrator) Select(id string) error {
	if err := o.sess.Tree.SetCurrent(id); err != nil {
		return err
	}
	o.sess.Touch()
	o.notifySession()
	return nil
}

// UpdateSegment applies a payload patch such as a finished render or search
// metadata.
func (o *Orchestrator) UpdateSegment(id string, patch tree.SegmentPatch) error {
	if err := o.sess.Tree.UpdateSegment(id, patch); err != nil {
		return err
	}
	o.sess.Touch()
	o.notifySession()
	return nil
}

// UpdatePreferences sets the generation style and narration voice. Nil
// leaves a value unchanged.
func (o *Orchestrator) UpdatePreferences(style, voiceID *string) session.Context {
	o.sess.UpdateContext(func(c *session.Context) {
		if style != nil {
			c.Style = *style
		}
		if voiceID != nil {
			c.VoiceID = *voiceID
		}
	})
	o.notifySession()
	return o.sess.Context()
}

// --- Job queries ---

// ListActiveJobs returns jobs that are neither terminal nor dismissed,
// oldest first.
func (o *Orchestrator) ListActiveJobs() []jobs.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]jobs.Job, 0, len(o.jobs))
	for _, rec := range o.jobs {
		if rec.job.Status.IsTerminal() || rec.job.Dismissed {
			continue
		}
		out = append(out, rec.job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Job returns one job, active or recently finished.
func (o *Orchestrator) Job(id string) (jobs.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	return rec.job.Clone(), nil
}

// DismissJob hides a job from the active list. It does not cancel the
// generation call; a dismissed job that later succeeds still commits.
func (o *Orchestrator) DismissJob(id string) error {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("dismiss job %s: %w", id, jobs.ErrNotFound)
	}
	rec.job.Dismissed = true
	rec.job.UpdatedAt = o.opts.Now()
	j := rec.job.Clone()
	o.mu.Unlock()

	log.Debug().Str("job", id).Str("status", string(j.Status)).Msg("Job dismissed")
	o.saveDismissal(id)
	o.notifyJob(j)
	return nil
}

// Wait blocks until every started job has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Close cancels in-flight jobs and waits for them. Cancelled jobs fail.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// --- Job lifecycle ---

func (o *Orchestrator) requireNode(id string) error {
	if id == "" || !o.sess.Tree.Has(id) {
		return fmt.Errorf("node %q: %w", id, tree.ErrNotFound)
	}
	return nil
}

func (o *Orchestrator) newRecordLocked(kind jobs.Kind, target, origin string, p jobs.Prompt, label string) *record {
	now := o.opts.Now()
	rec := &record{
		job: jobs.Job{
			ID:             jobs.NewID(),
			Kind:           kind,
			TargetParentID: target,
			OriginNodeID:   origin,
			Prompt:         p,
			Status:         jobs.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		label: label,
		local: o.opts.Dispatcher == nil,
	}
	o.jobs[rec.job.ID] = rec
	return rec
}

// start hands a pending job to its goroutine.
func (o *Orchestrator) start(rec *record) Submission {
	o.mu.Lock()
	j := rec.job.Clone()
	o.mu.Unlock()

	log.Info().
		Str("job", j.ID).
		Str("kind", string(j.Kind)).
		Str("targetParentId", j.TargetParentID).
		Bool("dispatched", o.opts.Dispatcher != nil).
		Msg("Job submitted")
	o.notifyJob(j)

	if o.opts.Dispatcher != nil {
		return Submission{Job: o.dispatch(j, rec.label)}
	}

	o.wg.Add(1)
	go o.run(o.ctx, j.ID)
	return Submission{Job: &j}
}

// run drives one local job from dispatch to commit.
func (o *Orchestrator) run(parent context.Context, id string) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(parent, o.opts.JobTimeout)
	defer cancel()

	if err := o.limiter.Wait(ctx); err != nil {
		o.fail(id, ctxFailure(ctx), fmt.Errorf("%w: waiting for dispatch: %v", jobs.ErrGenerationFailed, err))
		return
	}
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(id, ctxFailure(ctx), fmt.Errorf("%w: waiting for a generation slot: %v", jobs.ErrGenerationFailed, err))
		return
	}
	defer o.sem.Release(1)

	j, err := o.transition(id, jobs.StatusGenerating)
	if err != nil {
		log.Warn().Err(err).Str("job", id).Msg("Job could not start")
		return
	}
	o.notifyJob(j)

	origin := ""
	if n, ok := o.sess.Tree.Node(firstNonEmpty(j.OriginNodeID, j.TargetParentID)); ok {
		origin = n.Segment.Topic
	}
	req := buildRequest(j, origin, o.sess.Context(), o.opts.Mode)

	events, err := o.service.Stream(ctx, req)
	if err != nil {
		o.fail(id, jobs.FailureGeneration, fmt.Errorf("%w: %v", jobs.ErrGenerationFailed, err))
		return
	}

	descs, kind, err := o.consume(ctx, id, events)
	if err != nil {
		o.fail(id, kind, err)
		return
	}
	if o.opts.BeforeCommit != nil {
		if err := o.opts.BeforeCommit(ctx); err != nil {
			o.fail(id, jobs.FailureCommit, fmt.Errorf("%w: reload session: %v", jobs.ErrCommitFailed, err))
			return
		}
	}
	o.commit(id, req.Topic, descs)
}

// consume reads the stream until its terminal event.
func (o *Orchestrator) consume(ctx context.Context, id string, events <-chan generation.Event) ([]generation.SegmentDescriptor, jobs.FailureKind, error) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctxFailure(ctx), fmt.Errorf("%w: %v", jobs.ErrGenerationFailed, ctx.Err())
				}
				return nil, jobs.FailureGeneration, fmt.Errorf("%w: stream ended without a result", jobs.ErrGenerationFailed)
			}
			switch ev.Kind {
			case generation.EventProgress:
				o.progress(id, ev.Progress)
			case generation.EventCompleted:
				return ev.Segments, "", nil
			case generation.EventFailed:
				return nil, jobs.FailureGeneration, fmt.Errorf("%w: %s", jobs.ErrGenerationFailed, ev.Error)
			}
		case <-ctx.Done():
			return nil, ctxFailure(ctx), fmt.Errorf("%w: %v", jobs.ErrGenerationFailed, ctx.Err())
		}
	}
}

func (o *Orchestrator) progress(id string, p generation.Progress) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok || rec.job.Status != jobs.StatusGenerating {
		o.mu.Unlock()
		return
	}
	stageChanged := p.StageName != "" && p.StageName != rec.job.Stage
	if p.StageName != "" {
		rec.job.Stage = p.StageName
	}
	if p.Percent > rec.job.Progress {
		rec.job.Progress = p.Percent
	}
	rec.job.UpdatedAt = o.opts.Now()
	j := rec.job.Clone()
	o.mu.Unlock()

	if stageChanged {
		o.saveJob(j)
	}
	for _, obs := range o.opts.Observers {
		obs.JobProgress(id, p)
	}
}

// commit appends the job's segments in one step and applies the follow
// policy. Any failure leaves the tree untouched and fails the job.
func (o *Orchestrator) commit(id, topic string, descs []generation.SegmentDescriptor) {
	segs, err := toSegments(descs, topic)
	if err != nil {
		o.fail(id, jobs.FailureCommit, err)
		return
	}

	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok || rec.job.Status != jobs.StatusGenerating {
		o.mu.Unlock()
		return
	}
	fresh := o.sess.Tree.Len() == 0

	ids, err := o.sess.Tree.AppendChain(rec.job.TargetParentID, segs, tree.ChainOptions{JobID: id, BranchLabel: rec.label})
	if err != nil {
		o.mu.Unlock()
		o.fail(id, jobs.FailureCommit, fmt.Errorf("%w: %v", jobs.ErrCommitFailed, err))
		return
	}

	followed := false
	switch {
	case rec.job.Kind == jobs.KindInitialTopic:
		followed = o.sess.Tree.SetCurrent(ids[0]) == nil
	case !o.opts.DisableFollow && !rec.job.Dismissed:
		followed, _ = o.sess.Tree.SetCurrentIf(rec.job.OriginNodeID, ids[0])
	}

	rec.job.Status = jobs.StatusCompleted
	rec.job.Progress = 100
	rec.job.ResultNodeIDs = ids
	rec.job.UpdatedAt = o.opts.Now()
	o.retireLocked(id)
	j := rec.job.Clone()
	o.mu.Unlock()

	o.sess.UpdateContext(func(c *session.Context) {
		switch j.Kind {
		case jobs.KindInitialTopic:
			startTopic(c, historyTopic(j), fresh)
		case jobs.KindNewTopic, jobs.KindQuestionBranch:
			c.HistoryTopics = append(c.HistoryTopics, historyTopic(j))
		}
		c.Depth++
	})

	log.Info().
		Str("job", id).
		Str("kind", string(j.Kind)).
		Int("nodes", len(ids)).
		Bool("followed", followed).
		Bool("dismissed", j.Dismissed).
		Msg("Job committed")
	o.recordJob(j)
	o.notifyJob(j)
	o.notifySession()
}

func (o *Orchestrator) fail(id string, kind jobs.FailureKind, err error) {
	o.mu.Lock()
	rec, ok := o.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	rec.job.Status = jobs.StatusFailed
	rec.job.Error = err.Error()
	rec.job.FailureKind = kind
	rec.job.UpdatedAt = o.opts.Now()
	o.retireLocked(id)
	j := rec.job.Clone()
	o.mu.Unlock()

	jobs.LogFailure(j, err)
	o.recordJob(j)
	o.notifyJob(j)
}

func (o *Orchestrator) transition(id string, to jobs.Status) (jobs.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.jobs[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, jobs.ErrNotFound)
	}
	if !jobs.CanTransition(rec.job.Status, to) {
		return jobs.Job{}, fmt.Errorf("%w: %s -> %s", jobs.ErrInvalidTransition, rec.job.Status, to)
	}
	rec.job.Status = to
	rec.job.UpdatedAt = o.opts.Now()
	return rec.job.Clone(), nil
}

// retireLocked records a terminal job and forgets the oldest ones beyond
// the retention limit.
func (o *Orchestrator) retireLocked(id string) {
	o.finished = append(o.finished, id)
	for len(o.finished) > o.opts.RetainFinished {
		delete(o.jobs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func ctxFailure(ctx context.Context) jobs.FailureKind {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return jobs.FailureTimeout
	}
	return jobs.FailureCancelled
}

// toSegments validates descriptors and converts them to tree payloads.
func toSegments(descs []generation.SegmentDescriptor, topic string) ([]tree.Segment, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: no segments in result", jobs.ErrCommitFailed)
	}
	segs := make([]tree.Segment, 0, len(descs))
	for i, d := range descs {
		if strings.TrimSpace(d.MediaURL) == "" {
			return nil, fmt.Errorf("%w: segment %d has no media", jobs.ErrCommitFailed, i)
		}
		segs = append(segs, tree.Segment{
			Topic:        firstNonEmpty(d.Topic, topic),
			Title:        d.Title,
			Script:       d.Script,
			MediaURL:     d.MediaURL,
			ThumbnailURL: d.ThumbnailURL,
			RenderStatus: tree.RenderReady,
			IsQuestion:   d.Question != "",
			Question:     d.Question,
		})
	}
	return segs, nil
}

// --- Notifications ---

func (o *Orchestrator) notifyJob(j jobs.Job) {
	o.saveJob(j)
	for _, obs := range o.opts.Observers {
		obs.JobChanged(j)
	}
}

func (o *Orchestrator) notifySession() {
	if len(o.opts.Observers) == 0 {
		return
	}
	snap := o.sess.Snapshot()
	for _, obs := range o.opts.Observers {
		obs.SessionChanged(snap)
	}
}
