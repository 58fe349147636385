package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/topic-explorer/internal/cache"
	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/generation/generationtest"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/navigation"
	"github.com/fpang/topic-explorer/internal/session"
	"github.com/fpang/topic-explorer/internal/tree"
)

// recorder collects observer calls.
type recorder struct {
	mu       sync.Mutex
	statuses map[string][]jobs.Status
	progress map[string]int
	sessions int
}

func newRecorder() *recorder {
	return &recorder{statuses: map[string][]jobs.Status{}, progress: map[string]int{}}
}

func (r *recorder) JobChanged(j jobs.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.statuses[j.ID]
	if len(list) == 0 || list[len(list)-1] != j.Status {
		r.statuses[j.ID] = append(list, j.Status)
	}
}

func (r *recorder) JobProgress(id string, _ generation.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[id]++
}

func (r *recorder) SessionChanged(session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions++
}

func (r *recorder) statusesOf(id string) []jobs.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Status(nil), r.statuses[id]...)
}

func (r *recorder) progressOf(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[id]
}

func bstResolver(t *testing.T) *cache.Resolver {
	t.Helper()
	s := tree.NewStore()
	root, err := s.CreateRoot(tree.Segment{Topic: "Binary Search Trees", Title: "What is a BST?", MediaURL: "https://media.example.com/bst.mp4"})
	require.NoError(t, err)
	_, err = s.AppendChain(root, []tree.Segment{{Topic: "Insertion"}, {Topic: "Deletion"}}, tree.ChainOptions{})
	require.NoError(t, err)
	q, err := s.AppendChild(root, tree.Segment{Topic: "Balancing", IsQuestion: true})
	require.NoError(t, err)
	_, err = s.AppendChild(q, tree.Segment{Topic: "AVL rotations"})
	require.NoError(t, err)
	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	src := cache.NewMemorySource()
	src.Put("Binary Search Trees", data)
	return cache.NewResolver(src, cache.DefaultKeys)
}

func newOrchestrator(t *testing.T, svc generation.Service, resolver Resolver, opts Options) (*Orchestrator, *recorder) {
	t.Helper()
	rec := newRecorder()
	opts.Observers = append(opts.Observers, rec)
	o := New(session.New("test"), resolver, svc, opts)
	t.Cleanup(o.Close)
	return o, rec
}

// seedRoot gives the session a single committed root and returns its id.
func seedRoot(t *testing.T, o *Orchestrator) string {
	t.Helper()
	id, err := o.Session().Tree.CreateRoot(tree.Segment{Topic: "Ancient Rome", Title: "Rome", MediaURL: "https://media.example.com/rome.mp4"})
	require.NoError(t, err)
	return id
}

func awaitStatus(t *testing.T, o *Orchestrator, id string, want jobs.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := o.Job(id)
		return err == nil && j.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

// --- Initial topic ---

func TestSubmitInitialTopic_CacheHit(t *testing.T) {
	svc := &generationtest.Service{}
	o, rec := newOrchestrator(t, svc, bstResolver(t), Options{})

	sub, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "Binary Search Trees"})
	require.NoError(t, err)
	require.True(t, sub.Cached())
	assert.Equal(t, "Binary Search Trees", sub.CacheKey)
	assert.Len(t, sub.NodeIDs, 5)

	snap := o.Snapshot()
	assert.Equal(t, 5, snap.Tree.Len())
	require.Len(t, snap.Tree.RootIDs, 1)
	assert.Equal(t, snap.Tree.RootIDs[0], snap.Tree.CurrentNodeID)
	assert.NoError(t, tree.Validate(snap.Tree))
	assert.Equal(t, "Binary Search Trees", snap.Context.InitialTopic)

	assert.Empty(t, svc.Requests(), "cache hit must not call generation")
	assert.Empty(t, o.ListActiveJobs())
	assert.Equal(t, 1, rec.sessions)
}

func TestSubmitInitialTopic_GeneratesChain(t *testing.T) {
	svc := &generationtest.Service{Handle: func(req generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{
			generationtest.Progress("script", 30),
			generationtest.Completed("Founding", "Republic", "Empire"),
		}}
	}}
	o, rec := newOrchestrator(t, svc, bstResolver(t), Options{})

	sub, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "Ancient Rome"})
	require.NoError(t, err)
	require.False(t, sub.Cached())
	assert.Equal(t, jobs.StatusPending, sub.Job.Status)
	assert.Equal(t, jobs.KindInitialTopic, sub.Job.Kind)

	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	require.Len(t, j.ResultNodeIDs, 3)
	assert.Equal(t, float64(100), j.Progress)

	assert.Equal(t, []jobs.Status{jobs.StatusPending, jobs.StatusGenerating, jobs.StatusCompleted}, rec.statusesOf(j.ID))
	assert.Equal(t, 1, rec.progressOf(j.ID))

	snap := o.Snapshot()
	assert.Equal(t, 3, snap.Tree.Len())
	require.Len(t, snap.Tree.RootIDs, 1)
	assert.Equal(t, j.ResultNodeIDs[0], snap.Tree.RootIDs[0])
	assert.Equal(t, j.ResultNodeIDs[0], snap.Tree.CurrentNodeID)
	assert.NoError(t, tree.CheckOwnership(snap.Tree, map[string][]string{j.ID: j.ResultNodeIDs}))

	path, err := navigation.PathFromRoot(snap.Tree, j.ResultNodeIDs[2])
	require.NoError(t, err)
	assert.Equal(t, "Founding", path[0].Segment.Title)
	assert.Equal(t, "Empire", path[2].Segment.Title)
	assert.Equal(t, tree.RenderReady, path[2].Segment.RenderStatus)

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Ancient Rome", reqs[0].Topic)
	assert.Equal(t, j.ID, reqs[0].JobID)
	assert.Equal(t, generation.ModeDeep, reqs[0].Mode)
}

func TestSubmitInitialTopic_RejectsEmptyPrompt(t *testing.T) {
	o, _ := newOrchestrator(t, &generationtest.Service{}, nil, Options{})
	_, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "   "})
	assert.True(t, errors.Is(err, ErrInvalidPrompt))
}

func TestSubmitInitialTopic_ImageOnlyUsesPlaceholder(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Leaf")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})

	_, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{ImageRef: "aGVsbG8=", ImageFilename: "leaf.png"})
	require.NoError(t, err)
	o.Wait()

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, imagePlaceholder, reqs[0].Topic)
	assert.Equal(t, "aGVsbG8=", reqs[0].ImageContext)
	assert.Equal(t, "leaf.png", reqs[0].ImageFilename)
}

func TestSubmitInitialTopic_FailureKeepsExistingSession(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Failed("boom")}}
	}}
	o, rec := newOrchestrator(t, svc, nil, Options{})
	seedRoot(t, o)
	o.Session().UpdateContext(func(c *session.Context) {
		c.InitialTopic = "Ancient Rome"
		c.HistoryTopics = []string{"Ancient Rome"}
		c.Depth = 1
	})
	before := o.Snapshot()

	sub, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "Ancient Egypt"})
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureGeneration, j.FailureKind)

	after := o.Snapshot()
	assert.Equal(t, before.Tree, after.Tree)
	assert.Equal(t, before.Context, after.Context)
	assert.Equal(t, before.Revision, after.Revision)
	assert.Equal(t, 0, rec.sessions, "a failed job must not trigger a save")
}

func TestSubmitInitialTopic_ExtendsExistingSession(t *testing.T) {
	svc := &generationtest.Service{Handle: func(req generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed(req.Topic)}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	fast := "fast"
	o.UpdatePreferences(&fast, nil)

	first, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "Ancient Rome"})
	require.NoError(t, err)
	o.Wait()
	second, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "Ancient Greece"})
	require.NoError(t, err)
	o.Wait()

	j1, err := o.Job(first.Job.ID)
	require.NoError(t, err)
	j2, err := o.Job(second.Job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, j1.Status)
	require.Equal(t, jobs.StatusCompleted, j2.Status)

	snap := o.Snapshot()
	assert.Equal(t, []string{j1.ResultNodeIDs[0], j2.ResultNodeIDs[0]}, snap.Tree.RootIDs)
	assert.Equal(t, j2.ResultNodeIDs[0], snap.Tree.CurrentNodeID)
	assert.Equal(t, "Ancient Rome", snap.Context.InitialTopic)
	assert.Equal(t, []string{"Ancient Rome", "Ancient Greece"}, snap.Context.HistoryTopics)
	assert.Equal(t, 2, snap.Context.Depth)
	assert.Equal(t, "fast", snap.Context.Style)
	assert.NoError(t, tree.Validate(snap.Tree))
}

func TestSubmitInitialTopic_CacheHitKeepsExistingRoots(t *testing.T) {
	o, _ := newOrchestrator(t, &generationtest.Service{}, bstResolver(t), Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitInitialTopic(context.Background(), jobs.Prompt{Text: "Binary Search Trees"})
	require.NoError(t, err)
	require.True(t, sub.Cached())

	snap := o.Snapshot()
	assert.Equal(t, 6, snap.Tree.Len())
	require.Len(t, snap.Tree.RootIDs, 2)
	assert.Equal(t, root, snap.Tree.RootIDs[0])
	assert.Equal(t, snap.Tree.RootIDs[1], snap.Tree.CurrentNodeID)
	assert.Contains(t, snap.Context.HistoryTopics, "Binary Search Trees")
}

// --- Branches ---

func TestSubmitQuestionBranch_FailureLeavesTreeUnchanged(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{
			generationtest.Progress("research", 10),
			generationtest.Progress("script", 40),
			generationtest.Failed("renderer crashed"),
		}}
	}}
	o, rec := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)
	before := o.Snapshot().Tree

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Why did Rome fall?"})
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureGeneration, j.FailureKind)
	assert.Contains(t, j.Error, "renderer crashed")
	assert.Empty(t, j.ResultNodeIDs)
	assert.Equal(t, 2, rec.progressOf(j.ID))
	assert.Equal(t, "script", j.Stage)

	assert.Equal(t, before, o.Snapshot().Tree)

	retry, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Why did Rome fall?"})
	require.NoError(t, err)
	assert.NotEqual(t, sub.Job.ID, retry.Job.ID)
	o.Wait()
}

func TestSubmitQuestionBranch_ConcurrentCommitsKeepIndicesContiguous(t *testing.T) {
	gates := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	svc := &generationtest.Service{Handle: func(req generation.Request) generationtest.Script {
		return generationtest.Script{
			Gate:   gates[req.Topic],
			Events: []generation.Event{generationtest.Completed(req.Topic+"-a", req.Topic+"-b")},
		}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	a, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "first"})
	require.NoError(t, err)
	b, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "second"})
	require.NoError(t, err)
	awaitStatus(t, o, a.Job.ID, jobs.StatusGenerating)
	awaitStatus(t, o, b.Job.ID, jobs.StatusGenerating)

	close(gates["second"])
	awaitStatus(t, o, b.Job.ID, jobs.StatusCompleted)
	close(gates["first"])
	o.Wait()

	ja, err := o.Job(a.Job.ID)
	require.NoError(t, err)
	jb, err := o.Job(b.Job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, ja.Status)
	require.Equal(t, jobs.StatusCompleted, jb.Status)

	snap := o.Snapshot()
	require.NoError(t, tree.Validate(snap.Tree))
	assert.Equal(t, 5, snap.Tree.Len())

	children, err := navigation.Children(snap.Tree, root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, 0, children[0].BranchIndex)
	assert.Equal(t, 1, children[1].BranchIndex)
	assert.Equal(t, jb.ResultNodeIDs[0], children[0].ID, "first to commit gets the first slot")
	assert.Equal(t, LabelQuestion, children[0].BranchLabel)

	// Only the first commit follows; the cursor had already left the origin.
	assert.Equal(t, jb.ResultNodeIDs[0], snap.Tree.CurrentNodeID)
	assert.NoError(t, tree.CheckOwnership(snap.Tree, map[string][]string{
		ja.ID: ja.ResultNodeIDs,
		jb.ID: jb.ResultNodeIDs,
	}))
}

func TestSubmitQuestionBranch_CacheMatchMergesUnderOrigin(t *testing.T) {
	svc := &generationtest.Service{}
	o, _ := newOrchestrator(t, svc, bstResolver(t), Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "How do binary search trees stay balanced?"})
	require.NoError(t, err)
	require.True(t, sub.Cached())
	assert.Len(t, sub.NodeIDs, 5)
	assert.Empty(t, svc.Requests())

	snap := o.Snapshot()
	assert.Equal(t, 6, snap.Tree.Len())
	require.NoError(t, tree.Validate(snap.Tree))
	children, err := navigation.Children(snap.Tree, root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "cached:Binary Search Trees", children[0].BranchLabel)
	assert.Equal(t, children[0].ID, snap.Tree.CurrentNodeID)
	assert.Contains(t, snap.Context.HistoryTopics, "Binary Search Trees")
}

func TestSubmitQuestionBranch_UnknownOrigin(t *testing.T) {
	o, _ := newOrchestrator(t, &generationtest.Service{}, nil, Options{})
	_, err := o.SubmitQuestionBranch(context.Background(), "ghost", jobs.Prompt{Text: "why?"})
	assert.True(t, errors.Is(err, tree.ErrNotFound))
	assert.Empty(t, o.ListActiveJobs())
}

func TestSubmitNewTopicBranch_AddsRoot(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Aqueducts")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitNewTopicBranch(context.Background(), root, jobs.Prompt{Text: "Roman engineering"})
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, j.Status)

	snap := o.Snapshot()
	assert.Equal(t, []string{root, j.ResultNodeIDs[0]}, snap.Tree.RootIDs)
	assert.Equal(t, j.ResultNodeIDs[0], snap.Tree.CurrentNodeID)
	assert.Contains(t, snap.Context.HistoryTopics, "Roman engineering")
}

func TestSubmitQuizRemediation(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Misconception")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitQuizRemediation(context.Background(), root, false, "Who was the first emperor?", "Caesar", "He ruled Rome")
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, j.Status)

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Topic, "incorrect")
	assert.Contains(t, reqs[0].Topic, "Caesar")
	assert.Contains(t, reqs[0].Topic, "Ancient Rome")

	snap := o.Snapshot()
	assert.Equal(t, []bool{false}, snap.Context.CorrectnessPattern)
	head := snap.Tree.Nodes[j.ResultNodeIDs[0]]
	assert.Equal(t, root, head.ParentID)
	assert.Equal(t, LabelRemediation, head.BranchLabel)

	_, err = o.SubmitQuizRemediation(context.Background(), root, true, "", "x", "")
	assert.True(t, errors.Is(err, ErrInvalidPrompt))
}

func TestSubmitClosingReflection_UsesHistory(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Recap")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)
	o.Session().UpdateContext(func(c *session.Context) {
		c.InitialTopic = "Ancient Rome"
		c.HistoryTopics = []string{"Ancient Rome", "Why did Rome fall?"}
		c.Style = "fast"
	})

	sub, err := o.SubmitClosingReflection(context.Background(), root)
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, j.Status)

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, strings.Contains(reqs[0].Topic, "Why did Rome fall?"))
	assert.Equal(t, generation.ModeFast, reqs[0].Mode)
	assert.Equal(t, LabelReflection, o.Snapshot().Tree.Nodes[j.ResultNodeIDs[0]].BranchLabel)
}

// --- Lifecycle ---

func TestDismissJob_DoesNotCancel(t *testing.T) {
	gate := make(chan struct{})
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Gate: gate, Events: []generation.Event{generationtest.Completed("Legions")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "How big was the army?"})
	require.NoError(t, err)
	require.Len(t, o.ListActiveJobs(), 1)

	require.NoError(t, o.DismissJob(sub.Job.ID))
	assert.Empty(t, o.ListActiveJobs())

	close(gate)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	assert.True(t, j.Dismissed)

	snap := o.Snapshot()
	assert.Equal(t, 2, snap.Tree.Len())
	assert.Equal(t, root, snap.Tree.CurrentNodeID, "dismissed jobs do not move the cursor")

	assert.True(t, errors.Is(o.DismissJob("gen-missing"), jobs.ErrNotFound))
}

func TestJob_Timeout(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Progress("research", 5)}, Hang: true}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{JobTimeout: 50 * time.Millisecond})
	root := seedRoot(t, o)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Slow question"})
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureTimeout, j.FailureKind)
	assert.Equal(t, 1, o.Snapshot().Tree.Len())
}

func TestJob_StreamRejected(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Err: generation.ErrServiceUnavailable}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Anything"})
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureGeneration, j.FailureKind)
}

func TestJob_MissingMediaFailsCommit(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{{
			Kind:     generation.EventCompleted,
			Segments: []generation.SegmentDescriptor{{Title: "ok", MediaURL: "https://m/1.mp4"}, {Title: "broken"}},
		}}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Anything"})
	require.NoError(t, err)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureCommit, j.FailureKind)
	assert.Equal(t, 1, o.Snapshot().Tree.Len())
}

func TestFollowPolicy_CursorMovedAway(t *testing.T) {
	gate := make(chan struct{})
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Gate: gate, Events: []generation.Event{generationtest.Completed("Senate")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)
	other, err := o.Session().Tree.CreateRoot(tree.Segment{Topic: "Carthage", MediaURL: "https://m/c.mp4"})
	require.NoError(t, err)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Who ran the senate?"})
	require.NoError(t, err)
	require.NoError(t, o.Select(other))

	close(gate)
	o.Wait()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusCompleted, j.Status)
	assert.Equal(t, other, o.Snapshot().Tree.CurrentNodeID)
}

func TestFollowPolicy_Disabled(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Senate")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{DisableFollow: true})
	root := seedRoot(t, o)

	_, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Who ran the senate?"})
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, root, o.Snapshot().Tree.CurrentNodeID)
}

func TestClose_CancelsInFlightJobs(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Hang: true}
	}}
	o := New(session.New(""), nil, svc, Options{})
	root, err := o.Session().Tree.CreateRoot(tree.Segment{Topic: "Rome", MediaURL: "https://m/r.mp4"})
	require.NoError(t, err)

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "hang"})
	require.NoError(t, err)
	awaitStatus(t, o, sub.Job.ID, jobs.StatusGenerating)

	o.Close()

	j, err := o.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureCancelled, j.FailureKind)
}

func TestMaxConcurrent_QueuesExtraJobs(t *testing.T) {
	gate := make(chan struct{})
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Gate: gate, Events: []generation.Event{generationtest.Completed("x")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{MaxConcurrent: 1})
	root := seedRoot(t, o)

	a, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "one"})
	require.NoError(t, err)
	b, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "two"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ja, _ := o.Job(a.Job.ID)
		jb, _ := o.Job(b.Job.ID)
		return (ja.Status == jobs.StatusGenerating) != (jb.Status == jobs.StatusGenerating)
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(svc.Requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, o.ListActiveJobs(), 2)

	close(gate)
	o.Wait()
	assert.Len(t, svc.Requests(), 2)
}

func TestJob_UnknownAndRetention(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("x")}}
	}}
	o, _ := newOrchestrator(t, svc, nil, Options{RetainFinished: 1, DisableFollow: true})
	root := seedRoot(t, o)

	_, err := o.Job("gen-missing")
	assert.True(t, errors.Is(err, jobs.ErrNotFound))

	first, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "one"})
	require.NoError(t, err)
	o.Wait()
	second, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "two"})
	require.NoError(t, err)
	o.Wait()

	_, err = o.Job(first.Job.ID)
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
	_, err = o.Job(second.Job.ID)
	assert.NoError(t, err)
}

func TestUpdateSegment(t *testing.T) {
	o, rec := newOrchestrator(t, &generationtest.Service{}, nil, Options{})
	root := seedRoot(t, o)

	thumb := "https://media.example.com/rome.jpg"
	require.NoError(t, o.UpdateSegment(root, tree.SegmentPatch{ThumbnailURL: &thumb}))
	assert.Equal(t, thumb, o.Snapshot().Tree.Nodes[root].Segment.ThumbnailURL)
	assert.Equal(t, 1, rec.sessions)

	assert.True(t, errors.Is(o.UpdateSegment("ghost", tree.SegmentPatch{}), tree.ErrNotFound))
	assert.True(t, errors.Is(o.Select("ghost"), tree.ErrNotFound))
}

func TestUpdatePreferences_FeedsNextRequest(t *testing.T) {
	svc := &generationtest.Service{Handle: func(req generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Aqueducts")}}
	}}
	o, rec := newOrchestrator(t, svc, nil, Options{})
	root := seedRoot(t, o)

	fast, voice := "fast", "narrator2"
	c := o.UpdatePreferences(&fast, &voice)
	assert.Equal(t, "fast", c.Style)
	assert.Equal(t, "narrator2", c.VoiceID)

	c = o.UpdatePreferences(nil, nil)
	assert.Equal(t, "fast", c.Style)

	_, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "How were aqueducts built?"})
	require.NoError(t, err)
	o.Wait()

	reqs := svc.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, generation.Mode("fast"), reqs[0].Mode)
	assert.Equal(t, "narrator2", reqs[0].VoiceID)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.GreaterOrEqual(t, rec.sessions, 2)
}

// --- Dispatched jobs ---

type memJobStore struct {
	mu        sync.Mutex
	jobs      map[string]map[string]jobs.Job
	dismissed map[string]bool
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]map[string]jobs.Job{}, dismissed: map[string]bool{}}
}

func (m *memJobStore) DismissJob(_ context.Context, _ string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dismissed[id] = true
	return nil
}

func (m *memJobStore) PutJob(_ context.Context, sessionID string, j jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[sessionID] == nil {
		m.jobs[sessionID] = map[string]jobs.Job{}
	}
	m.jobs[sessionID][j.ID] = j.Clone()
	return nil
}

func (m *memJobStore) ListJobs(_ context.Context, sessionID string) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []jobs.Job
	for _, j := range m.jobs[sessionID] {
		c := j.Clone()
		c.Dismissed = c.Dismissed || m.dismissed[j.ID]
		out = append(out, c)
	}
	return out, nil
}

type taskQueue struct {
	mu    sync.Mutex
	tasks []Task
	err   error
}

func (q *taskQueue) Dispatch(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func TestDispatcher_WorkerRunsAndCommits(t *testing.T) {
	ctx := context.Background()
	shared := newMemJobStore()
	queue := &taskQueue{}

	api, _ := newOrchestrator(t, &generationtest.Service{}, nil, Options{Dispatcher: queue, JobStore: shared})
	root := seedRoot(t, api)

	sub, err := api.SubmitQuestionBranch(ctx, root, jobs.Prompt{Text: "Who built the aqueducts?"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, sub.Job.Status)
	require.Len(t, queue.tasks, 1)
	assert.Equal(t, api.Session().ID, queue.tasks[0].SessionID)
	assert.Equal(t, LabelQuestion, queue.tasks[0].Label)
	require.Len(t, api.ListActiveJobs(), 1)

	// The user dismisses the job before the worker finishes.
	require.NoError(t, api.DismissJob(sub.Job.ID))

	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Engineers", "Legions")}}
	}}
	workerSess := session.New(api.Session().ID)
	_, err = workerSess.Restore(api.Session())
	require.NoError(t, err)
	var worker *Orchestrator
	worker = New(workerSess, nil, svc, Options{
		JobStore:     shared,
		BeforeCommit: func(ctx context.Context) error { return worker.Refresh(ctx) },
	})
	t.Cleanup(worker.Close)

	j, err := worker.Execute(ctx, queue.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, j.Status)
	require.Len(t, j.ResultNodeIDs, 2)

	wsnap := workerSess.Snapshot()
	assert.Equal(t, 3, wsnap.Tree.Len())
	assert.Equal(t, LabelQuestion, wsnap.Tree.Nodes[j.ResultNodeIDs[0]].BranchLabel)
	assert.Equal(t, root, wsnap.Tree.CurrentNodeID, "dismissed jobs do not move the cursor")
	assert.Equal(t, 1, api.Session().Tree.Len())

	require.NoError(t, api.Refresh(ctx))
	got, err := api.Job(sub.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.True(t, got.Dismissed)
	assert.Empty(t, api.ListActiveJobs())

	_, err = worker.Execute(ctx, queue.tasks[0])
	assert.True(t, errors.Is(err, jobs.ErrInvalidTransition))
	assert.Len(t, svc.Requests(), 1, "a repeated delivery must not generate again")

	_, err = worker.Execute(ctx, Task{SessionID: "other", Job: sub.Job.Clone()})
	assert.Error(t, err)
}

func TestDispatcher_RejectedHandOffFailsJob(t *testing.T) {
	queue := &taskQueue{err: errors.New("throttled")}
	o, _ := newOrchestrator(t, &generationtest.Service{}, nil, Options{Dispatcher: queue, JobStore: newMemJobStore()})
	root := seedRoot(t, o)
	before := o.Snapshot().Tree

	sub, err := o.SubmitQuestionBranch(context.Background(), root, jobs.Prompt{Text: "Why did Rome fall?"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, sub.Job.Status)
	assert.Contains(t, sub.Job.Error, "throttled")
	assert.Empty(t, o.ListActiveJobs())
	assert.Equal(t, before, o.Snapshot().Tree)
}

func TestExecute_ReloadFailureLeavesTreeUnchanged(t *testing.T) {
	svc := &generationtest.Service{Handle: func(generation.Request) generationtest.Script {
		return generationtest.Script{Events: []generation.Event{generationtest.Completed("Forum")}}
	}}
	sess := session.New("")
	root, err := sess.Tree.CreateRoot(tree.Segment{Topic: "Ancient Rome", MediaURL: "https://media.example.com/rome.mp4"})
	require.NoError(t, err)
	o := New(sess, nil, svc, Options{BeforeCommit: func(context.Context) error { return errors.New("store down") }})
	t.Cleanup(o.Close)
	before := o.Snapshot().Tree

	j, err := o.Execute(context.Background(), Task{
		SessionID: sess.ID,
		Job:       jobs.Job{ID: jobs.NewID(), Kind: jobs.KindQuestionBranch, TargetParentID: root, OriginNodeID: root, Prompt: jobs.Prompt{Text: "The Forum"}, Status: jobs.StatusPending},
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, j.Status)
	assert.Equal(t, jobs.FailureCommit, j.FailureKind)
	assert.Equal(t, before, o.Snapshot().Tree)
}
