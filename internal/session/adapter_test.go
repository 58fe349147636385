package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpang/topic-explorer/internal/tree"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
	err  error
	sets int
}

func newMapKV() *mapKV { return &mapKV{data: map[string]string{}} }

func (m *mapKV) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapKV) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sets++
	m.data[key] = value
	return nil
}

func populated(t *testing.T) *Session {
	t.Helper()
	s := New("sess-1")
	root, err := s.Tree.CreateRoot(tree.Segment{Topic: "Ancient Rome", RenderStatus: tree.RenderReady})
	require.NoError(t, err)
	ids, err := s.Tree.AppendChain(root, []tree.Segment{{Topic: "Republic"}, {Topic: "Empire"}}, tree.ChainOptions{JobID: "gen-1"})
	require.NoError(t, err)
	_, err = s.Tree.AppendChild(root, tree.Segment{
		Topic:  "Aqueducts",
		Search: &tree.SearchMetadata{Description: "water", Embedding: []float32{0.1, 0.9}, Model: "mini"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Tree.SetCurrent(ids[1]))
	s.UpdateContext(func(c *Context) {
		c.InitialTopic = "Ancient Rome"
		c.HistoryTopics = append(c.HistoryTopics, "Ancient Rome", "Aqueducts")
		c.Depth = 2
		c.CorrectnessPattern = append(c.CorrectnessPattern, true, false)
		c.VoiceID = "voice-7"
	})
	return s
}

func assertSameSession(t *testing.T, want Snapshot, got *Session) {
	t.Helper()
	require.NotNil(t, got)
	gs := got.Snapshot()
	assert.Equal(t, want.ID, gs.ID)
	assert.Equal(t, want.Tree.Len(), gs.Tree.Len())
	assert.Equal(t, want.Tree.RootIDs, gs.Tree.RootIDs)
	assert.Equal(t, want.Tree.CurrentNodeID, gs.Tree.CurrentNodeID)
	for id, n := range want.Tree.Nodes {
		g := gs.Tree.Nodes[id]
		require.NotNil(t, g, id)
		assert.Equal(t, n.ParentID, g.ParentID)
		assert.Equal(t, n.ChildIDs, g.ChildIDs)
		assert.Equal(t, n.BranchIndex, g.BranchIndex)
		assert.Equal(t, n.Segment, g.Segment)
	}
	assert.Equal(t, want.Context, gs.Context)
	assert.True(t, want.CreatedAt.Equal(gs.CreatedAt))
}

// --- Save / Load Tests ---

func TestSaveLoad_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "compressed"}[compress], func(t *testing.T) {
			kv := newMapKV()
			var opts []Option
			if compress {
				opts = append(opts, WithCompression())
			}
			a := NewAdapter(kv, opts...)
			want := populated(t).Snapshot()

			require.NoError(t, a.Save(context.Background(), want))
			assert.Equal(t, "sess-1", kv.data["session:current"])
			assert.Equal(t, compress, strings.HasPrefix(kv.data["session:sess-1"], "zstd:"))

			got, err := a.Load(context.Background())
			require.NoError(t, err)
			assertSameSession(t, want, got)
		})
	}
}

func TestLoad_NothingSaved(t *testing.T) {
	a := NewAdapter(newMapKV())

	s, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = a.LoadByID(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLoad_RepairsDanglingCurrentNode(t *testing.T) {
	kv := newMapKV()
	a := NewAdapter(kv)
	snap := populated(t).Snapshot()
	snap.Tree.CurrentNodeID = "deleted-node"
	require.NoError(t, a.Save(context.Background(), snap))

	got, err := a.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Tree.RootIDs[0], got.Tree.CurrentNodeID())

	snap.Tree.CurrentNodeID = ""
	require.NoError(t, a.Save(context.Background(), snap))
	got, err = a.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Tree.RootIDs[0], got.Tree.CurrentNodeID())
}

func TestLoad_CorruptedSession(t *testing.T) {
	tests := map[string]string{
		"not json":       "{{{",
		"bad base64":     "zstd:!!!",
		"bad frame":      "zstd:KLUv/d6tvu8=",
		"broken links":   `{"version":1,"sessionId":"x","tree":{"nodes":[["a",{"parentId":"ghost","childIds":[]}]],"rootIds":[]}}`,
		"future version": `{"version":99,"sessionId":"x","tree":{"nodes":[],"rootIds":[]}}`,
		"node pair":      `{"version":1,"sessionId":"x","tree":{"nodes":[["a"]],"rootIds":["a"]}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			kv := newMapKV()
			kv.data["session:current"] = "x"
			kv.data["session:x"] = raw

			_, err := NewAdapter(kv).Load(context.Background())
			assert.True(t, errors.Is(err, ErrCorruptedSession), "got %v", err)
		})
	}
}

func TestLoadOrFresh_DiscardsCorruptedSession(t *testing.T) {
	kv := newMapKV()
	kv.data["session:current"] = "x"
	kv.data["session:x"] = "{{{"
	a := NewAdapter(kv)

	s, err := a.LoadOrFresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.NotEqual(t, "x", s.ID)
	assert.Equal(t, 0, s.Tree.Len())
	assert.Equal(t, s.ID, kv.data["session:current"])

	again, err := a.LoadOrFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.ID, again.ID)
}

func TestLoadOrFresh_PropagatesStoreErrors(t *testing.T) {
	kv := newMapKV()
	kv.err = errors.New("connection refused")

	_, err := NewAdapter(kv).LoadOrFresh(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCorruptedSession))
}

// --- Session / Autosave Tests ---

func TestSession_ContextIsCopied(t *testing.T) {
	s := populated(t)
	c := s.Context()
	c.HistoryTopics[0] = "changed"
	assert.Equal(t, "Ancient Rome", s.Context().HistoryTopics[0])
}

func TestSession_RestoreAdoptsSavedCopy(t *testing.T) {
	ctx := context.Background()
	kv := newMapKV()
	a := NewAdapter(kv)

	local := populated(t)
	require.NoError(t, a.Save(ctx, local.Snapshot()))

	other, err := a.LoadByID(ctx, local.ID)
	require.NoError(t, err)
	_, err = other.Tree.CreateRoot(tree.Segment{Topic: "Ancient Greece"})
	require.NoError(t, err)
	other.Touch()
	require.NoError(t, a.Save(ctx, other.Snapshot()))

	stored, err := a.LoadByID(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, other.Snapshot().Revision, stored.Snapshot().Revision)

	adopted, err := local.Restore(stored)
	require.NoError(t, err)
	assert.True(t, adopted)
	assert.Equal(t, 5, local.Tree.Len())
	assert.Equal(t, other.Snapshot().Revision, local.Snapshot().Revision)
}

func TestSession_RestoreKeepsUnsavedChanges(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(newMapKV())

	local := populated(t)
	require.NoError(t, a.Save(ctx, local.Snapshot()))
	stored, err := a.LoadByID(ctx, local.ID)
	require.NoError(t, err)

	_, err = local.Tree.CreateRoot(tree.Segment{Topic: "Carthage"})
	require.NoError(t, err)
	local.Touch()

	adopted, err := local.Restore(stored)
	require.NoError(t, err)
	assert.False(t, adopted)
	assert.Equal(t, 5, local.Tree.Len())

	_, err = New("other").Restore(stored)
	assert.Error(t, err)
}

func TestAutosave_SkipsStaleRevisions(t *testing.T) {
	kv := newMapKV()
	auto := NewAutosave(NewAdapter(kv), 0)
	s := populated(t)

	newer := s.Snapshot()
	s.Touch()
	newest := s.Snapshot()

	auto.SessionChanged(newest)
	setsAfterFirst := kv.sets
	auto.SessionChanged(newer)
	assert.Equal(t, setsAfterFirst, kv.sets, "stale snapshot must not be written")

	s.Touch()
	auto.SessionChanged(s.Snapshot())
	assert.Greater(t, kv.sets, setsAfterFirst)
}

func TestAutosave_SavesFreshSession(t *testing.T) {
	kv := newMapKV()
	auto := NewAutosave(NewAdapter(kv), 0)
	s := New("fresh")

	auto.SessionChanged(s.Snapshot())
	assert.Equal(t, "fresh", kv.data["session:current"])
}
