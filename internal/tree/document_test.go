package tree

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_RoundTripPreservesStructure(t *testing.T) {
	s := NewStore()
	root, _ := s.CreateRoot(seg("root"))
	ids, _ := s.AppendChain(root, []Segment{seg("1"), seg("2")}, ChainOptions{JobID: "gen-1"})
	_, _ = s.AppendChild(root, seg("sibling"))
	_, _ = s.MergeSubtree(cachedSubtree(), MergeOptions{})
	require.NoError(t, s.SetCurrent(ids[1]))
	original := s.Snapshot()

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded Tree
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, Validate(&decoded))

	assert.Equal(t, original.Len(), decoded.Len())
	assert.Equal(t, original.RootIDs, decoded.RootIDs)
	assert.Equal(t, original.CurrentNodeID, decoded.CurrentNodeID)
	for id, n := range original.Nodes {
		got := decoded.Nodes[id]
		require.NotNil(t, got, id)
		assert.Equal(t, n.ParentID, got.ParentID)
		assert.Equal(t, n.ChildIDs, got.ChildIDs)
		assert.Equal(t, n.BranchIndex, got.BranchIndex)
		assert.Equal(t, n.Segment, got.Segment)
	}
}

func TestNodeEntry_EncodesAsPair(t *testing.T) {
	e := NodeEntry{ID: "n1", Node: Node{ID: "n1", ChildIDs: []string{}, Segment: Segment{Topic: "t"}}}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `["n1",{`))

	var back NodeEntry
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "n1", back.ID)
	assert.Equal(t, "t", back.Node.Segment.Topic)

	assert.Error(t, json.Unmarshal([]byte(`["only-id"]`), &back))
	assert.Error(t, json.Unmarshal([]byte(`{"id":"n1"}`), &back))
}

func TestFromDocument_CopiesOptionalFields(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := Document{
		Nodes: []NodeEntry{{ID: "r", Node: Node{
			ChildIDs:  []string{},
			CreatedAt: created,
			Segment: Segment{
				Topic:        "r",
				RenderStatus: RenderRendering,
				Search:       &SearchMetadata{Description: "d", Embedding: []float32{0.5}, Model: "m"},
			},
		}}},
		RootIDs:       []string{"r"},
		CurrentNodeID: "r",
	}

	tr, err := FromDocument(doc)
	require.NoError(t, err)
	n := tr.Nodes["r"]
	assert.Equal(t, "r", n.ID)
	assert.Equal(t, RenderRendering, n.Segment.RenderStatus)
	assert.Equal(t, created, n.CreatedAt)
	require.NotNil(t, n.Segment.Search)
	assert.Equal(t, "m", n.Segment.Search.Model)

	doc.Nodes[0].Node.Segment.Search.Embedding[0] = 9
	assert.Equal(t, float32(0.5), n.Segment.Search.Embedding[0])
}

func TestFromDocument_RejectsDuplicateEntries(t *testing.T) {
	doc := Document{Nodes: []NodeEntry{{ID: "x"}, {ID: "x"}}}
	_, err := FromDocument(doc)
	assert.True(t, errors.Is(err, ErrInvariant))
}

func TestDecode_DefaultsCurrentToFirstRoot(t *testing.T) {
	raw := `{"nodes":[["a",{"segment":{"topic":"a"},"childIds":["b"]}],
		["b",{"segment":{"topic":"b"},"parentId":"a","childIds":[],"branchIndex":0}]],
		"rootIds":["a"]}`

	tr, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "a", tr.CurrentNodeID)
	assert.Equal(t, 2, tr.Len())

	_, err = Decode([]byte(`{"nodes":[["a",{"parentId":"ghost","childIds":[]}]],"rootIds":[]}`))
	assert.True(t, errors.Is(err, ErrInvariant))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
