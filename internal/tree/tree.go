// Package tree holds the branching session tree: every generated video segment
// and quiz checkpoint of a learning session, linked parent-to-child in creation
// order.
//
// Nodes are append-only. Once a node is visible it is never removed and its
// structural fields (ParentID, ChildIDs, BranchIndex) never change except for
// ChildIDs growing at the end. The only in-place edits allowed are the
// whitelisted payload fields in SegmentPatch.
//
// All mutation goes through Store. Readers take a Snapshot and run the
// navigation package against it.
package tree

import "time"

// RenderStatus tracks the media rendering state of a segment.
type RenderStatus string

const (
	RenderPending   RenderStatus = "pending"
	RenderRendering RenderStatus = "rendering"
	RenderReady     RenderStatus = "ready"
	RenderFailed    RenderStatus = "failed"
)

// SearchMetadata is attached post-hoc so segments can be found by semantic search.
type SearchMetadata struct {
	Description string    `json:"description,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// Segment is the payload of a node. The tree does not interpret it beyond
// copying it around.
type Segment struct {
	Topic        string          `json:"topic"`
	Title        string          `json:"title,omitempty"`
	Script       string          `json:"script,omitempty"`
	MediaURL     string          `json:"mediaUrl,omitempty"`
	ThumbnailURL string          `json:"thumbnailUrl,omitempty"`
	RenderStatus RenderStatus    `json:"renderStatus,omitempty"`
	IsQuestion   bool            `json:"isQuestion,omitempty"`
	Question     string          `json:"question,omitempty"`
	Search       *SearchMetadata `json:"search,omitempty"`
}

// SegmentPatch is a partial update of a segment. Nil fields are left alone.
type SegmentPatch struct {
	RenderStatus *RenderStatus   `json:"renderStatus,omitempty"`
	MediaURL     *string         `json:"mediaUrl,omitempty"`
	ThumbnailURL *string         `json:"thumbnailUrl,omitempty"`
	Search       *SearchMetadata `json:"search,omitempty"`
}

// Node is one generated unit in the tree.
type Node struct {
	ID          string    `json:"id"`
	Segment     Segment   `json:"segment"`
	ParentID    string    `json:"parentId,omitempty"`
	ChildIDs    []string  `json:"childIds"`
	BranchIndex int       `json:"branchIndex"`
	BranchLabel string    `json:"branchLabel,omitempty"`
	JobID       string    `json:"jobId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.ParentID == "" }

// Tree is the full branching structure of one session.
type Tree struct {
	Nodes         map[string]*Node `json:"-"`
	RootIDs       []string         `json:"rootIds"`
	CurrentNodeID string           `json:"currentNodeId,omitempty"`
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{Nodes: make(map[string]*Node)}
}

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.Nodes) }

// IsEmpty reports whether the tree has no nodes.
func (t *Tree) IsEmpty() bool { return len(t.Nodes) == 0 }

// Node returns the node with the given id.
func (t *Tree) Node(id string) (*Node, bool) {
	n, ok := t.Nodes[id]
	return n, ok
}

// Clone returns a deep copy. Slices and optional payload fields are copied so
// the clone shares no mutable memory with the original.
func (t *Tree) Clone() *Tree {
	out := &Tree{
		Nodes:         make(map[string]*Node, len(t.Nodes)),
		RootIDs:       append([]string(nil), t.RootIDs...),
		CurrentNodeID: t.CurrentNodeID,
	}
	for id, n := range t.Nodes {
		out.Nodes[id] = n.clone()
	}
	return out
}

func (n *Node) clone() *Node {
	c := *n
	c.ChildIDs = append([]string{}, n.ChildIDs...)
	c.Segment = n.Segment.clone()
	return &c
}

func (s Segment) clone() Segment {
	c := s
	if s.Search != nil {
		c.Search = s.Search.clone()
	}
	return c
}

func (m *SearchMetadata) clone() *SearchMetadata {
	c := *m
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	return &c
}

// apply copies the non-nil patch fields onto the segment.
func (p SegmentPatch) apply(s *Segment) {
	if p.RenderStatus != nil {
		s.RenderStatus = *p.RenderStatus
	}
	if p.MediaURL != nil {
		s.MediaURL = *p.MediaURL
	}
	if p.ThumbnailURL != nil {
		s.ThumbnailURL = *p.ThumbnailURL
	}
	if p.Search != nil {
		s.Search = p.Search.clone()
	}
}
