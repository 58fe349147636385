package tree

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Document is the serialized form of a Tree. A map cannot be stored directly
// in the persisted format, so nodes are written as an ordered list of
// [id, node] pairs.
type Document struct {
	Nodes         []NodeEntry `json:"nodes"`
	RootIDs       []string    `json:"rootIds"`
	CurrentNodeID string      `json:"currentNodeId,omitempty"`
}

// NodeEntry is one [id, node] pair. It encodes as a two-element JSON array.
type NodeEntry struct {
	ID   string
	Node Node
}

func (e NodeEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.Node})
}

func (e *NodeEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("node entry: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("node entry: expected [id, node], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return fmt.Errorf("node entry id: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Node); err != nil {
		return fmt.Errorf("node entry %s: %w", e.ID, err)
	}
	return nil
}

// ToDocument converts a tree to its serialized form. Entries are ordered by
// creation time then id so repeated saves of the same tree are identical.
func ToDocument(t *Tree) Document {
	doc := Document{
		Nodes:         make([]NodeEntry, 0, len(t.Nodes)),
		RootIDs:       append([]string{}, t.RootIDs...),
		CurrentNodeID: t.CurrentNodeID,
	}
	for id, n := range t.Nodes {
		doc.Nodes = append(doc.Nodes, NodeEntry{ID: id, Node: *n.clone()})
	}
	sort.Slice(doc.Nodes, func(i, j int) bool {
		a, b := doc.Nodes[i].Node.CreatedAt, doc.Nodes[j].Node.CreatedAt
		if !a.Equal(b) {
			return a.Before(b)
		}
		return doc.Nodes[i].ID < doc.Nodes[j].ID
	})
	return doc
}

// FromDocument rebuilds a tree from its serialized form. Every field of every
// node is copied explicitly, including render status and search metadata, so
// nothing optional is lost on reload. The result is not validated.
func FromDocument(doc Document) (*Tree, error) {
	t := &Tree{
		Nodes:         make(map[string]*Node, len(doc.Nodes)),
		RootIDs:       append([]string{}, doc.RootIDs...),
		CurrentNodeID: doc.CurrentNodeID,
	}
	for _, e := range doc.Nodes {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: node entry with empty id", ErrInvariant)
		}
		if _, dup := t.Nodes[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node entry %s", ErrInvariant, e.ID)
		}
		t.Nodes[e.ID] = rebuildNode(e.ID, e.Node)
	}
	return t, nil
}

func rebuildNode(id string, src Node) *Node {
	n := &Node{
		ID:          id,
		ParentID:    src.ParentID,
		ChildIDs:    append([]string{}, src.ChildIDs...),
		BranchIndex: src.BranchIndex,
		BranchLabel: src.BranchLabel,
		JobID:       src.JobID,
		CreatedAt:   src.CreatedAt,
		Segment: Segment{
			Topic:        src.Segment.Topic,
			Title:        src.Segment.Title,
			Script:       src.Segment.Script,
			MediaURL:     src.Segment.MediaURL,
			ThumbnailURL: src.Segment.ThumbnailURL,
			RenderStatus: src.Segment.RenderStatus,
			IsQuestion:   src.Segment.IsQuestion,
			Question:     src.Segment.Question,
		},
	}
	if src.Segment.Search != nil {
		n.Segment.Search = &SearchMetadata{
			Description: src.Segment.Search.Description,
			Model:       src.Segment.Search.Model,
			Embedding:   append([]float32(nil), src.Segment.Search.Embedding...),
		}
	}
	return n
}

// MarshalJSON encodes the tree in document form.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToDocument(t))
}

// UnmarshalJSON decodes a document into the tree. It does not validate.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	decoded, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*t = *decoded
	return nil
}

// Decode parses and validates a serialized sub-tree, as stored by the
// remote content store. The current node is optional there; when missing it
// defaults to the first root.
func Decode(data []byte) (*Tree, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode tree document: %w", err)
	}
	t, err := FromDocument(doc)
	if err != nil {
		return nil, err
	}
	if _, ok := t.Nodes[t.CurrentNodeID]; !ok && len(t.RootIDs) > 0 {
		t.CurrentNodeID = t.RootIDs[0]
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	return t, nil
}
