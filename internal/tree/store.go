package tree

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Store owns the canonical tree of one session and exposes the only
// primitives allowed to change it. Every mutation runs to completion under
// the write lock, so a reader never observes a child id without its node or
// a node without its parent link. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	tree  *Tree
	newID func() string
	now   func() time.Time
}

// NewStore creates a store holding an empty tree.
func NewStore() *Store {
	return &Store{
		tree:  New(),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// NewStoreFrom creates a store holding a copy of t after validating it.
func NewStoreFrom(t *Tree) (*Store, error) {
	s := NewStore()
	if err := s.Replace(t); err != nil {
		return nil, err
	}
	return s, nil
}

// ChainOptions annotate a chain commit.
type ChainOptions struct {
	// JobID records the generation job that owns the new nodes.
	JobID string
	// BranchLabel is set on the head of the chain only.
	BranchLabel string
}

// MergeOptions control where a merged sub-tree is attached.
type MergeOptions struct {
	// ParentID attaches the sub-tree roots as children of an existing node.
	// Empty attaches them as new independent roots.
	ParentID    string
	BranchLabel string
}

// MergeResult describes what a merge inserted.
type MergeResult struct {
	RootIDs []string
	NodeIDs []string
	// Rekeyed maps original sub-tree ids to the ids they were stored under,
	// for ids that collided with existing nodes.
	Rekeyed map[string]string
}

// Snapshot returns a deep copy of the current tree.
func (s *Store) Snapshot() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Clone()
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tree.Nodes)
}

// Has reports whether a node exists.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tree.Nodes[id]
	return ok
}

// Node returns a copy of one node.
func (s *Store) Node(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.tree.Nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// CurrentNodeID returns the node currently being viewed.
func (s *Store) CurrentNodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.CurrentNodeID
}

// Reset replaces the tree wholesale with an empty one.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = New()
	log.Debug().Msg("Session tree reset")
}

// Replace installs a copy of t after validating it.
func (s *Store) Replace(t *Tree) error {
	if err := Validate(t); err != nil {
		return err
	}
	c := t.Clone()
	s.mu.Lock()
	s.tree = c
	s.mu.Unlock()
	return nil
}

// CreateRoot inserts a parentless node. The first node of an empty tree
// becomes the current node.
func (s *Store) CreateRoot(seg Segment) (string, error) {
	ids, err := s.AppendChain("", []Segment{seg}, ChainOptions{})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendChild inserts a single node under parentID.
func (s *Store) AppendChild(parentID string, seg Segment) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("append child: %w: empty parent id", ErrNotFound)
	}
	ids, err := s.AppendChain(parentID, []Segment{seg}, ChainOptions{})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AppendChain inserts segs as a linear chain: the first segment becomes the
// next child of parentID (or a new root when parentID is empty) and each
// following segment becomes the only child of the one before it.
//
// Either every node of the chain becomes visible together or none does.
func (s *Store) AppendChain(parentID string, segs []Segment, opts ChainOptions) ([]string, error) {
	if len(segs) == 0 {
		return nil, ErrEmptyChain
	}

	now := s.now()
	nodes := make([]*Node, len(segs))
	ids := make([]string, len(segs))
	for i, seg := range segs {
		id := s.newID()
		ids[i] = id
		nodes[i] = &Node{
			ID:        id,
			Segment:   seg.clone(),
			ChildIDs:  []string{},
			JobID:     opts.JobID,
			CreatedAt: now,
		}
		if i > 0 {
			nodes[i].ParentID = ids[i-1]
			nodes[i-1].ChildIDs = []string{id}
		}
	}
	nodes[0].ParentID = parentID
	nodes[0].BranchLabel = opts.BranchLabel

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, taken := s.tree.Nodes[id]; taken {
			return nil, fmt.Errorf("append chain: duplicate node id %s", id)
		}
	}

	if parentID != "" {
		parent, ok := s.tree.Nodes[parentID]
		if !ok {
			return nil, fmt.Errorf("append chain under %s: %w", parentID, ErrNotFound)
		}
		nodes[0].BranchIndex = len(parent.ChildIDs)
		parent.ChildIDs = append(parent.ChildIDs, ids[0])
	} else {
		s.tree.RootIDs = append(s.tree.RootIDs, ids[0])
	}
	for _, n := range nodes {
		s.tree.Nodes[n.ID] = n
	}
	if s.tree.CurrentNodeID == "" {
		s.tree.CurrentNodeID = ids[0]
	}

	log.Debug().
		Str("parentId", parentID).
		Str("jobId", opts.JobID).
		Int("count", len(ids)).
		Int("treeSize", len(s.tree.Nodes)).
		Msg("Segment chain committed")
	return ids, nil
}

// MergeSubtree splices a pre-built sub-tree into the store. The sub-tree is
// validated first; ids colliding with existing nodes are re-keyed and every
// reference to them rewritten. Branch indices inside the sub-tree are kept as
// they are; only the attached roots get a new position when they are hung
// under an existing parent.
func (s *Store) MergeSubtree(sub *Tree, opts MergeOptions) (MergeResult, error) {
	if sub == nil || sub.IsEmpty() {
		return MergeResult{}, fmt.Errorf("%w: empty", ErrInvalidSubtree)
	}
	if err := validateStructure(sub); err != nil {
		return MergeResult{}, fmt.Errorf("%w: %v", ErrInvalidSubtree, err)
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var parent *Node
	if opts.ParentID != "" {
		p, ok := s.tree.Nodes[opts.ParentID]
		if !ok {
			return MergeResult{}, fmt.Errorf("merge sub-tree under %s: %w", opts.ParentID, ErrNotFound)
		}
		parent = p
	}

	idMap := make(map[string]string, len(sub.Nodes))
	taken := make(map[string]struct{}, len(sub.Nodes))
	rekeyed := make(map[string]string)
	for id := range sub.Nodes {
		_, clash := s.tree.Nodes[id]
		if !clash {
			_, clash = taken[id]
		}
		if clash {
			fresh := s.newID()
			for s.idTaken(fresh, taken) {
				fresh = s.newID()
			}
			idMap[id] = fresh
			rekeyed[id] = fresh
			taken[fresh] = struct{}{}
			continue
		}
		idMap[id] = id
		taken[id] = struct{}{}
	}

	staged := make(map[string]*Node, len(sub.Nodes))
	for oldID, n := range sub.Nodes {
		c := n.clone()
		c.ID = idMap[oldID]
		// Merged nodes were not produced by any job of this session.
		c.JobID = ""
		if c.ParentID != "" {
			c.ParentID = idMap[c.ParentID]
		}
		for i, child := range c.ChildIDs {
			c.ChildIDs[i] = idMap[child]
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		staged[c.ID] = c
	}

	result := MergeResult{Rekeyed: rekeyed}
	for _, oldRoot := range sub.RootIDs {
		root := staged[idMap[oldRoot]]
		if parent != nil {
			root.ParentID = parent.ID
			root.BranchIndex = len(parent.ChildIDs)
			root.BranchLabel = opts.BranchLabel
			parent.ChildIDs = append(parent.ChildIDs, root.ID)
		} else {
			root.BranchIndex = 0
			if opts.BranchLabel != "" {
				root.BranchLabel = opts.BranchLabel
			}
			s.tree.RootIDs = append(s.tree.RootIDs, root.ID)
		}
		result.RootIDs = append(result.RootIDs, root.ID)
	}
	for id, n := range staged {
		s.tree.Nodes[id] = n
		result.NodeIDs = append(result.NodeIDs, id)
	}
	if s.tree.CurrentNodeID == "" {
		s.tree.CurrentNodeID = result.RootIDs[0]
	}

	log.Debug().
		Str("parentId", opts.ParentID).
		Int("merged", len(staged)).
		Int("rekeyed", len(rekeyed)).
		Int("treeSize", len(s.tree.Nodes)).
		Msg("Sub-tree merged")
	return result, nil
}

func (s *Store) idTaken(id string, staged map[string]struct{}) bool {
	if _, ok := s.tree.Nodes[id]; ok {
		return true
	}
	_, ok := staged[id]
	return ok
}

// SetCurrent moves the viewing cursor.
func (s *Store) SetCurrent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Nodes[id]; !ok {
		return fmt.Errorf("set current %s: %w", id, ErrNotFound)
	}
	s.tree.CurrentNodeID = id
	return nil
}

// SetCurrentIf moves the cursor to id only while the cursor is still on
// expected. It reports whether the move happened.
func (s *Store) SetCurrentIf(expected, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Nodes[id]; !ok {
		return false, fmt.Errorf("set current %s: %w", id, ErrNotFound)
	}
	if s.tree.CurrentNodeID != expected {
		return false, nil
	}
	s.tree.CurrentNodeID = id
	return true, nil
}

// UpdateSegment applies a whitelisted payload patch. Structural fields are
// never touched.
func (s *Store) UpdateSegment(id string, patch SegmentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tree.Nodes[id]
	if !ok {
		return fmt.Errorf("update segment %s: %w", id, ErrNotFound)
	}
	patch.apply(&n.Segment)
	return nil
}
