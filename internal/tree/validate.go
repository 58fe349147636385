package tree

import (
	"fmt"
	"sort"
)

// Validate checks every structural invariant of a session tree:
//
//   - each node is stored under its own id
//   - each non-root node appears exactly once in its parent's ChildIDs
//   - every ChildIDs entry refers to an existing node whose parent is the owner
//   - sibling branch indices form the contiguous run 0..n-1
//   - RootIDs lists exactly the parentless nodes, once each
//   - every node is reachable from a root
//   - CurrentNodeID is empty for an empty tree and an existing node otherwise
func Validate(t *Tree) error {
	if err := validateStructure(t); err != nil {
		return err
	}
	if t.IsEmpty() {
		if t.CurrentNodeID != "" {
			return invariantf("current node %s set on empty tree", t.CurrentNodeID)
		}
		return nil
	}
	if _, ok := t.Nodes[t.CurrentNodeID]; !ok {
		return invariantf("current node %q does not exist", t.CurrentNodeID)
	}
	return nil
}

// validateStructure is Validate without the current-node rule. Cached
// sub-trees are checked with it before they are merged.
func validateStructure(t *Tree) error {
	if t == nil {
		return invariantf("nil tree")
	}

	for id, n := range t.Nodes {
		if n == nil {
			return invariantf("node %s is nil", id)
		}
		if n.ID != id {
			return invariantf("node stored under %s has id %s", id, n.ID)
		}
	}

	roots := make(map[string]struct{}, len(t.RootIDs))
	for _, id := range t.RootIDs {
		n, ok := t.Nodes[id]
		if !ok {
			return invariantf("root %s does not exist", id)
		}
		if n.ParentID != "" {
			return invariantf("root %s has parent %s", id, n.ParentID)
		}
		if _, dup := roots[id]; dup {
			return invariantf("root %s listed twice", id)
		}
		roots[id] = struct{}{}
	}

	for id, n := range t.Nodes {
		if n.ParentID == "" {
			if _, ok := roots[id]; !ok {
				return invariantf("parentless node %s missing from root ids", id)
			}
			continue
		}
		parent, ok := t.Nodes[n.ParentID]
		if !ok {
			return invariantf("node %s references missing parent %s", id, n.ParentID)
		}
		if count(parent.ChildIDs, id) != 1 {
			return invariantf("node %s appears %d times in parent %s", id, count(parent.ChildIDs, id), n.ParentID)
		}
	}

	for id, n := range t.Nodes {
		indices := make([]int, 0, len(n.ChildIDs))
		for _, childID := range n.ChildIDs {
			child, ok := t.Nodes[childID]
			if !ok {
				return invariantf("node %s lists missing child %s", id, childID)
			}
			if child.ParentID != id {
				return invariantf("child %s of %s points at parent %q", childID, id, child.ParentID)
			}
			indices = append(indices, child.BranchIndex)
		}
		sort.Ints(indices)
		for i, idx := range indices {
			if idx != i {
				return invariantf("children of %s have branch indices %v", id, indices)
			}
		}
	}

	reached := 0
	seen := make(map[string]struct{}, len(t.Nodes))
	stack := append([]string(nil), t.RootIDs...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			return invariantf("node %s reached twice", id)
		}
		seen[id] = struct{}{}
		reached++
		stack = append(stack, t.Nodes[id].ChildIDs...)
	}
	if reached != len(t.Nodes) {
		return invariantf("%d of %d nodes unreachable from roots", len(t.Nodes)-reached, len(t.Nodes))
	}
	return nil
}

// CheckOwnership verifies that the committed results of jobs are disjoint
// and that each listed node records the job that created it.
func CheckOwnership(t *Tree, results map[string][]string) error {
	owner := make(map[string]string)
	for jobID, ids := range results {
		for _, id := range ids {
			if prev, dup := owner[id]; dup {
				return invariantf("node %s owned by jobs %s and %s", id, prev, jobID)
			}
			owner[id] = jobID
			n, ok := t.Nodes[id]
			if !ok {
				return invariantf("job %s result %s does not exist", jobID, id)
			}
			if n.JobID != jobID {
				return invariantf("node %s records job %q, expected %s", id, n.JobID, jobID)
			}
		}
	}
	return nil
}

func count(ids []string, id string) int {
	c := 0
	for _, v := range ids {
		if v == id {
			c++
		}
	}
	return c
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
