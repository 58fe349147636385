// Package navigation implements read-only traversal over a session tree
// snapshot. Nothing here mutates the tree.
//
// "Next" always descends to the first child and never moves sideways.
// Siblings are reached by explicit selection or by going back up with
// Previous and descending into a different child.
package navigation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fpang/topic-explorer/internal/tree"
)

// PathFromRoot returns the nodes from the root down to id, inclusive.
func PathFromRoot(t *tree.Tree, id string) ([]*tree.Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("path to %s: %w", id, tree.ErrNotFound)
	}

	path := []*tree.Node{n}
	seen := map[string]struct{}{id: {}}
	for n.ParentID != "" {
		parent, ok := t.Nodes[n.ParentID]
		if !ok {
			return nil, fmt.Errorf("path to %s: parent %s: %w", id, n.ParentID, tree.ErrNotFound)
		}
		if _, loop := seen[parent.ID]; loop {
			return nil, fmt.Errorf("path to %s: %w: cycle at %s", id, tree.ErrInvariant, parent.ID)
		}
		seen[parent.ID] = struct{}{}
		path = append(path, parent)
		n = parent
	}

	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Children returns the children of id ordered by branch index.
func Children(t *tree.Tree, id string) ([]*tree.Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("children of %s: %w", id, tree.ErrNotFound)
	}
	children := make([]*tree.Node, 0, len(n.ChildIDs))
	for _, childID := range n.ChildIDs {
		if child, ok := t.Nodes[childID]; ok {
			children = append(children, child)
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].BranchIndex < children[j].BranchIndex
	})
	return children, nil
}

// Next returns the child with the lowest branch index. The boolean is false
// when id is a leaf, which callers treat as the point to offer a question or
// quiz checkpoint.
func Next(t *tree.Tree, id string) (*tree.Node, bool, error) {
	children, err := Children(t, id)
	if err != nil {
		return nil, false, err
	}
	if len(children) == 0 {
		return nil, false, nil
	}
	return children[0], true, nil
}

// Previous returns the parent of id. The boolean is false for roots.
func Previous(t *tree.Tree, id string) (*tree.Node, bool, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, false, fmt.Errorf("previous of %s: %w", id, tree.ErrNotFound)
	}
	if n.ParentID == "" {
		return nil, false, nil
	}
	parent, ok := t.Nodes[n.ParentID]
	if !ok {
		return nil, false, fmt.Errorf("previous of %s: parent %s: %w", id, n.ParentID, tree.ErrNotFound)
	}
	return parent, true, nil
}

// NodeNumber returns a display label such as "1.1.2": the 1-based position
// of the node's root among the roots, then the 1-based branch position of
// each step down the path. It is for labelling only, not identity.
func NodeNumber(t *tree.Tree, id string) (string, error) {
	path, err := PathFromRoot(t, id)
	if err != nil {
		return "", err
	}

	rootPos := 0
	for i, rid := range t.RootIDs {
		if rid == path[0].ID {
			rootPos = i
			break
		}
	}

	parts := make([]string, 0, len(path))
	parts = append(parts, strconv.Itoa(rootPos+1))
	for _, n := range path[1:] {
		parts = append(parts, strconv.Itoa(n.BranchIndex+1))
	}
	return strings.Join(parts, "."), nil
}

// Siblings returns the other children of id's parent, or the other roots
// when id is a root, in display order.
func Siblings(t *tree.Tree, id string) ([]*tree.Node, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("siblings of %s: %w", id, tree.ErrNotFound)
	}

	var all []*tree.Node
	if n.ParentID == "" {
		for _, rid := range t.RootIDs {
			if r, ok := t.Nodes[rid]; ok {
				all = append(all, r)
			}
		}
	} else {
		children, err := Children(t, n.ParentID)
		if err != nil {
			return nil, err
		}
		all = children
	}

	out := make([]*tree.Node, 0, len(all))
	for _, s := range all {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out, nil
}

// Depth returns the number of edges between id and its root.
func Depth(t *tree.Tree, id string) (int, error) {
	path, err := PathFromRoot(t, id)
	if err != nil {
		return 0, err
	}
	return len(path) - 1, nil
}

// IsLeaf reports whether id has no children.
func IsLeaf(t *tree.Tree, id string) (bool, error) {
	n, ok := t.Nodes[id]
	if !ok {
		return false, fmt.Errorf("leaf check %s: %w", id, tree.ErrNotFound)
	}
	return len(n.ChildIDs) == 0, nil
}
