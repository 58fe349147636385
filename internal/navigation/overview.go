package navigation

import (
	"strconv"

	"github.com/fpang/topic-explorer/internal/tree"
)

// Entry is one line of the tree overview.
type Entry struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	Depth       int    `json:"depth"`
	Title       string `json:"title"`
	Topic       string `json:"topic"`
	BranchLabel string `json:"branchLabel,omitempty"`
	IsQuestion  bool   `json:"isQuestion,omitempty"`
	IsCurrent   bool   `json:"isCurrent,omitempty"`
	IsLeaf      bool   `json:"isLeaf,omitempty"`
}

// Overview lists every node in pre-order, roots in order and children by
// branch index, so the UI can render a navigable outline of the session.
func Overview(t *tree.Tree) []Entry {
	out := make([]Entry, 0, len(t.Nodes))
	seen := make(map[string]struct{}, len(t.Nodes))

	var walk func(id, number string, depth int)
	walk = func(id, number string, depth int) {
		n, ok := t.Nodes[id]
		if !ok {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		title := n.Segment.Title
		if title == "" {
			title = n.Segment.Topic
		}
		out = append(out, Entry{
			ID:          id,
			Number:      number,
			Depth:       depth,
			Title:       title,
			Topic:       n.Segment.Topic,
			BranchLabel: n.BranchLabel,
			IsQuestion:  n.Segment.IsQuestion,
			IsCurrent:   id == t.CurrentNodeID,
			IsLeaf:      len(n.ChildIDs) == 0,
		})

		children, _ := Children(t, id)
		for _, c := range children {
			walk(c.ID, number+"."+strconv.Itoa(c.BranchIndex+1), depth+1)
		}
	}

	for i, rid := range t.RootIDs {
		walk(rid, strconv.Itoa(i+1), 0)
	}
	return out
}
