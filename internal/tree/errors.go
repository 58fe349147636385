package tree

import "errors"

var (
	// ErrNotFound is returned when an operation references a node id that
	// does not exist. Callers recover by re-reading state and retrying.
	ErrNotFound = errors.New("node not found")

	// ErrEmptyChain is returned when a chain commit carries no segments.
	ErrEmptyChain = errors.New("empty segment chain")

	// ErrInvalidSubtree is returned when a sub-tree offered for merge
	// violates the structural invariants.
	ErrInvalidSubtree = errors.New("invalid sub-tree")

	// ErrInvariant is returned by Validate when a tree is structurally broken.
	ErrInvariant = errors.New("tree invariant violated")
)
