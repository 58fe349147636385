// Package cache maps topics and questions to pre-built sub-trees so the
// orchestrator can skip live generation for content that already exists.
//
// Matching is deliberately loose: a question matches a key when either
// normalized string contains the other. Short keys can therefore match
// unrelated questions and paraphrases never match.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fpang/topic-explorer/internal/blob"
	"github.com/fpang/topic-explorer/internal/tree"
)

// DefaultFetchTimeout bounds one shared fetch of a sub-tree.
const DefaultFetchTimeout = 30 * time.Second

// DefaultKeys are the topics with a published sub-tree.
var DefaultKeys = []string{
	"Binary Search Trees",
}

// Resolver answers whether a key has a cached sub-tree and fetches it.
// Fetched sub-trees are immutable and memoised for the life of the resolver.
// It is safe for concurrent use.
type Resolver struct {
	source Source
	// keys maps normalized key to its display form.
	keys map[string]string
	// FetchTimeout bounds a shared fetch, which outlives the caller that
	// started it. Zero uses DefaultFetchTimeout.
	FetchTimeout time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	memo  map[string]*tree.Tree
}

// NewResolver creates a resolver over source for the given keys. Blank keys
// and keys that normalize to the same string are dropped.
func NewResolver(source Source, keys []string) *Resolver {
	r := &Resolver{
		source: source,
		keys:   make(map[string]string, len(keys)),
		memo:   make(map[string]*tree.Tree),
	}
	for _, k := range keys {
		n := Normalize(k)
		if n == "" {
			continue
		}
		if _, dup := r.keys[n]; !dup {
			r.keys[n] = strings.TrimSpace(k)
		}
	}
	return r
}

// Keys returns the display form of every known key, sorted.
func (r *Resolver) Keys() []string {
	out := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasCachedSubtree reports whether key matches a known key exactly after
// normalization.
func (r *Resolver) HasCachedSubtree(key string) bool {
	_, ok := r.keys[Normalize(key)]
	return ok
}

// MatchFreeformText returns the known key contained in text, or containing
// it. When several keys match, the longest wins.
func (r *Resolver) MatchFreeformText(text string) (string, bool) {
	n := Normalize(text)
	if n == "" {
		return "", false
	}

	best := ""
	for k := range r.keys {
		if !strings.Contains(n, k) && !strings.Contains(k, n) {
			continue
		}
		if len(k) > len(best) || (len(k) == len(best) && k < best) {
			best = k
		}
	}
	if best == "" {
		return "", false
	}
	return r.keys[best], true
}

// FetchSubtree retrieves, decodes and validates the sub-tree for key.
// Concurrent fetches of one key share a single remote call. A missing
// document yields ErrCacheMiss. The returned tree is a private copy.
func (r *Resolver) FetchSubtree(ctx context.Context, key string) (*tree.Tree, error) {
	n := Normalize(key)
	if n == "" {
		return nil, fmt.Errorf("%w: empty key", ErrCacheMiss)
	}

	r.mu.RLock()
	cached, ok := r.memo[n]
	r.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err, shared := r.group.Do(n, func() (any, error) {
		// Waiters share this call, so one caller going away must not fail it
		// for the others.
		timeout := r.FetchTimeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		raw, err := r.source.Fetch(fetchCtx, key)
		if err != nil {
			return nil, err
		}
		data, err := blob.Decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("cached sub-tree %q: %w", key, err)
		}
		t, err := tree.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("cached sub-tree %q: %w", key, err)
		}
		if t.IsEmpty() {
			return nil, fmt.Errorf("cached sub-tree %q: %w: no nodes", key, tree.ErrInvalidSubtree)
		}

		r.mu.Lock()
		r.memo[n] = t
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Cached sub-tree fetch failed")
		}
		return nil, err
	}

	t := v.(*tree.Tree)
	log.Debug().
		Str("key", key).
		Int("nodes", t.Len()).
		Bool("shared", shared).
		Msg("Cached sub-tree fetched")
	return t.Clone(), nil
}
