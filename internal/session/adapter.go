package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/blob"
	"github.com/fpang/topic-explorer/internal/tree"
)

// ErrCorruptedSession means the stored session could not be decoded or
// failed validation. It is never partially repaired.
var ErrCorruptedSession = errors.New("corrupted session")

// KV is a durable string key-value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

const (
	keyPrefix  = "session:"
	currentKey = "session:current"

	// compressedPrefix marks a zstd-compressed, base64-encoded value.
	compressedPrefix = "zstd:"

	documentVersion = 1
)

// Key returns the storage key for a session id.
func Key(id string) string { return keyPrefix + id }

// document is the persisted form of a session.
type document struct {
	Version   int           `json:"version"`
	SessionID string        `json:"sessionId"`
	Tree      tree.Document `json:"tree"`
	Context   Context       `json:"context"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
	// Revision lets processes sharing the store tell newer copies apart.
	Revision uint64 `json:"revision,omitempty"`
}

// Adapter saves and loads sessions through a KV store.
type Adapter struct {
	kv       KV
	compress bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithCompression stores values zstd-compressed and base64-encoded.
// Plain values are still readable.
func WithCompression() Option {
	return func(a *Adapter) { a.compress = true }
}

// NewAdapter creates an adapter over kv.
func NewAdapter(kv KV, opts ...Option) *Adapter {
	a := &Adapter{kv: kv}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Save writes the session under its own key and makes it the current one.
func (a *Adapter) Save(ctx context.Context, s Snapshot) error {
	doc := document{
		Version:   documentVersion,
		SessionID: s.ID,
		Tree:      tree.ToDocument(s.Tree),
		Context:   s.Context,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Revision:  s.Revision,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}

	value := string(data)
	if a.compress {
		value = compressedPrefix + base64.StdEncoding.EncodeToString(blob.Compress(data))
	}

	if err := a.kv.Set(ctx, Key(s.ID), value); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	if err := a.kv.Set(ctx, currentKey, s.ID); err != nil {
		return fmt.Errorf("save current session pointer: %w", err)
	}

	log.Debug().
		Str("sessionId", s.ID).
		Int("nodes", s.Tree.Len()).
		Int("bytes", len(value)).
		Uint64("revision", s.Revision).
		Msg("Session saved")
	return nil
}

// Load returns the current session, or nil when none was saved.
func (a *Adapter) Load(ctx context.Context) (*Session, error) {
	id, ok, err := a.kv.Get(ctx, currentKey)
	if err != nil {
		return nil, fmt.Errorf("load current session pointer: %w", err)
	}
	if !ok || id == "" {
		return nil, nil
	}
	return a.LoadByID(ctx, id)
}

// LoadByID returns the session with the given id, or nil when absent.
// A missing or dangling current node is reset to the first root; anything
// else that fails to decode or validate yields ErrCorruptedSession.
func (a *Adapter) LoadByID(ctx context.Context, id string) (*Session, error) {
	raw, ok, err := a.kv.Get(ctx, Key(id))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptedSession, id, err)
	}

	t, err := tree.FromDocument(doc.Tree)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptedSession, id, err)
	}
	repairCurrent(t)

	store, err := tree.NewStoreFrom(t)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptedSession, id, err)
	}

	if doc.SessionID == "" {
		doc.SessionID = id
	}
	c := doc.Context.clone()
	s := &Session{
		ID:        doc.SessionID,
		Tree:      store,
		CreatedAt: doc.CreatedAt,
		context:   c,
		updatedAt: doc.UpdatedAt,
		revision:  doc.Revision,
	}
	log.Debug().Str("sessionId", s.ID).Int("nodes", t.Len()).Msg("Session loaded")
	return s, nil
}

// LoadOrFresh loads the current session. A corrupted session is discarded
// and replaced by a fresh empty one, which becomes the current session.
func (a *Adapter) LoadOrFresh(ctx context.Context) (*Session, error) {
	s, err := a.Load(ctx)
	switch {
	case errors.Is(err, ErrCorruptedSession):
		log.Warn().Err(err).Msg("Discarding corrupted session")
	case err != nil:
		return nil, err
	case s != nil:
		return s, nil
	}

	fresh := New("")
	if err := a.Save(ctx, fresh.Snapshot()); err != nil {
		return nil, err
	}
	return fresh, nil
}

func decodeDocument(raw string) (document, error) {
	data := []byte(raw)
	if rest, ok := strings.CutPrefix(raw, compressedPrefix); ok {
		packed, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return document{}, fmt.Errorf("base64: %w", err)
		}
		data, err = blob.Decompress(packed)
		if err != nil {
			return document{}, err
		}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("decode: %w", err)
	}
	if doc.Version > documentVersion {
		return document{}, fmt.Errorf("unsupported document version %d", doc.Version)
	}
	return doc, nil
}

// repairCurrent points a missing or dangling current node at the first root.
func repairCurrent(t *tree.Tree) {
	if _, ok := t.Nodes[t.CurrentNodeID]; ok {
		return
	}
	if t.CurrentNodeID != "" {
		log.Warn().Str("currentNodeId", t.CurrentNodeID).Msg("Current node missing from stored session, resetting to first root")
	}
	t.CurrentNodeID = ""
	if len(t.RootIDs) > 0 {
		t.CurrentNodeID = t.RootIDs[0]
	}
}
