// Package store provides the durable key-value backends a session is saved
// to. Every backend stores opaque string values under string keys with
// upsert semantics and an optional expiry:
//
//   - DynamoKV: one item per key in a DynamoDB table (PK=KV#{key}, SK=VALUE)
//     with a TTL attribute, for the Lambda deployment.
//   - BadgerKV: an embedded BadgerDB directory, for a single local server.
//   - RedisKV: a shared Redis instance, for several local servers.
//   - MemoryKV: a process-local map, for tests and throwaway runs.
//
// When several processes serve one session, job records are shared through
// DynamoJobs (same table as DynamoKV) or RedisKV.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/fpang/topic-explorer/internal/session"
)

// DefaultTTL is how long a saved session survives without being written again.
const DefaultTTL = 30 * 24 * time.Hour

// Compile-time interface checks.
var (
	_ session.KV = (*MemoryKV)(nil)
	_ session.KV = (*DynamoKV)(nil)
	_ session.KV = (*BadgerKV)(nil)
	_ session.KV = (*RedisKV)(nil)
)

// MemoryKV keeps values in a map. It is safe for concurrent use.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryKV creates an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}
