package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/jobs"
)

// MemoryJobs keeps job records in a map. It is safe for concurrent use.
type MemoryJobs struct {
	mu        sync.Mutex
	jobs      map[string]map[string]jobs.Job
	dismissed map[string]map[string]bool
}

// NewMemoryJobs creates an empty in-memory job store.
func NewMemoryJobs() *MemoryJobs {
	return &MemoryJobs{
		jobs:      make(map[string]map[string]jobs.Job),
		dismissed: make(map[string]map[string]bool),
	}
}

func (m *MemoryJobs) PutJob(_ context.Context, sessionID string, j jobs.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[sessionID] == nil {
		m.jobs[sessionID] = make(map[string]jobs.Job)
	}
	m.jobs[sessionID][j.ID] = j.Clone()
	return nil
}

func (m *MemoryJobs) DismissJob(_ context.Context, sessionID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dismissed[sessionID] == nil {
		m.dismissed[sessionID] = make(map[string]bool)
	}
	m.dismissed[sessionID][jobID] = true
	return nil
}

func (m *MemoryJobs) ListJobs(_ context.Context, sessionID string) ([]jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]jobs.Job, 0, len(m.jobs[sessionID]))
	for id, j := range m.jobs[sessionID] {
		c := j.Clone()
		c.Dismissed = c.Dismissed || m.dismissed[sessionID][id]
		out = append(out, c)
	}
	return out, nil
}

// Redis job records live in two keys per session: a hash of job id to JSON
// record and a set of dismissed job ids.
func (r *RedisKV) jobsKey(sessionID string) string      { return r.prefix + "jobs:" + sessionID }
func (r *RedisKV) dismissedKey(sessionID string) string { return r.prefix + "jobs:" + sessionID + ":dismissed" }

// PutJob writes the job's current state.
func (r *RedisKV) PutJob(ctx context.Context, sessionID string, j jobs.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	key := r.jobsKey(sessionID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, j.ID, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put job %s/%s: %w", sessionID, j.ID, err)
	}
	return nil
}

// DismissJob marks a job dismissed.
func (r *RedisKV) DismissJob(ctx context.Context, sessionID, jobID string) error {
	key := r.dismissedKey(sessionID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, key, jobID)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis dismiss job %s/%s: %w", sessionID, jobID, err)
	}
	return nil
}

// ListJobs returns every job record of the session.
func (r *RedisKV) ListJobs(ctx context.Context, sessionID string) ([]jobs.Job, error) {
	records, err := r.rdb.HGetAll(ctx, r.jobsKey(sessionID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis list jobs %s: %w", sessionID, err)
	}
	dismissed, err := r.rdb.SMembers(ctx, r.dismissedKey(sessionID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis list dismissed jobs %s: %w", sessionID, err)
	}
	gone := make(map[string]bool, len(dismissed))
	for _, id := range dismissed {
		gone[id] = true
	}

	out := make([]jobs.Job, 0, len(records))
	for id, raw := range records {
		var j jobs.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Str("jobId", id).Msg("Skipping undecodable job record")
			continue
		}
		j.Dismissed = j.Dismissed || gone[id]
		out = append(out, j)
	}
	return out, nil
}
