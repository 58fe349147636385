package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/fpang/topic-explorer/internal/s3util"
)

// ErrCacheMiss means the remote store has nothing for a key. It is a normal
// negative result, not a failure.
var ErrCacheMiss = errors.New("cache miss")

// maxObjectBytes bounds a single cached sub-tree document.
const maxObjectBytes = 16 << 20

// Source fetches the raw serialized sub-tree for a cache key. The bytes may
// be zstd-compressed.
type Source interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// ObjectName maps a cache key to its object name: the normalized key with
// spaces turned into dashes, plus ".json".
func ObjectName(key string) string {
	return strings.ReplaceAll(Normalize(key), " ", "-") + ".json"
}

// S3Source reads cached sub-trees from an S3 bucket.
type S3Source struct {
	client s3util.ObjectAPI
	bucket string
	prefix string
}

// NewS3Source creates a source reading <prefix><object name> from bucket.
func NewS3Source(client s3util.ObjectAPI, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Source) Fetch(ctx context.Context, key string) ([]byte, error) {
	data, err := s3util.ReadObject(ctx, s.client, s.bucket, s.prefix+ObjectName(key), maxObjectBytes)
	if errors.Is(err, s3util.ErrNoSuchKey) {
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return data, err
}

// HTTPSource reads cached sub-trees from a static content host.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a source reading <baseURL>/<object name>.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context, key string) ([]byte, error) {
	u := s.baseURL + "/" + url.PathEscape(ObjectName(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build cache request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if len(data) > maxObjectBytes {
		return nil, fmt.Errorf("fetch %s: document exceeds %d bytes", u, maxObjectBytes)
	}
	return data, nil
}

// MemorySource serves documents from memory. Keys are normalized.
type MemorySource struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{docs: make(map[string][]byte)}
}

// Put stores a document for key.
func (s *MemorySource) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[Normalize(key)] = append([]byte(nil), data...)
}

func (s *MemorySource) Fetch(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[Normalize(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCacheMiss, key)
	}
	return append([]byte(nil), data...), nil
}
