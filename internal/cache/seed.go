package cache

import (
	"context"
	"fmt"

	"github.com/fpang/topic-explorer/internal/blob"
	"github.com/fpang/topic-explorer/internal/s3util"
	"github.com/fpang/topic-explorer/internal/tree"
)

// Seed validates a serialized sub-tree and uploads it under the object name
// for key, so an S3Source with the same bucket and prefix can serve it. It
// returns the object key written.
func Seed(ctx context.Context, client s3util.ObjectAPI, bucket, prefix, key string, data []byte, compress bool) (string, error) {
	if Normalize(key) == "" {
		return "", fmt.Errorf("seed: empty cache key")
	}
	if _, err := tree.Decode(data); err != nil {
		return "", fmt.Errorf("seed %q: %w", key, err)
	}
	body := data
	if compress {
		body = blob.Compress(data)
	}
	objectKey := prefix + ObjectName(key)
	if err := s3util.WriteObject(ctx, client, bucket, objectKey, body, "application/json"); err != nil {
		return "", err
	}
	return objectKey, nil
}
