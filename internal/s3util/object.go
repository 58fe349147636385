// Package s3util provides the small set of S3 object helpers shared by the
// cached sub-tree source and the cache seeding command.
package s3util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// ErrNoSuchKey is returned when the requested object does not exist.
var ErrNoSuchKey = errors.New("s3 object not found")

// ObjectAPI is the subset of *s3.Client used here.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ReadObject downloads an object into memory. Objects larger than maxBytes
// are rejected; maxBytes <= 0 disables the limit.
func ReadObject(ctx context.Context, client ObjectAPI, bucket, key string, maxBytes int64) ([]byte, error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Reading from S3")
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNoSuchKey, bucket, key)
		}
		return nil, fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	r := io.Reader(result.Body)
	if maxBytes > 0 {
		r = io.LimitReader(result.Body, maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", bucket, key, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("s3://%s/%s exceeds %d bytes", bucket, key, maxBytes)
	}
	return data, nil
}

// WriteObject uploads data with the project cost-allocation tag.
func WriteObject(ctx context.Context, client ObjectAPI, bucket, key string, data []byte, contentType string) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Info().
		Str("bucket", bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Msg("Object uploaded to S3")
	return nil
}
