package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/topic-explorer/internal/cache"
	"github.com/fpang/topic-explorer/internal/config"
)

var (
	seedBucketFlag   string
	seedPrefixFlag   string
	seedCompressFlag bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var seedCacheCmd = &cobra.Command{
	Use:   "seed-cache <key> <tree.json>",
	Short: "Upload a pre-built sub-tree to the S3 cache",
	Long: `Validates a serialized sub-tree and uploads it to the cache bucket under the
object name derived from the cache key. Remember to add the key to
cache.keys so the explorer looks it up.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			if seedBucketFlag == "" {
				return err
			}
			// Seeding only needs the bucket; a config meant for serving may
			// not validate on a workstation.
			log.Warn().Err(err).Msg("Ignoring invalid configuration for seeding")
			d := config.Default()
			cfg = &d
		}
		bucket := seedBucketFlag
		if bucket == "" {
			bucket = cfg.Cache.Bucket
		}
		if bucket == "" {
			return fmt.Errorf("no cache bucket: pass --bucket or set cache.bucket")
		}
		prefix := cfg.Cache.Prefix
		if cmd.Flags().Changed("prefix") {
			prefix = seedPrefixFlag
		}

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}

		ctx := context.Background()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		objectKey, err := cache.Seed(ctx, s3.NewFromConfig(awsCfg), bucket, prefix, args[0], data, seedCompressFlag)
		if err != nil {
			return err
		}
		log.Info().Str("key", args[0]).Str("object", objectKey).Msg("Cache entry seeded")
		fmt.Fprintf(cmd.OutOrStdout(), "s3://%s/%s\n", bucket, objectKey)
		return nil
	},
}

func init() {
	seedCacheCmd.Flags().StringVar(&seedBucketFlag, "bucket", "", "Cache bucket (defaults to cache.bucket)")
	seedCacheCmd.Flags().StringVar(&seedPrefixFlag, "prefix", "", "Object prefix (defaults to cache.prefix)")
	seedCacheCmd.Flags().BoolVar(&seedCompressFlag, "compress", true, "zstd-compress the uploaded document")
}
