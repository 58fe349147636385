package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/fpang/topic-explorer/internal/logging"
)

// applyEnv overlays environment variables. Unset or empty variables leave
// the file value alone.
func (c *Config) applyEnv() {
	c.Server.Bind = logging.EnvOrDefault("EXPLORER_BIND", c.Server.Bind)
	c.Server.OriginVerifySecret = logging.EnvOrDefault("ORIGIN_VERIFY_SECRET", c.Server.OriginVerifySecret)

	c.Store.Backend = logging.EnvOrDefault("STORE_BACKEND", c.Store.Backend)
	c.Store.BadgerPath = logging.EnvOrDefault("BADGER_PATH", c.Store.BadgerPath)
	c.Store.RedisAddr = logging.EnvOrDefault("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = logging.EnvOrDefault("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.DynamoTable = logging.EnvOrDefault("DYNAMO_TABLE_NAME", c.Store.DynamoTable)
	c.Store.Compress = envBool("STORE_COMPRESS", c.Store.Compress)
	c.Store.Shared = envBool("STORE_SHARED", c.Store.Shared)

	c.Cache.Bucket = logging.EnvOrDefault("CACHE_BUCKET_NAME", c.Cache.Bucket)
	c.Cache.Prefix = logging.EnvOrDefault("CACHE_PREFIX", c.Cache.Prefix)
	c.Cache.BaseURL = logging.EnvOrDefault("CACHE_BASE_URL", c.Cache.BaseURL)
	if keys := os.Getenv("CACHE_KEYS"); keys != "" {
		c.Cache.Keys = strings.Split(keys, ",")
	}

	c.Generation.URL = logging.EnvOrDefault("GENERATION_URL", c.Generation.URL)
	c.Generation.APIKey = logging.EnvOrDefault("GENERATION_API_KEY", c.Generation.APIKey)
	c.Generation.KeyParam = logging.EnvOrDefault("SSM_GENERATION_KEY_PARAM", c.Generation.KeyParam)
	c.Generation.LambdaARN = logging.EnvOrDefault("GENERATION_LAMBDA_ARN", c.Generation.LambdaARN)
	c.Generation.Mode = logging.EnvOrDefault("GENERATION_MODE", c.Generation.Mode)

	c.Jobs.TimeoutSeconds = envInt("JOB_TIMEOUT_SECONDS", c.Jobs.TimeoutSeconds)
	c.Jobs.MaxConcurrent = envInt("JOB_MAX_CONCURRENT", c.Jobs.MaxConcurrent)
	c.Jobs.FollowResults = envBool("JOB_FOLLOW_RESULTS", c.Jobs.FollowResults)
	c.Jobs.WorkerLambdaARN = logging.EnvOrDefault("WORKER_LAMBDA_ARN", c.Jobs.WorkerLambdaARN)

	c.Events.BusName = logging.EnvOrDefault("EVENT_BUS_NAME", c.Events.BusName)
	if c.Events.BusName != "" && os.Getenv("EVENT_BUS_NAME") != "" {
		c.Events.Enabled = true
	}

	c.Logging.Level = logging.EnvOrDefault(logging.LevelEnvVar, c.Logging.Level)
	c.Metrics.Namespace = logging.EnvOrDefault("METRICS_NAMESPACE", c.Metrics.Namespace)
}

func envInt(name string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(name string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
