package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateGeneration(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if c.Events.Enabled && c.Events.BusName == "" {
		return errors.New("events.bus_name is required when events are enabled")
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.New("server.max_upload_mb must be positive")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Store.BadgerPath == "" {
			return errors.New("store.badger_path is required for the badger backend")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis backend (or set REDIS_ADDR)")
		}
	case BackendDynamo:
		if c.Store.DynamoTable == "" {
			return errors.New("store.dynamo_table is required for the dynamo backend (or set DYNAMO_TABLE_NAME)")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, badger, redis, dynamo", c.Store.Backend)
	}
	if c.Store.Shared && c.Store.Backend != BackendRedis && c.Store.Backend != BackendDynamo {
		return fmt.Errorf("store.shared needs the redis or dynamo backend, not %q", c.Store.Backend)
	}
	if c.Store.TTLHours < 0 {
		return errors.New("store.ttl_hours must not be negative")
	}
	return nil
}

func (c *Config) validateGeneration() error {
	if c.Generation.URL == "" && c.Generation.LambdaARN == "" {
		return errors.New("generation.url or generation.lambda_arn is required (or set GENERATION_URL)")
	}
	switch c.Generation.Mode {
	case "deep", "fast":
	default:
		return fmt.Errorf("generation.mode %q must be deep or fast", c.Generation.Mode)
	}
	return nil
}

func (c *Config) validateJobs() error {
	if c.Jobs.TimeoutSeconds <= 0 {
		return errors.New("jobs.timeout_seconds must be positive")
	}
	if c.Jobs.MaxConcurrent <= 0 {
		return errors.New("jobs.max_concurrent must be positive")
	}
	if c.Jobs.DispatchPerSecond < 0 {
		return errors.New("jobs.dispatch_per_second must not be negative")
	}
	if c.Jobs.WorkerLambdaARN != "" && !c.Store.Shared {
		return errors.New("jobs.worker_lambda_arn needs store.shared so the worker sees the session")
	}
	return nil
}
