package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/cache"
	"github.com/fpang/topic-explorer/internal/config"
	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/orchestrator"
	"github.com/fpang/topic-explorer/internal/session"
	"github.com/fpang/topic-explorer/internal/store"
	"github.com/fpang/topic-explorer/internal/worker"
)

var (
	_ orchestrator.JobStore   = (*store.DynamoJobs)(nil)
	_ orchestrator.JobStore   = (*store.RedisKV)(nil)
	_ orchestrator.JobStore   = (*store.MemoryJobs)(nil)
	_ orchestrator.Dispatcher = (*worker.LambdaDispatcher)(nil)
)

type awsLoader func() (aws.Config, error)

func (a *App) openStore(ctx context.Context, cfg *config.Config, awsCfg awsLoader) (session.KV, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory session store; sessions are lost on restart")
		return store.NewMemoryKV(), nil

	case config.BackendBadger:
		kv, err := store.OpenBadgerKV(store.BadgerConfig{
			Path:       cfg.Store.BadgerPath,
			SyncWrites: true,
			TTL:        cfg.StoreTTL(),
		})
		if err != nil {
			return nil, err
		}
		a.badger = kv
		a.closers = append(a.closers, kv.Close)
		return kv, nil

	case config.BackendRedis:
		kv, err := store.NewRedisKV(ctx, store.RedisConfig{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			TTL:      cfg.StoreTTL(),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kv.Close)
		return kv, nil

	case config.BackendDynamo:
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		return store.NewDynamoKV(dynamodb.NewFromConfig(c), cfg.Store.DynamoTable, cfg.StoreTTL()), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// buildJobStore picks where job records are shared. Redis keeps them next
// to the session; DynamoDB keeps them as items of the session table.
func buildJobStore(cfg *config.Config, deps Deps, kv session.KV, awsCfg awsLoader) (orchestrator.JobStore, error) {
	if deps.Jobs != nil {
		return deps.Jobs, nil
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		if js, ok := kv.(orchestrator.JobStore); ok {
			return js, nil
		}
	case config.BackendDynamo:
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		return store.NewDynamoJobs(dynamodb.NewFromConfig(c), cfg.Store.DynamoTable, cfg.StoreTTL()), nil
	}
	return nil, fmt.Errorf("store backend %q cannot share job records", cfg.Store.Backend)
}

// buildDispatcher returns nil when jobs run in this process.
func buildDispatcher(cfg *config.Config, deps Deps, awsCfg awsLoader) (orchestrator.Dispatcher, error) {
	if deps.Dispatcher != nil {
		return deps.Dispatcher, nil
	}
	if cfg.Jobs.WorkerLambdaARN == "" {
		return nil, nil
	}
	c, err := awsCfg()
	if err != nil {
		return nil, err
	}
	return worker.NewLambdaDispatcher(lambda.NewFromConfig(c), cfg.Jobs.WorkerLambdaARN), nil
}

// buildResolver returns nil when no cache source is configured.
func buildResolver(cfg *config.Config, deps Deps, awsCfg awsLoader) (*cache.Resolver, error) {
	src := deps.Source
	switch {
	case src != nil:
	case cfg.Cache.Bucket != "":
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		src = cache.NewS3Source(s3.NewFromConfig(c), cfg.Cache.Bucket, cfg.Cache.Prefix)
	case cfg.Cache.BaseURL != "":
		src = cache.NewHTTPSource(cfg.Cache.BaseURL, deps.HTTPClient)
	default:
		return nil, nil
	}
	if len(cfg.Cache.Keys) == 0 {
		return nil, nil
	}
	return cache.NewResolver(src, cfg.Cache.Keys), nil
}

func buildGeneration(cfg *config.Config, deps Deps, awsCfg awsLoader) (generation.Service, error) {
	if cfg.Generation.LambdaARN != "" {
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		return generation.NewLambdaService(lambda.NewFromConfig(c), cfg.Generation.LambdaARN), nil
	}

	key := cfg.Generation.APIKey
	if key == "" && cfg.Generation.KeyParam != "" {
		c, err := awsCfg()
		if err != nil {
			return nil, err
		}
		key, err = fetchParameter(ssm.NewFromConfig(c), cfg.Generation.KeyParam)
		if err != nil {
			return nil, err
		}
	}
	return generation.NewHTTPService(cfg.Generation.URL, key, deps.HTTPClient), nil
}

func fetchParameter(client *ssm.Client, name string) (string, error) {
	out, err := client.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("read SSM parameter %s: %w", name, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}
