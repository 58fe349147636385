// Package main provides the Lambda entry point for the topic explorer API.
//
// The same routes as explorer-web are served behind API Gateway (HTTP API,
// payload v2). Sessions live in DynamoDB, cached sub-trees in S3, and
// generation runs in a separate Lambda.
//
// Security:
//   - Origin-verify middleware blocks direct API Gateway access (CloudFront-only)
//   - Request bodies are size-capped and validated before reaching the orchestrator
//
// Several containers can serve one session, so the session is reloaded from
// DynamoDB before each request and job records are kept there too. When
// WORKER_LAMBDA_ARN is set, generation jobs are handed to explorer-worker
// with an asynchronous invoke, since a container is frozen once it has
// responded. The job stream websocket is not available through API Gateway;
// clients poll GET /api/jobs.
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/app"
	"github.com/fpang/topic-explorer/internal/config"
	"github.com/fpang/topic-explorer/internal/lambdaboot"
	"github.com/fpang/topic-explorer/internal/logging"
)

// Set at build time via -ldflags.
var (
	commitHash = "dev"
	buildTime  = "unknown"
)

var explorer *app.App

func init() {
	initStart := time.Now()
	logging.Init()

	aws := lambdaboot.InitAWS()
	if os.Getenv("STORE_BACKEND") == "" {
		os.Setenv("STORE_BACKEND", config.BackendDynamo)
	}
	if os.Getenv("STORE_SHARED") == "" {
		os.Setenv("STORE_SHARED", "true")
	}
	keyParam := os.Getenv("SSM_GENERATION_KEY_PARAM")
	if os.Getenv("GENERATION_LAMBDA_ARN") == "" {
		lambdaboot.LoadGenerationKey(aws.SSM, "GENERATION_API_KEY", keyParam)
	}

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	logging.SetLevel(cfg.Logging.Level)

	deps := app.Deps{AWS: &aws.Config}
	if cfg.Store.Backend == config.BackendDynamo {
		deps.KV = lambdaboot.InitDynamo(aws.Config, cfg.Store.DynamoTable, cfg.StoreTTL())
	}
	if cfg.Generation.LambdaARN != "" {
		deps.Generation = lambdaboot.InitGeneration(aws.Config, cfg.Generation.LambdaARN)
	}

	explorer, err = app.Build(context.Background(), cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build explorer")
	}

	lambdaboot.StartupLog("explorer-lambda", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		S3Bucket("cache", cfg.Cache.Bucket).
		DynamoTable("sessions", cfg.Store.DynamoTable).
		SSMParam("generationApiKey", keyParam).
		LambdaFunc("generation", cfg.Generation.LambdaARN).
		LambdaFunc("worker", cfg.Jobs.WorkerLambdaARN).
		Feature("events", cfg.Events.Enabled).
		Feature("sharedStore", cfg.Store.Shared).
		Feature("followResults", cfg.Jobs.FollowResults).
		Config("store", cfg.Store.Backend).
		Config("generationMode", cfg.Generation.Mode).
		Log()
}

func main() {
	adapter := httpadapter.NewV2(explorer.Handler())
	lambda.Start(adapter.ProxyWithContext)
}
