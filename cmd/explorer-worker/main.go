// Package main provides the Worker Lambda entry point for generation jobs.
//
// The API Lambda invokes this function asynchronously (InvocationType=Event)
// with one job per event. The worker reloads the session from the shared
// store, runs the job to completion, commits its segments and saves the
// session. The API Lambda picks the result up from the store on its next
// request.
//
// Event format:
//
//	{
//	  "sessionId": "uuid",
//	  "job": { "id": "gen-xxx", "kind": "question-branch", "prompt": {...}, ... },
//	  "label": "Question"
//	}
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/app"
	"github.com/fpang/topic-explorer/internal/config"
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/lambdaboot"
	"github.com/fpang/topic-explorer/internal/logging"
	"github.com/fpang/topic-explorer/internal/orchestrator"
)

// Set at build time via -ldflags.
var (
	commitHash = "dev"
	buildTime  = "unknown"
)

var coldStart = true

var explorer *app.App

func init() {
	initStart := time.Now()
	logging.Init()

	aws := lambdaboot.InitAWS()
	if os.Getenv("STORE_BACKEND") == "" {
		os.Setenv("STORE_BACKEND", config.BackendDynamo)
	}
	os.Setenv("STORE_SHARED", "true")
	// The worker runs jobs itself; it never forwards them.
	os.Unsetenv("WORKER_LAMBDA_ARN")
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

	lambdaboot.StartupLog("explorer-worker", initStart).
		CommitHash(commitHash).
		BuildTime(buildTime).
		DynamoTable("sessions", cfg.Store.DynamoTable).
		SSMParam("generationApiKey", keyParam).
		LambdaFunc("generation", cfg.Generation.LambdaARN).
		Feature("events", cfg.Events.Enabled).
		Config("store", cfg.Store.Backend).
		Config("generationMode", cfg.Generation.Mode).
		Log()
}

// handler runs one job. A job that fails is recorded as failed and the
// invocation still succeeds; only errors reaching the store are returned,
// so Lambda retries the event.
func handler(ctx context.Context, task orchestrator.Task) error {
	log.Info().
		Bool("coldStart", coldStart).
		Str("sessionId", task.SessionID).
		Str("jobId", task.Job.ID).
		Str("kind", string(task.Job.Kind)).
		Msg("Worker Lambda invoked")
	coldStart = false

	start := time.Now()
	j, err := explorer.ExecuteTask(ctx, task)
	switch {
	case errors.Is(err, jobs.ErrInvalidTransition):
		log.Warn().Err(err).Str("jobId", task.Job.ID).Msg("Skipping job that already ran")
		return nil
	case err != nil:
		log.Error().Err(err).Str("jobId", task.Job.ID).Msg("Worker job failed to run")
		return err
	}

	log.Info().
		Str("jobId", j.ID).
		Str("status", string(j.Status)).
		Str("failureKind", string(j.FailureKind)).
		Dur("duration", time.Since(start)).
		Msg("Worker job finished")
	return nil
}

func main() {
	lambda.Start(handler)
}
