// Package lambdaboot provides the shared Lambda cold-start bootstrap logic.
//
// The Lambda entry point needs AWS config, DynamoDB for sessions, the
// generation Lambda, an SSM parameter fetch and startup logging. This
// package keeps the common init patterns so main() is a short composition
// of helpers.
package lambdaboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/generation"
	"github.com/fpang/topic-explorer/internal/logging"
	"github.com/fpang/topic-explorer/internal/store"
)

// AWSClients holds the core AWS SDK clients.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// InitAWS loads the default AWS config and returns it along with common clients.
func InitAWS() AWSClients {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{
		Config: cfg,
		SSM:    ssm.NewFromConfig(cfg),
	}
}

// InitDynamo creates the DynamoDB session store for tableName. Fatals if
// the table name is empty.
func InitDynamo(cfg aws.Config, tableName string, ttl time.Duration) *store.DynamoKV {
	if tableName == "" {
		log.Fatal().Msg("DynamoDB session table is required")
	}
	return store.NewDynamoKV(dynamodb.NewFromConfig(cfg), tableName, ttl)
}

// InitGeneration creates the generation backend that invokes functionArn
// synchronously.
func InitGeneration(cfg aws.Config, functionArn string) *generation.LambdaService {
	return generation.NewLambdaService(lambda.NewFromConfig(cfg), functionArn)
}

// LoadGenerationKey fetches the generation service API key from SSM Parameter
// Store if not already set via the envVar environment variable. Fatals on error.
func LoadGenerationKey(ssmClient *ssm.Client, envVar, paramName string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if paramName == "" {
		log.Warn().Str("envVar", envVar).Msg("No generation API key configured")
		return ""
	}
	ssmStart := time.Now()
	result, err := ssmClient.GetParameter(context.Background(), &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		log.Fatal().Err(err).Str("param", paramName).Msg("Failed to read API key from SSM")
	}
	key := aws.ToString(result.Parameter.Value)
	os.Setenv(envVar, key)
	log.Debug().Str("param", paramName).Dur("elapsed", time.Since(ssmStart)).Msg("Generation API key loaded from SSM")
	return key
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
