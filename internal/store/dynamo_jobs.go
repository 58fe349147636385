package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/topic-explorer/internal/jobs"
)

// Job records share the session table: PK=SESSION#{sessionId}, SK=JOB#{jobId}.
const (
	pkSession = "SESSION#"
	skJob     = "JOB#"
)

// DynamoJobsAPI is the subset of the DynamoDB client used for job records.
type DynamoJobsAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoJobs keeps the job records of every session, one item per job.
// Writes are attribute updates, so a dismissal and a status change written
// by different processes never overwrite each other.
type DynamoJobs struct {
	client    DynamoJobsAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoJobs creates a job store on tableName. A zero ttl uses DefaultTTL.
func NewDynamoJobs(client DynamoJobsAPI, tableName string, ttl time.Duration) *DynamoJobs {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DynamoJobs{client: client, tableName: tableName, ttl: ttl, now: time.Now}
}

type jobItem struct {
	Job       string `dynamodbav:"job"`
	Dismissed bool   `dynamodbav:"dismissed"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

func jobKey(sessionID, jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkSession + sessionID},
		"SK": &types.AttributeValueMemberS{Value: skJob + jobID},
	}
}

func (s *DynamoJobs) expiresAt() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10)}
}

// PutJob writes the job's current state.
func (s *DynamoJobs) PutJob(ctx context.Context, sessionID string, j jobs.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              jobKey(sessionID, j.ID),
		UpdateExpression: strPtr("SET #job = :job, #status = :status, updatedAt = :updatedAt, expiresAt = :expiresAt"),
		ExpressionAttributeNames: map[string]string{
			"#job":    "job",
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":job":       &types.AttributeValueMemberS{Value: string(data)},
			":status":    &types.AttributeValueMemberS{Value: string(j.Status)},
			":updatedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(j.UpdatedAt.Unix(), 10)},
			":expiresAt": s.expiresAt(),
		},
	})
	if err != nil {
		return fmt.Errorf("put job %s/%s: %w", sessionID, j.ID, err)
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("jobId", j.ID).
		Str("status", string(j.Status)).
		Msg("Job record persisted")
	return nil
}

// DismissJob marks a job dismissed.
func (s *DynamoJobs) DismissJob(ctx context.Context, sessionID, jobID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              jobKey(sessionID, jobID),
		UpdateExpression: strPtr("SET dismissed = :dismissed, expiresAt = :expiresAt"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":dismissed": &types.AttributeValueMemberBOOL{Value: true},
			":expiresAt": s.expiresAt(),
		},
	})
	if err != nil {
		return fmt.Errorf("dismiss job %s/%s: %w", sessionID, jobID, err)
	}
	return nil
}

// ListJobs returns every unexpired job record of the session.
func (s *DynamoJobs) ListJobs(ctx context.Context, sessionID string) ([]jobs.Job, error) {
	pk := pkSession + sessionID
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: strPtr("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
			":sk": &types.AttributeValueMemberS{Value: skJob},
		},
		ConsistentRead: boolPtr(true),
	}

	now := s.now().Unix()
	var out []jobs.Job
	// DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skJob, err)
		}
		for _, raw := range result.Items {
			var item jobItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshal job item: %w", err)
			}
			// A dismissal can land before the first write of the job.
			if item.Job == "" || (item.ExpiresAt > 0 && item.ExpiresAt < now) {
				continue
			}
			var j jobs.Job
			if err := json.Unmarshal([]byte(item.Job), &j); err != nil {
				log.Warn().Err(err).Str("sessionId", sessionID).Msg("Skipping undecodable job record")
				continue
			}
			j.Dismissed = j.Dismissed || item.Dismissed
			out = append(out, j)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	log.Debug().Str("sessionId", sessionID).Int("jobs", len(out)).Msg("Job records listed")
	return out, nil
}

func strPtr(s string) *string { return &s }
