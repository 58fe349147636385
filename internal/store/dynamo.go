package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix = "KV#"
	skValue  = "VALUE"
)

// DynamoAPI is the subset of the DynamoDB client used here.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoKV stores each key as one item. The table needs a string partition
// key PK, a string sort key SK, and TTL enabled on expiresAt.
type DynamoKV struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// NewDynamoKV creates a DynamoKV for the given table. A zero ttl uses DefaultTTL.
// The client should be initialized from the shared AWS config.
func NewDynamoKV(client DynamoAPI, tableName string, ttl time.Duration) *DynamoKV {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DynamoKV{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		now:       time.Now,
	}
}

// kvItem is the stored attribute set; PK, SK and expiresAt are added on write.
type kvItem struct {
	Value     string `dynamodbav:"value"`
	UpdatedAt int64  `dynamodbav:"updatedAt"`
	ExpiresAt int64  `dynamodbav:"expiresAt,omitempty"`
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pkPrefix + key},
		"SK": &types.AttributeValueMemberS{Value: skValue},
	}
}

// Get reads one value. Items past their expiry are treated as missing even
// before DynamoDB deletes them.
func (s *DynamoKV) Get(ctx context.Context, key string) (string, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            itemKey(key),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return "", false, fmt.Errorf("GetItem PK=%s%s: %w", pkPrefix, key, err)
	}
	if result.Item == nil {
		return "", false, nil
	}

	var item kvItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return "", false, fmt.Errorf("unmarshal PK=%s%s: %w", pkPrefix, key, err)
	}
	if item.ExpiresAt > 0 && item.ExpiresAt < s.now().Unix() {
		log.Debug().Str("key", key).Msg("Ignoring expired DynamoDB item")
		return "", false, nil
	}
	return item.Value, true, nil
}

// Set writes one value, replacing any previous one.
func (s *DynamoKV) Set(ctx context.Context, key, value string) error {
	now := s.now()
	item, err := attributevalue.MarshalMap(kvItem{
		Value:     value,
		UpdatedAt: now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	for k, v := range itemKey(key) {
		item[k] = v
	}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttl).Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s%s: %w", pkPrefix, key, err)
	}
	log.Debug().Str("key", key).Int("bytes", len(value)).Msg("Value written to DynamoDB")
	return nil
}

func boolPtr(b bool) *bool { return &b }
