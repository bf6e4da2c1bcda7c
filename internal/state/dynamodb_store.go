package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

const (
	dynamoGetBatch      = 100
	dynamoWriteBatch    = 25
	dynamoMaxRetries    = 5
	dynamoRetryInterval = 50 * time.Millisecond
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// dynamoItem is the table layout: ns is the partition key, k the sort key.
type dynamoItem struct {
	Namespace string `dynamodbav:"ns"`
	Key       string `dynamodbav:"k"`
	Value     string `dynamodbav:"v"`
}

// DynamoDBStore keeps one area per partition of a DynamoDB table.
type DynamoDBStore struct {
	client    DynamoAPI
	tableName string
	namespace string
	logger    *events.Logger
}

// NewDynamoDBStore builds a client from the default AWS config chain. A
// non-empty endpoint overrides the service URL, e.g. for DynamoDB Local.
func NewDynamoDBStore(ctx context.Context, tableName, region, endpoint, namespace string, logger *events.Logger) (*DynamoDBStore, error) {
	if tableName == "" {
		return nil, fmt.Errorf("%w: dynamodb table name required", ErrInvalidDSN)
	}

	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewDynamoDBStoreWithClient(client, tableName, namespace, logger), nil
}

// NewDynamoDBStoreWithClient wraps an existing client.
func NewDynamoDBStoreWithClient(client DynamoAPI, tableName, namespace string, logger *events.Logger) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		namespace: namespace,
		logger: logger.WithFields(map[string]any{
			"component": "dynamodb_store",
			"namespace": namespace,
		}),
	}
}

func (s *DynamoDBStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ns": &types.AttributeValueMemberS{Value: s.namespace},
		"k":  &types.AttributeValueMemberS{Value: key},
	}
}

// Get reads keys in BatchGetItem chunks, retrying unprocessed keys.
func (s *DynamoDBStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(keys))

	for _, chunk := range chunkKeys(dedupe(keys), dynamoGetBatch) {
		reqKeys := make([]map[string]types.AttributeValue, 0, len(chunk))
		for _, k := range chunk {
			reqKeys = append(reqKeys, s.itemKey(k))
		}
		request := map[string]types.KeysAndAttributes{
			s.tableName: {Keys: reqKeys, ConsistentRead: aws.Bool(true)},
		}

		for attempt := 0; len(request) > 0; attempt++ {
			if attempt > dynamoMaxRetries {
				return nil, transient("get", firstKey(keys), fmt.Errorf("unprocessed keys after %d attempts", attempt))
			}
			if attempt > 0 {
				if err := sleepCtx(ctx, dynamoRetryInterval*time.Duration(attempt)); err != nil {
					return nil, transient("get", firstKey(keys), err)
				}
			}

			resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, transient("get", firstKey(keys), fmt.Errorf("dynamodb batch get: %w", err))
			}

			var items []dynamoItem
			if err := attributevalue.UnmarshalListOfMaps(resp.Responses[s.tableName], &items); err != nil {
				return nil, transient("get", firstKey(keys), fmt.Errorf("unmarshal items: %w", err))
			}
			for _, item := range items {
				out[item.Key] = json.RawMessage(item.Value)
			}
			request = resp.UnprocessedKeys
		}
	}

	return out, nil
}

// GetAll queries the whole namespace partition.
func (s *DynamoDBStore) GetAll(ctx context.Context) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("#ns = :ns"),
		ExpressionAttributeNames: map[string]string{
			"#ns": "ns",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ns": &types.AttributeValueMemberS{Value: s.namespace},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, transient("get_all", "", fmt.Errorf("dynamodb query: %w", err))
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, transient("get_all", "", fmt.Errorf("unmarshal items: %w", err))
		}
		for _, item := range items {
			out[item.Key] = json.RawMessage(item.Value)
		}
	}

	return out, nil
}

// Set writes entries in BatchWriteItem chunks. A failure part way leaves
// earlier chunks written; callers treat the write as failed and retry.
func (s *DynamoDBStore) Set(ctx context.Context, entries map[string]json.RawMessage) error {
	requests := make([]types.WriteRequest, 0, len(entries))
	for _, key := range entryKeys(entries) {
		item, err := attributevalue.MarshalMap(dynamoItem{
			Namespace: s.namespace,
			Key:       key,
			Value:     string(entries[key]),
		})
		if err != nil {
			return transient("set", key, fmt.Errorf("marshal item: %w", err))
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := s.batchWrite(ctx, requests); err != nil {
		return transient("set", firstKey(entryKeys(entries)), err)
	}
	return nil
}

// Remove deletes keys in BatchWriteItem chunks.
func (s *DynamoDBStore) Remove(ctx context.Context, keys ...string) error {
	keys = dedupe(keys)
	requests := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: s.itemKey(key)}})
	}
	if err := s.batchWrite(ctx, requests); err != nil {
		return transient("remove", firstKey(keys), err)
	}
	return nil
}

func (s *DynamoDBStore) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += dynamoWriteBatch {
		end := start + dynamoWriteBatch
		if end > len(requests) {
			end = len(requests)
		}
		pending := map[string][]types.WriteRequest{s.tableName: requests[start:end]}

		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > dynamoMaxRetries {
				return fmt.Errorf("unprocessed writes after %d attempts", attempt)
			}
			if attempt > 0 {
				if err := sleepCtx(ctx, dynamoRetryInterval*time.Duration(attempt)); err != nil {
					return err
				}
			}

			resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("dynamodb batch write: %w", err)
			}
			pending = resp.UnprocessedItems
		}
	}
	return nil
}

// BytesInUse sums EntrySize over keys or the namespace.
func (s *DynamoDBStore) BytesInUse(ctx context.Context, keys ...string) (int64, error) {
	var (
		values map[string]json.RawMessage
		err    error
	)
	if len(keys) == 0 {
		values, err = s.GetAll(ctx)
	} else {
		values, err = s.Get(ctx, keys...)
	}
	if err != nil {
		return 0, err
	}
	var total int64
	for k, v := range values {
		total += EntrySize(k, v)
	}
	return total, nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *DynamoDBStore) Close() error {
	return nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
