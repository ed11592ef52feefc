package dynamo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/xvanov/collabcanvas-sub002/store"
)

func newDynamoDBClient(ctx context.Context, devMode bool, endpoint string) (*dynamodb.Client, error) {
	if !devMode {
		// Task role and regular AWS endpoints
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		return dynamodb.NewFromConfig(cfg), nil
	}

	// dynamodb-local wants a fixed region and any static credentials
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
		),
	)
	if err != nil {
		return nil, err
	}

	return dynamodb.New(dynamodb.Options{
		Credentials:      cfg.Credentials,
		Region:           cfg.Region,
		EndpointResolver: dynamodb.EndpointResolverFromURL(endpoint),
	}), nil
}

func itemKey(pk string, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// marshalKeyed marshals an item and verifies it carries its own PK and SK.
func marshalKeyed[T any](item T) (map[string]types.AttributeValue, error) {
	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal error: %w", err)
	}
	for _, attr := range []string{"PK", "SK"} {
		if _, ok := avMap[attr]; !ok {
			return nil, fmt.Errorf("struct missing %s field", attr)
		}
	}
	return avMap, nil
}

func getItem[T any](ctx context.Context, s *DynamoSceneStore, pk string, sk string, consistentRead bool) (T, error) {
	var zero T

	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(consistentRead),
	})
	if err != nil {
		return zero, fmt.Errorf("GetItem failed: %w", err)
	}
	if resp.Item == nil {
		return zero, store.ErrItemNotFound
	}

	var item T
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return zero, fmt.Errorf("failed to unmarshal item: %w", err)
	}

	return item, nil
}

// putItem writes an item unconditionally (upsert semantics).
func putItem[T any](ctx context.Context, s *DynamoSceneStore, item T) error {
	avMap, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      avMap,
	}); err != nil {
		return fmt.Errorf("failed to put item: %w", err)
	}

	return nil
}

// ensureItem inserts an item unless its PK+SK is already taken. When it is,
// the stored copy wins and comes back with false.
func ensureItem[T any](ctx context.Context, s *DynamoSceneStore, item T) (T, bool, error) {
	var zero T

	avMap, err := marshalKeyed(item)
	if err != nil {
		return zero, false, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                avMap,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err == nil {
		return item, true, nil
	}

	var cce *types.ConditionalCheckFailedException
	if !errors.As(err, &cce) {
		return zero, false, fmt.Errorf("failed to put item: %w", err)
	}

	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       map[string]types.AttributeValue{"PK": avMap["PK"], "SK": avMap["SK"]},
	})
	if err != nil {
		return zero, false, fmt.Errorf("failed to get existing item: %w", err)
	}
	if resp.Item == nil {
		return zero, false, errors.New("item supposedly exists but GetItem returned nothing")
	}

	var existing T
	if err := attributevalue.UnmarshalMap(resp.Item, &existing); err != nil {
		return zero, false, fmt.Errorf("failed to unmarshal existing item: %w", err)
	}

	return existing, false, nil
}

// queryAllByPK returns all items of type T with the given PK, ordered by SK,
// with an optional global limit.
func queryAllByPK[T any](ctx context.Context, s *DynamoSceneStore, pk string, scanIndexForward bool, limit int32) ([]T, error) {
	raw, err := queryRawByPK(ctx, s, pk, scanIndexForward, limit)
	if err != nil {
		return nil, err
	}

	var results []T
	if err := attributevalue.UnmarshalListOfMaps(raw, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal page items: %w", err)
	}

	return results, nil
}

// queryRawByPK returns unmarshalled attribute maps so callers owning a mixed
// partition (shapes and layers share SCENE#) can dispatch on the SK prefix.
func queryRawByPK(ctx context.Context, s *DynamoSceneStore, pk string, scanIndexForward bool, limit int32) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ScanIndexForward: aws.Bool(scanIndexForward),
	}

	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	// dynamodb applies Limit per page, so the global limit is enforced here
	var results []map[string]types.AttributeValue
	paginator := dynamodb.NewQueryPaginator(s.client, input)

	for paginator.HasMorePages() {
		if limit > 0 && len(results) >= int(limit) {
			break
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		results = append(results, page.Items...)
	}

	if limit > 0 && len(results) > int(limit) {
		results = results[:limit]
	}

	return results, nil
}

// writeBatchRequests retries unprocessed writes with doubling backoff until
// the batch drains or ctx ends. Whatever is still unprocessed comes back as
// []T so the caller can requeue it.
func writeBatchRequests[T any](ctx context.Context, s *DynamoSceneStore, requests []types.WriteRequest) ([]T, error) {
	backoff := 50 * time.Millisecond

	for len(requests) > 0 {
		resp, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{
				s.tableName: requests,
			},
		})
		if err != nil {
			return unmarshalRequests[T](requests), fmt.Errorf("BatchWriteItem failed: %w", err)
		}

		requests = resp.UnprocessedItems[s.tableName]
		if len(requests) == 0 {
			break
		}

		if err := sleepCtx(ctx, backoff); err != nil {
			return unmarshalRequests[T](requests), err
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}

	return nil, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func unmarshalRequests[T any](reqs []types.WriteRequest) []T {
	out := make([]T, 0, len(reqs))
	for _, wr := range reqs {
		var av map[string]types.AttributeValue
		switch {
		case wr.PutRequest != nil:
			av = wr.PutRequest.Item
		case wr.DeleteRequest != nil:
			// Deletes carry only the key attributes
			av = wr.DeleteRequest.Key
		default:
			continue
		}

		var item T
		if err := attributevalue.UnmarshalMap(av, &item); err == nil {
			out = append(out, item)
		}
	}
	return out
}

// deleteItem removes an item by PK and SK. Deleting a missing item is not an
// error, which keeps offline-queue replays idempotent.
func deleteItem(ctx context.Context, s *DynamoSceneStore, pk string, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pk, sk),
	})
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}

	return nil
}

// updateItemFields rewrites only the named attributes of an existing item and
// returns the stored result. A missing item maps to ErrItemNotFound.
func updateItemFields[T any](ctx context.Context, s *DynamoSceneStore, item T, fields []string) (T, error) {
	var zero T

	avMap, err := marshalKeyed(item)
	if err != nil {
		return zero, err
	}

	names := make(map[string]string)
	values := make(map[string]types.AttributeValue)
	var sets []string

	for _, field := range fields {
		// Keys are never rewritten
		if field == "PK" || field == "SK" {
			continue
		}
		val, ok := avMap[field]
		if !ok {
			continue
		}

		sets = append(sets, fmt.Sprintf("#%s = :%s", field, field))
		names["#"+field] = field
		values[":"+field] = val
	}
	if len(sets) == 0 {
		return zero, errors.New("no updatable fields given")
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       map[string]types.AttributeValue{"PK": avMap["PK"], "SK": avMap["SK"]},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(PK) AND attribute_exists(SK)"),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return zero, store.ErrItemNotFound
		}
		return zero, fmt.Errorf("update failed: %w", err)
	}

	var updated T
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return zero, fmt.Errorf("failed to unmarshal updated item: %w", err)
	}

	return updated, nil
}
