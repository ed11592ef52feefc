package dynamo

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gofrs/uuid/v5"

	"github.com/xvanov/collabcanvas-sub002/models"
	"github.com/xvanov/collabcanvas-sub002/store"
)

// A scene partition should stay well under this, but cap the load anyway.
const maxSceneItems = 5000

type DynamoSceneStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSceneStore(ctx context.Context, devMode bool, dynamodbEndpoint string, tableName string) (*DynamoSceneStore, error) {
	client, err := newDynamoDBClient(ctx, devMode, dynamodbEndpoint)
	if err != nil {
		return nil, err
	}

	tables, err := client.ListTables(ctx, &dynamodb.ListTablesInput{})
	if err != nil {
		return nil, err
	}
	if !slices.Contains(tables.TableNames, tableName) {
		return nil, fmt.Errorf("given table name '%s' not found in dynamodb", tableName)
	}

	return &DynamoSceneStore{client: client, tableName: tableName}, nil
}

// GetScene loads every shape and layer of a document with a single query on
// the scene partition, splitting items by SK prefix.
func (s *DynamoSceneStore) GetScene(ctx context.Context, docId string) ([]models.Shape, []models.Layer, error) {
	raw, err := queryRawByPK(ctx, s, shapePK(docId), true, maxSceneItems)
	if err != nil {
		return nil, nil, err
	}

	var shapes []models.Shape
	var layers []models.Layer
	for _, item := range raw {
		skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}

		switch {
		case strings.HasPrefix(skAttr.Value, "SHAPE#"):
			var ds dynamoShape
			if err := attributevalue.UnmarshalMap(item, &ds); err != nil {
				return nil, nil, fmt.Errorf("failed to unmarshal shape item: %w", err)
			}
			shapes = append(shapes, shapeFromDynamo(ds))
		case strings.HasPrefix(skAttr.Value, "LAYER#"):
			var dl dynamoLayer
			if err := attributevalue.UnmarshalMap(item, &dl); err != nil {
				return nil, nil, fmt.Errorf("failed to unmarshal layer item: %w", err)
			}
			layers = append(layers, layerFromDynamo(dl))
		}
	}

	return shapes, layers, nil
}

func (s *DynamoSceneStore) PutShape(ctx context.Context, docId string, shape models.Shape) error {
	return putItem(ctx, s, shapeToDynamo(docId, shape))
}

// UpdateShapePosition writes only position and edit stamps so a drag can
// never overwrite a concurrent property edit on the same shape.
func (s *DynamoSceneStore) UpdateShapePosition(ctx context.Context, docId string, shapeId string, pos store.PositionUpdate) error {
	ds := dynamoShape{
		PK:              shapePK(docId),
		SK:              shapeSK(shapeId),
		X:               pos.X,
		Y:               pos.Y,
		UpdatedAt:       pos.UpdatedAt,
		UpdatedBy:       pos.UpdatedBy,
		ClientUpdatedAt: pos.ClientUpdatedAt,
	}

	_, err := updateItemFields(ctx, s, ds, []string{"X", "Y", "UpdatedAt", "UpdatedBy", "ClientUpdatedAt"})
	return err
}

func (s *DynamoSceneStore) DeleteShape(ctx context.Context, docId string, shapeId string) error {
	return deleteItem(ctx, s, shapePK(docId), shapeSK(shapeId))
}

func (s *DynamoSceneStore) PutLayer(ctx context.Context, docId string, layer models.Layer) error {
	return putItem(ctx, s, layerToDynamo(docId, layer))
}

func (s *DynamoSceneStore) DeleteLayer(ctx context.Context, docId string, layerId string) error {
	return deleteItem(ctx, s, shapePK(docId), layerSK(layerId))
}

// EnsureActor creates the actor profile on first login and returns the stored
// profile on every later one.
func (s *DynamoSceneStore) EnsureActor(ctx context.Context, actor models.Actor) (models.Actor, error) {
	if actor.Id == "" {
		actorId, err := uuid.NewV7()
		if err != nil {
			return models.Actor{}, err
		}
		actor.Id = actorId.String()
	}
	if actor.CreatedAt == 0 {
		actor.CreatedAt = time.Now().UnixMilli()
	}

	da, _, err := ensureItem(ctx, s, actorToDynamo(actor))
	if err != nil {
		return models.Actor{}, err
	}

	return actorFromDynamo(da), nil
}

func (s *DynamoSceneStore) GetActor(ctx context.Context, provider string, providerId string) (models.Actor, error) {
	da, err := getItem[dynamoActor](ctx, s, actorPK(provider, providerId), "PROFILE", false)
	if err != nil {
		return models.Actor{}, err
	}

	return actorFromDynamo(da), nil
}

func (s *DynamoSceneStore) WriteAuditBatch(ctx context.Context, records []models.AuditRecord) ([]models.AuditRecord, error) {
	var writeRequests []types.WriteRequest
	for _, record := range records {
		avMap, err := attributevalue.MarshalMap(auditToDynamo(record))
		if err != nil {
			return nil, fmt.Errorf("marshal error: %w", err)
		}

		writeRequests = append(writeRequests, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: avMap,
			},
		})
	}

	unprocessed, err := writeBatchRequests[dynamoAudit](ctx, s, writeRequests)

	unbatched := make([]models.AuditRecord, 0, len(unprocessed))
	for _, u := range unprocessed {
		unbatched = append(unbatched, auditFromDynamo(u))
	}

	return unbatched, err
}

// GetAuditRecords returns the newest records first.
func (s *DynamoSceneStore) GetAuditRecords(ctx context.Context, docId string, limit int32) ([]models.AuditRecord, error) {
	das, err := queryAllByPK[dynamoAudit](ctx, s, auditPK(docId), false, limit)
	if err != nil {
		return nil, err
	}

	records := make([]models.AuditRecord, 0, len(das))
	for _, da := range das {
		records = append(records, auditFromDynamo(da))
	}

	return records, nil
}

func (s *DynamoSceneStore) Ping(ctx context.Context) error {
	_, err := s.client.ListTables(ctx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)})
	return err
}
