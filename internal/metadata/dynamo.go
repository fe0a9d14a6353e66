// Package metadata persists face records in DynamoDB, keyed by
// (eventId, faceId).
package metadata

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/face-index-pipeline/pkg/pipeline"
)

// Attribute names of the face table
const (
	AttrEventID = "eventId"
	AttrFaceID  = "faceId"
)

// DynamoAPI is the subset of the DynamoDB client used here
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Key is the primary key of one item
type Key map[string]ddbtypes.AttributeValue

// String renders the key as name=value pairs sorted by attribute name
func (k Key) String() string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+attributeString(k[name]))
	}
	return strings.Join(parts, ",")
}

func attributeString(av ddbtypes.AttributeValue) string {
	switch v := av.(type) {
	case *ddbtypes.AttributeValueMemberS:
		return v.Value
	case *ddbtypes.AttributeValueMemberN:
		return v.Value
	case *ddbtypes.AttributeValueMemberB:
		return base64.StdEncoding.EncodeToString(v.Value)
	default:
		return fmt.Sprintf("%T", av)
	}
}

// FaceKey builds the primary key of a face record
func FaceKey(eventID, faceID string) Key {
	return Key{
		AttrEventID: &ddbtypes.AttributeValueMemberS{Value: eventID},
		AttrFaceID:  &ddbtypes.AttributeValueMemberS{Value: faceID},
	}
}

type faceItem struct {
	EventID         string          `dynamodbav:"eventId"`
	FaceID          string          `dynamodbav:"faceId"`
	ImageLocator    string          `dynamodbav:"imageLocator"`
	ExternalImageID string          `dynamodbav:"externalImageId,omitempty"`
	BoundingBox     boundingBoxItem `dynamodbav:"boundingBox"`
	Confidence      float64         `dynamodbav:"confidence"`
	IndexedAt       string          `dynamodbav:"indexedAt,omitempty"`
}

type boundingBoxItem struct {
	Left   float64 `dynamodbav:"left"`
	Top    float64 `dynamodbav:"top"`
	Width  float64 `dynamodbav:"width"`
	Height float64 `dynamodbav:"height"`
}

func toItem(rec pipeline.FaceRecord) faceItem {
	return faceItem{
		EventID:         rec.EventID,
		FaceID:          rec.FaceID,
		ImageLocator:    rec.ImageLocator,
		ExternalImageID: rec.ExternalImageID,
		BoundingBox: boundingBoxItem{
			Left:   rec.BoundingBox.Left,
			Top:    rec.BoundingBox.Top,
			Width:  rec.BoundingBox.Width,
			Height: rec.BoundingBox.Height,
		},
		Confidence: rec.Confidence,
		IndexedAt:  rec.IndexedAt,
	}
}

func (it faceItem) record() pipeline.FaceRecord {
	return pipeline.FaceRecord{
		EventID:         it.EventID,
		FaceID:          it.FaceID,
		ImageLocator:    it.ImageLocator,
		ExternalImageID: it.ExternalImageID,
		BoundingBox: pipeline.BoundingBox{
			Left:   it.BoundingBox.Left,
			Top:    it.BoundingBox.Top,
			Width:  it.BoundingBox.Width,
			Height: it.BoundingBox.Height,
		},
		Confidence: it.Confidence,
		IndexedAt:  it.IndexedAt,
	}
}

// DynamoStore reads and writes face records. Scan, BatchDelete and
// KeyAttributes take a table name so maintenance can run on any table.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStore(client DynamoAPI, faceTable string) *DynamoStore {
	return &DynamoStore{client: client, table: faceTable}
}

// Table returns the face table name
func (s *DynamoStore) Table() string {
	return s.table
}

// PutFace writes one face record. Writing the same (eventId, faceId) again
// overwrites the earlier item.
func (s *DynamoStore) PutFace(ctx context.Context, rec pipeline.FaceRecord) error {
	if rec.EventID == "" || rec.FaceID == "" {
		return fmt.Errorf("face record needs eventId and faceId")
	}

	item, err := attributevalue.MarshalMap(toItem(rec))
	if err != nil {
		return fmt.Errorf("failed to marshal face record: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to put face %s/%s: %w", rec.EventID, rec.FaceID, err)
	}
	return nil
}

// QueryByEvent returns every face record of an event
func (s *DynamoStore) QueryByEvent(ctx context.Context, eventID string) ([]pipeline.FaceRecord, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#e = :e"),
		ExpressionAttributeNames: map[string]string{
			"#e": AttrEventID,
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":e": &ddbtypes.AttributeValueMemberS{Value: eventID},
		},
	})

	var records []pipeline.FaceRecord
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query faces of event %s: %w", eventID, err)
		}
		var items []faceItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal face records: %w", err)
		}
		for _, it := range items {
			records = append(records, it.record())
		}
	}
	return records, nil
}

// ScanRequest describes one scan page
type ScanRequest struct {
	Table          string
	Projection     []string
	ConsistentRead bool
	StartKey       Key
}

// ScanPage is one page of scanned items; NextKey is nil on the last page
type ScanPage struct {
	Items   []Key
	NextKey Key
}

// Scan reads one page. With a projection only those attributes are returned.
func (s *DynamoStore) Scan(ctx context.Context, req ScanRequest) (ScanPage, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(req.Table),
		ConsistentRead: aws.Bool(req.ConsistentRead),
	}
	if len(req.StartKey) > 0 {
		input.ExclusiveStartKey = req.StartKey
	}
	if len(req.Projection) > 0 {
		names := make(map[string]string, len(req.Projection))
		refs := make([]string, 0, len(req.Projection))
		for i, attr := range req.Projection {
			ref := fmt.Sprintf("#k%d", i)
			names[ref] = attr
			refs = append(refs, ref)
		}
		input.ProjectionExpression = aws.String(strings.Join(refs, ", "))
		input.ExpressionAttributeNames = names
	}

	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return ScanPage{}, fmt.Errorf("failed to scan %s: %w", req.Table, err)
	}

	page := ScanPage{Items: make([]Key, 0, len(out.Items))}
	for _, item := range out.Items {
		page.Items = append(page.Items, Key(item))
	}
	if len(out.LastEvaluatedKey) > 0 {
		page.NextKey = out.LastEvaluatedKey
	}
	return page, nil
}

// BatchDelete issues one BatchWriteItem of delete requests (at most 25 keys)
// and returns the keys the store left unprocessed.
func (s *DynamoStore) BatchDelete(ctx context.Context, table string, keys []Key) ([]Key, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	requests := make([]ddbtypes.WriteRequest, 0, len(keys))
	for _, k := range keys {
		requests = append(requests, ddbtypes.WriteRequest{
			DeleteRequest: &ddbtypes.DeleteRequest{Key: k},
		})
	}

	out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]ddbtypes.WriteRequest{table: requests},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to batch delete from %s: %w", table, err)
	}

	var unprocessed []Key
	for _, req := range out.UnprocessedItems[table] {
		if req.DeleteRequest != nil {
			unprocessed = append(unprocessed, req.DeleteRequest.Key)
		}
	}
	return unprocessed, nil
}

// KeyAttributes returns the names of the table's key attributes
func (s *DynamoStore) KeyAttributes(ctx context.Context, table string) ([]string, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	if out.Table == nil || len(out.Table.KeySchema) == 0 {
		return nil, fmt.Errorf("table %s has no key schema", table)
	}

	attrs := make([]string, 0, len(out.Table.KeySchema))
	for _, ks := range out.Table.KeySchema {
		attrs = append(attrs, aws.ToString(ks.AttributeName))
	}
	return attrs, nil
}

// IsThroughputExceeded reports whether err is a throttling response that is
// worth retrying after a delay.
func IsThroughputExceeded(err error) bool {
	if err == nil {
		return false
	}
	var pte *ddbtypes.ProvisionedThroughputExceededException
	if errors.As(err, &pte) {
		return true
	}
	var rle *ddbtypes.RequestLimitExceeded
	if errors.As(err, &rle) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "RequestLimitExceeded":
			return true
		}
	}
	return false
}
