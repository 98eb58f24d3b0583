// Package dynamo reads the pose history from and writes joined items to DynamoDB tables, the stores
// the measurement change stream originates from.
package dynamo

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/c360/backtrack/attribute"
	"github.com/c360/backtrack/decoder"
	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/schema"
	"github.com/c360/backtrack/storage"
	"github.com/c360/backtrack/types"
)

// Config selects the AWS region and an optional endpoint override for local DynamoDB.
type Config struct {
	Region         string `json:"region"          yaml:"region"          env:"REGION"`
	Endpoint       string `json:"endpoint"        yaml:"endpoint"        env:"ENDPOINT"`
	ConsistentRead bool   `json:"consistent_read" yaml:"consistent_read" env:"CONSISTENT_READ"`
	PageSize       int32  `json:"page_size"       yaml:"page_size"       env:"PAGE_SIZE"`
}

// DefaultConfig reads strongly consistent pages of up to 100 poses.
func DefaultConfig() Config {
	return Config{ConsistentRead: true, PageSize: 100}
}

// API is the subset of *dynamodb.Client the store calls.
type API interface {
	dynamodb.QueryAPIClient
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Store implements storage.Backend against two DynamoDB tables.
type Store struct {
	api    API
	cfg    Config
	schema schema.Schema
	logger *slog.Logger
	closed atomic.Bool
}

var _ storage.Backend = (*Store)(nil)

// NewClient builds a DynamoDB client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "dynamo", "NewClient", "load AWS config")
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// New creates a store over api.
func New(api API, cfg Config, s schema.Schema, logger *slog.Logger) (*Store, error) {
	if api == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "dynamo", "New", "client is required")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{api: api, cfg: cfg, schema: s, logger: logger.With("component", "dynamo")}, nil
}

// PosesInWindow queries the pose table on (device, timestamp BETWEEN from AND to), following
// pagination until the result is complete.
func (s *Store) PosesInWindow(ctx context.Context, deviceID string, from, to int64) ([]types.PoseRecord, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	attrs := s.schema.Attributes

	values, err := attributevalue.MarshalMap(map[string]any{
		":device": deviceID,
		":from":   from,
		":to":     to,
	})
	if err != nil {
		return nil, errors.WrapInvalid(err, "dynamo", "PosesInWindow", "marshal key values")
	}

	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.schema.Tables.Poses),
		KeyConditionExpression: aws.String("#device = :device AND #ts BETWEEN :from AND :to"),
		ExpressionAttributeNames: map[string]string{
			"#device": attrs.DeviceID,
			"#ts":     attrs.Timestamp,
		},
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(s.cfg.ConsistentRead),
	}
	if s.cfg.PageSize > 0 {
		input.Limit = aws.Int32(s.cfg.PageSize)
	}

	out := make([]types.PoseRecord, 0)
	pages := dynamodb.NewQueryPaginator(s.api, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, s.classify(err, "PosesInWindow", fmt.Sprintf("query poses of %s", deviceID))
		}
		for _, item := range page.Items {
			image, err := FromItem(item)
			if err != nil {
				return nil, errors.WrapInvalid(err, "dynamo", "PosesInWindow", "convert pose item")
			}
			rec, err := decoder.DecodePoseRecord(image, attrs)
			if err != nil {
				return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
					"dynamo", "PosesInWindow", "decode pose item")
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// PutPose writes a pose item.
func (s *Store) PutPose(ctx context.Context, rec types.PoseRecord) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.put(ctx, "PutPose", s.schema.Tables.Poses, decoder.EncodePoseRecord(rec, s.schema.Attributes))
}

// Save writes a joined item; DynamoDB PutItem overwrites an item with the same key.
func (s *Store) Save(ctx context.Context, item types.IntermediateLocationItem) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.put(ctx, "Save", s.schema.Tables.Locations, decoder.EncodeLocationItem(item, s.schema.Attributes))
}

func (s *Store) put(ctx context.Context, method, table string, image attribute.Map) error {
	item, err := ToItem(image)
	if err != nil {
		return errors.WrapInvalid(err, "dynamo", method, "convert item")
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		return s.classify(err, method, fmt.Sprintf("put item into %s", table))
	}
	return nil
}

// Location reads a joined item with a consistent GetItem.
func (s *Store) Location(ctx context.Context, deviceID, epc string) (types.IntermediateLocationItem, error) {
	if s.closed.Load() {
		return types.IntermediateLocationItem{}, storage.ErrClosed
	}
	attrs := s.schema.Attributes

	key, err := attributevalue.MarshalMap(map[string]string{
		attrs.DeviceID: deviceID,
		attrs.EPC:      epc,
	})
	if err != nil {
		return types.IntermediateLocationItem{}, errors.WrapInvalid(err, "dynamo", "Location", "marshal key")
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.schema.Tables.Locations),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return types.IntermediateLocationItem{}, s.classify(err, "Location", "get item")
	}
	if len(out.Item) == 0 {
		return types.IntermediateLocationItem{}, fmt.Errorf("location %s/%s: %w", deviceID, epc, errors.ErrKeyNotFound)
	}

	image, err := FromItem(out.Item)
	if err != nil {
		return types.IntermediateLocationItem{}, errors.WrapInvalid(err, "dynamo", "Location", "convert item")
	}
	return decoder.DecodeLocationItem(image, attrs)
}

// classify marks throttling, server and network failures transient and request validation failures
// invalid.
func (s *Store) classify(err error, method, action string) error {
	var notFound *ddbtypes.ResourceNotFoundException
	if stderrors.As(err, &notFound) {
		return errors.WrapFatal(err, "dynamo", method, action)
	}
	var conditional *ddbtypes.ConditionalCheckFailedException
	if stderrors.As(err, &conditional) {
		return errors.WrapInvalid(err, "dynamo", method, action)
	}
	return errors.WrapTransient(err, "dynamo", method, action)
}

// Close marks the store closed. The SDK client has nothing to release.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
