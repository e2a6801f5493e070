// Package dynamodb provides a CursorStore backed by an Amazon DynamoDB table.
//
// The table is keyed by a string partition key named "stream_id". Each item
// holds the JSON encoding of the stream's cursor state, the same document
// the file store writes, so snapshots move between backends unchanged.
// A PutItem replaces the whole item, so readers see either the previous or
// the new state of a stream.
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/custodia-labs/ingestd/internal/core/domain"
	"github.com/custodia-labs/ingestd/internal/core/ports/driven"
)

// streamIDAttributeKey is the table's partition key.
const streamIDAttributeKey = "stream_id"

// Client captures the methods of interest from the DynamoDB API.
type Client interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config selects the table and how to reach it.
type Config struct {
	Table     string `toml:"table" validate:"required"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint" validate:"omitempty,url"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// item is the stored form of a cursor.
type item struct {
	StreamID  string `dynamodbav:"stream_id"`
	State     string `dynamodbav:"state"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

// CursorStore implements driven.CursorStore on a DynamoDB table.
type CursorStore struct {
	client   Client
	table    string
	capacity int
	now      func() time.Time
}

// Ensure CursorStore implements the interface.
var _ driven.CursorStore = (*CursorStore)(nil)

// Option configures a CursorStore.
type Option func(*CursorStore)

// WithRecentIDsCapacity sets the dedup cache capacity of loaded states.
func WithRecentIDsCapacity(n int) Option {
	return func(s *CursorStore) { s.capacity = n }
}

// WithClock substitutes the clock used for updated_at and compaction.
func WithClock(now func() time.Time) Option {
	return func(s *CursorStore) { s.now = now }
}

// New loads the AWS configuration from the environment, applies the
// overrides in cfg and returns a store for cfg.Table.
func New(ctx context.Context, cfg Config, opts ...Option) (*CursorStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table: %w", domain.ErrInvalidInput)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Table, opts...), nil
}

// NewWithClient returns a store using an existing client.
func NewWithClient(client Client, table string, opts ...Option) *CursorStore {
	s := &CursorStore{
		client:   client,
		table:    table,
		capacity: domain.DefaultRecentIDsCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stream's state, or a fresh state if no item exists.
// An undecodable item is reported with ErrCursorCorrupt alongside a fresh
// state; the item is left in place until the next snapshot replaces it.
func (s *CursorStore) Load(ctx context.Context, streamID string) (*domain.CursorState, error) {
	if streamID == "" {
		return nil, fmt.Errorf("stream id: %w", domain.ErrInvalidInput)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            key(streamID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, handleClientError("get cursor", err)
	}
	if len(out.Item) == 0 {
		return domain.NewCursorState(streamID, s.capacity), nil
	}

	state, decodeErr := s.decode(streamID, out.Item)
	if decodeErr != nil {
		return domain.NewCursorState(streamID, s.capacity),
			fmt.Errorf("cursor %s: %w: %v", streamID, domain.ErrCursorCorrupt, decodeErr)
	}
	return state, nil
}

func (s *CursorStore) decode(streamID string, av map[string]types.AttributeValue) (*domain.CursorState, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		return nil, err
	}
	state := &domain.CursorState{RecentIDs: domain.NewRecentIDs(s.capacity)}
	if err := json.Unmarshal([]byte(it.State), state); err != nil {
		return nil, err
	}
	if state.StreamID != streamID {
		return nil, fmt.Errorf("item holds stream %q", state.StreamID)
	}
	state.EnsureRecentIDs(s.capacity)
	return state, nil
}

// Snapshot replaces the stream's item.
func (s *CursorStore) Snapshot(ctx context.Context, state *domain.CursorState) error {
	if state == nil || state.StreamID == "" {
		return domain.ErrInvalidInput
	}
	state.EnsureRecentIDs(s.capacity)
	state.UpdatedAt = s.now().UTC()

	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling cursor: %w", err)
	}
	av, err := attributevalue.MarshalMap(item{
		StreamID:  state.StreamID,
		State:     string(doc),
		UpdatedAt: state.UpdatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshalling item: %w", err)
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return handleClientError("put cursor", err)
	}
	return nil
}

// Compact trims a stored dedup cache in place.
func (s *CursorStore) Compact(ctx context.Context, streamID string, capacity int, ttl time.Duration) error {
	state, err := s.Load(ctx, streamID)
	if err != nil {
		return err
	}
	if state.Compact(capacity, ttl, s.now()) == 0 {
		return nil
	}
	return s.Snapshot(ctx, state)
}

// List scans the table and returns every state ordered by stream id.
// Undecodable items are reported as fresh states carrying a last error.
func (s *CursorStore) List(ctx context.Context) ([]*domain.CursorState, error) {
	var states []*domain.CursorState

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{TableName: aws.String(s.table)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, handleClientError("scan cursors", err)
		}
		for _, av := range page.Items {
			var it item
			if err := attributevalue.UnmarshalMap(av, &it); err != nil || it.StreamID == "" {
				continue
			}
			state, decodeErr := s.decode(it.StreamID, av)
			if decodeErr != nil {
				state = domain.NewCursorState(it.StreamID, s.capacity)
				state.RecordError(fmt.Errorf("%w: %v", domain.ErrCursorCorrupt, decodeErr), s.now())
			}
			states = append(states, state)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].StreamID < states[j].StreamID })
	return states, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *CursorStore) Close() error {
	return nil
}

func key(streamID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		streamIDAttributeKey: &types.AttributeValueMemberS{Value: streamID},
	}
}

// handleClientError classifies SDK failures. A missing table cannot heal on
// its own; everything else, throttling included, is retried.
func handleClientError(op string, err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return domain.FatalConfig(op, err)
	}
	var throttled *types.ProvisionedThroughputExceededException
	if errors.As(err, &throttled) {
		return domain.RateLimited(op, time.Second, err)
	}
	return domain.Transient(op, err)
}
