package dynamodb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/ingestd/internal/core/domain"
)

type mockClient struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	err    error
	puts   int
	tables []string
}

func newMockClient() *mockClient {
	return &mockClient{items: make(map[string]map[string]types.AttributeValue)}
}

func (m *mockClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = append(m.tables, aws.ToString(in.TableName))
	if m.err != nil {
		return nil, m.err
	}
	id := in.Key[streamIDAttributeKey].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: m.items[id]}, nil
}

func (m *mockClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.puts++
	id := in.Item[streamIDAttributeKey].(*types.AttributeValueMemberS).Value
	m.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockClient) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := &dynamodb.ScanOutput{}
	for _, it := range m.items {
		out.Items = append(out.Items, it)
	}
	return out, nil
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(client Client) *CursorStore {
	return NewWithClient(client, "ingestd-cursors",
		WithRecentIDsCapacity(10),
		WithClock(func() time.Time { return baseTime }))
}

func TestCursorStore_LoadMissingReturnsFreshState(t *testing.T) {
	client := newMockClient()
	s := newTestStore(client)

	state, err := s.Load(context.Background(), "okta-activity")
	require.NoError(t, err)
	assert.Equal(t, "okta-activity", state.StreamID)
	assert.True(t, state.Position.IsZero())
	assert.Equal(t, 10, state.RecentIDs.Capacity())
	assert.Equal(t, []string{"ingestd-cursors"}, client.tables)
}

func TestCursorStore_SnapshotRoundTrip(t *testing.T) {
	s := newTestStore(newMockClient())
	ctx := context.Background()

	state := domain.NewCursorState("okta-activity", 10)
	state.Position = domain.TimestampPosition(baseTime.Add(time.Microsecond))
	state.RecentIDs.Add("a", baseTime)
	state.RecentIDs.Add("b", baseTime)
	state.Counters.EventsOut = 2
	require.NoError(t, s.Snapshot(ctx, state))

	loaded, err := s.Load(ctx, "okta-activity")
	require.NoError(t, err)
	assert.True(t, loaded.Position.Equal(state.Position))
	assert.Equal(t, []string{"a", "b"}, loaded.RecentIDs.IDs())
	assert.Equal(t, uint64(2), loaded.Counters.EventsOut)
	assert.Equal(t, baseTime, loaded.UpdatedAt)
}

func TestCursorStore_CorruptItemReportedAsEmptyState(t *testing.T) {
	client := newMockClient()
	client.items["bad"] = map[string]types.AttributeValue{
		streamIDAttributeKey: &types.AttributeValueMemberS{Value: "bad"},
		"state":              &types.AttributeValueMemberS{Value: "{not json"},
	}
	s := newTestStore(client)

	state, err := s.Load(context.Background(), "bad")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCursorCorrupt)
	require.NotNil(t, state)
	assert.True(t, state.Position.IsZero())

	states, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.NotNil(t, states[0].LastError)
}

func TestCursorStore_CompactAndList(t *testing.T) {
	client := newMockClient()
	s := newTestStore(client)
	ctx := context.Background()

	for _, id := range []string{"b-stream", "a-stream"} {
		state := domain.NewCursorState(id, 10)
		state.RecentIDs.Add("old", baseTime.Add(-100*time.Hour))
		state.RecentIDs.Add("new", baseTime)
		require.NoError(t, s.Snapshot(ctx, state))
	}
	puts := client.puts

	require.NoError(t, s.Compact(ctx, "a-stream", 10, 72*time.Hour))
	assert.Equal(t, puts+1, client.puts)

	require.NoError(t, s.Compact(ctx, "a-stream", 10, 72*time.Hour))
	assert.Equal(t, puts+1, client.puts, "nothing to trim means no write")

	states, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "a-stream", states[0].StreamID)
	assert.Equal(t, []string{"new"}, states[0].RecentIDs.IDs())
	assert.Equal(t, []string{"old", "new"}, states[1].RecentIDs.IDs())
}

func TestCursorStore_ClassifiesClientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "missing table", err: &types.ResourceNotFoundException{Message: aws.String("no table")}, want: domain.KindFatalConfig},
		{name: "throttled", err: &types.ProvisionedThroughputExceededException{Message: aws.String("slow down")}, want: domain.KindRateLimited},
		{name: "network", err: errors.New("connection reset"), want: domain.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockClient()
			client.err = tt.err
			s := newTestStore(client)

			_, err := s.Load(context.Background(), "x")
			assert.Equal(t, tt.want, domain.KindOf(err))
			assert.Equal(t, tt.want, domain.KindOf(s.Snapshot(context.Background(), domain.NewCursorState("x", 10))))
		})
	}
}

func TestNew_RequiresTable(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
