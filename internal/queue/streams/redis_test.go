package streams

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRedis keeps one stream in memory. Unimplemented commands panic through
// the nil embedded interface.
type memRedis struct {
	redis.Cmdable

	mu        sync.Mutex
	entries   []redis.XMessage
	delivered int
	acked     []string
	groupErr  error
	groups    []redis.XInfoGroup
	pending   []redis.XPendingExt
	addArgs   []*redis.XAddArgs
}

func (m *memRedis) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addArgs = append(m.addArgs, a)
	id := fmt.Sprintf("%d-0", len(m.entries)+1)
	values, _ := a.Values.(map[string]interface{})
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}
	m.entries = append(m.entries, redis.XMessage{ID: id, Values: out})
	return redis.NewStringResult(id, nil)
}

func (m *memRedis) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delivered >= len(m.entries) {
		return redis.NewXStreamSliceCmdResult(nil, redis.Nil)
	}
	end := len(m.entries)
	if a.Count > 0 && m.delivered+int(a.Count) < end {
		end = m.delivered + int(a.Count)
	}
	msgs := append([]redis.XMessage(nil), m.entries[m.delivered:end]...)
	m.delivered = end
	return redis.NewXStreamSliceCmdResult([]redis.XStream{{Stream: a.Streams[0], Messages: msgs}}, nil)
}

func (m *memRedis) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (m *memRedis) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(append([]redis.XMessage(nil), m.entries[:m.delivered]...), "0-0")
	return cmd
}

func (m *memRedis) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", m.groupErr)
}

func (m *memRedis) XInfoGroups(ctx context.Context, key string) *redis.XInfoGroupsCmd {
	cmd := redis.NewXInfoGroupsCmd(ctx, key)
	cmd.SetVal(m.groups)
	return cmd
}

func (m *memRedis) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(m.pending)
	return cmd
}

func TestPublishAndConsumeRunRequests(t *testing.T) {
	ctx := context.Background()
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)
	rdb := &memRedis{}

	pub := NewPublisher(rdb, reg, WithMaxLenApprox(1000))
	_, err = pub.PublishRaw(ctx, "newsdesk:runs", EventRunRequested, "r1", RunRequest{RequestID: "r1", Date: "2026-10-18", Trigger: "api"})
	require.NoError(t, err)
	_, err = pub.PublishRaw(ctx, "newsdesk:runs", EventRunRequested, "r2", RunRequest{RequestID: "r2", Trigger: "schedule"})
	require.NoError(t, err)
	require.Len(t, rdb.addArgs, 2)
	assert.True(t, rdb.addArgs[0].Approx)
	assert.EqualValues(t, 1000, rdb.addArgs[0].MaxLen)

	_, err = pub.PublishRaw(ctx, "newsdesk:runs", EventRunRequested, "r3", RunRequest{RequestID: "r3", Trigger: "cron"})
	assert.Error(t, err, "schema rejects unknown trigger")
	assert.Len(t, rdb.addArgs, 2)

	consumer := NewConsumer(rdb, reg, "workers", "w1")
	msgs, err := consumer.Read(ctx, "newsdesk:runs", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var req RunRequest
	require.NoError(t, msgs[0].Envelope.Decode(&req))
	assert.Equal(t, "r1", req.RequestID)
	assert.Equal(t, "r1", msgs[0].Envelope.SessionID)

	claimed, err := consumer.AutoClaim(ctx, "newsdesk:runs", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)

	require.NoError(t, consumer.Ack(ctx, "newsdesk:runs", msgs[0].ID))
	assert.Equal(t, []string{msgs[0].ID}, rdb.acked)

	msgs, err = consumer.Read(ctx, "newsdesk:runs", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs, err = consumer.Read(ctx, "newsdesk:runs", 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConsumerAcksUndecodableEntries(t *testing.T) {
	rdb := &memRedis{entries: []redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"other": "x"}},
		{ID: "2-0", Values: map[string]interface{}{"envelope": `{"event_id":"e","event_type":"run.requested","payload_version":"v1","data":{"trigger":"bogus"}}`}},
	}}
	reg, err := NewDefaultRegistry()
	require.NoError(t, err)

	msgs, err := NewConsumer(rdb, reg, "workers", "w1").Read(context.Background(), "s", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"1-0", "2-0"}, rdb.acked)
}

func TestEnsureGroup(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, EnsureGroup(ctx, &memRedis{}, "s", "g"))
	require.NoError(t, EnsureGroup(ctx, &memRedis{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}, "s", "g"))
	assert.Error(t, EnsureGroup(ctx, &memRedis{groupErr: errors.New("READONLY")}, "s", "g"))
	assert.Error(t, EnsureGroup(ctx, &memRedis{}, "", "g"))
}

func TestGroupLag(t *testing.T) {
	ctx := context.Background()
	rdb := &memRedis{
		groups:  []redis.XInfoGroup{{Name: "other", Lag: 9}, {Name: "workers", Pending: 2, Lag: 5, Consumers: 3}},
		pending: []redis.XPendingExt{{ID: "1-0", Idle: 90 * time.Second}},
	}
	m, err := GroupLag(ctx, rdb, "s", "workers")
	require.NoError(t, err)
	assert.Equal(t, LagMetrics{Pending: 2, Lag: 5, Consumers: 3, OldestIdle: 90 * time.Second}, m)

	m, err = GroupLag(ctx, rdb, "s", "missing")
	require.NoError(t, err)
	assert.EqualValues(t, -1, m.Lag)

	_, err = GroupLag(ctx, nil, "s", "g")
	assert.Error(t, err)
}
