package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewEvent_UniqueIDsAndFields(t *testing.T) {
	a := NewEvent(LevelFilled, 1, "BTCUSDT", "filled")
	b := NewEvent(LevelFilled, 1, "BTCUSDT", "filled")
	assert.NotEqual(t, a.ID, b.ID)

	c := a.With("price", "99").With("side", "BUY")
	assert.Equal(t, map[string]string{"price": "99", "side": "BUY"}, c.Fields)
	assert.Nil(t, a.Fields, "With does not mutate the receiver")
}

func TestRedisStream_XAdd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewRedisStream(client, "grid:events", 100)
	e := NewEvent(DriftCorrected, 7, "ETHUSDT", "adopted order").With("order_id", "12")
	require.NoError(t, n.Notify(context.Background(), e))

	msgs, err := client.XRange(context.Background(), "grid:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "drift_corrected", msgs[0].Values["type"])

	var got Event
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, int64(7), got.BotID)
	assert.Equal(t, "12", got.Fields["order_id"])
}

func TestRedisStream_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	err := NewRedisStream(client, "s", 0).Notify(context.Background(), NewEvent(BotError, 1, "", "x"))
	assert.Error(t, err)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("down")}
	err := Multi{failing, ok}.Notify(context.Background(), NewEvent(BotError, 1, "", "boom"))
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, failing.count())
}

func TestLogNotifier_LevelsByType(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))
	require.NoError(t, n.Notify(context.Background(), NewEvent(BotError, 3, "BTCUSDT", "too many errors")))
	require.NoError(t, n.Notify(context.Background(), NewEvent(LevelFilled, 3, "BTCUSDT", "filled").With("price", "1")))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, "1", entries[1].ContextMap()["price"])
}

func TestAsync_DrainsOnShutdown(t *testing.T) {
	inner := &recorder{}
	a := NewAsync(inner, 10, zap.NewNop())
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Notify(context.Background(), NewEvent(LevelFilled, int64(i), "", "")))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Run(ctx)
	a.Wait()
	assert.Equal(t, 5, inner.count())
}

func TestAsync_DropsWhenFull(t *testing.T) {
	a := NewAsync(&recorder{}, 1, zap.NewNop())
	require.NoError(t, a.Notify(context.Background(), NewEvent(LevelFilled, 1, "", "")))
	assert.Error(t, a.Notify(context.Background(), NewEvent(LevelFilled, 2, "", "")))
}
