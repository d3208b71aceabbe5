package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"grid-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const filledReport = `{"e":"executionReport","E":1700000000123,"s":"BTCUSDT","c":"gb7-abc","S":"BUY","o":"LIMIT","f":"GTC",
"q":"0.10000000","p":"99.00000000","P":"0.00000000","F":"0.00000000","g":-1,"C":"","x":"TRADE","X":"FILLED","r":"NONE",
"i":4242,"l":"0.10000000","z":"0.10000000","L":"99.00000000","n":"0","N":null,"T":1700000000120,"t":12,"I":999,"w":false,
"m":true,"M":true,"O":1699999999000,"Z":"9.90000000","Y":"9.90000000","Q":"0.00000000"}`

const cancelReport = `{"e":"executionReport","E":1700000000500,"s":"BTCUSDT","c":"web_cancel_1","S":"SELL","q":"1.0","p":"101.0",
"P":"0","C":"gb7-def","x":"CANCELED","X":"CANCELED","i":4243,"I":1000,"z":"0","Z":"0","Q":"0"}`

func TestParseUserEvent_Filled(t *testing.T) {
	u, ok, err := ParseUserEvent([]byte(filledReport))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", u.Symbol)
	assert.Equal(t, int64(4242), u.ExchangeOrderID)
	assert.Equal(t, "gb7-abc", u.ClientOrderID)
	assert.Equal(t, models.Buy, u.Side)
	assert.Equal(t, StatusFilled, u.Status)
	assert.True(t, u.Price.Equal(d("99")))
	assert.True(t, u.FilledQty.Equal(d("0.1")))
	assert.Equal(t, int64(1700000000123), u.EventTime.UnixMilli())
}

func TestParseUserEvent_CancelUsesOriginalClientID(t *testing.T) {
	u, ok, err := ParseUserEvent([]byte(cancelReport))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gb7-def", u.ClientOrderID)
	assert.Equal(t, StatusCanceled, u.Status)
	assert.Equal(t, models.Sell, u.Side)
}

func TestParseUserEvent_OtherEvents(t *testing.T) {
	_, ok, err := ParseUserEvent([]byte(`{"e":"outboundAccountPosition","E":1,"u":2,"B":[]}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = ParseUserEvent([]byte(`{"e":"listenKeyExpired","E":1,"listenKey":"k"}`))
	assert.True(t, errors.Is(err, ErrListenKeyExpired))

	_, _, err = ParseUserEvent([]byte(`not json`))
	assert.Error(t, err)
}

type fakeKeys struct {
	started int32
}

func (f *fakeKeys) StartUserStream(ctx context.Context) (string, error) {
	atomic.AddInt32(&f.started, 1)
	return "listen-key-1", nil
}

func (f *fakeKeys) KeepaliveUserStream(ctx context.Context, listenKey string) error { return nil }

func TestUserStream_DeliversExecutionReports(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"balanceUpdate","E":1,"a":"USDT","d":"1","T":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(filledReport))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	updates := make(chan models.OrderUpdate, 4)
	keys := &fakeKeys{}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewUserStream(keys, wsURL, models.ExchangeConfig{}, func(u models.OrderUpdate) { updates <- u }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case u := <-updates:
		assert.Equal(t, int64(4242), u.ExchangeOrderID)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}
	assert.Equal(t, "/ws/listen-key-1", path.Load())
	assert.Equal(t, int32(1), atomic.LoadInt32(&keys.started))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.False(t, stream.Connected())
}

func TestStreamURL(t *testing.T) {
	assert.Equal(t, defaultStreamURL, StreamURL(models.ExchangeConfig{}, false))
	assert.Equal(t, testnetStreamURL, StreamURL(models.ExchangeConfig{}, true))
	assert.Equal(t, "wss://example", StreamURL(models.ExchangeConfig{WSBaseURL: "wss://example/"}, true))
}
