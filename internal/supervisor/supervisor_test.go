package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-engine/internal/exchange"
	"grid-engine/internal/idgenerator"
	"grid-engine/internal/metrics"
	"grid-engine/internal/models"
	"grid-engine/internal/notify"
	"grid-engine/internal/persistence"
	"grid-engine/internal/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "BTCUSDT"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) count(typ notify.EventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == typ {
			c++
		}
	}
	return c
}

type fixture struct {
	t        *testing.T
	store    *storage.Store
	ledger   persistence.Ledger
	ex       *exchange.PaperExchange
	ids      *idgenerator.IDGenerator
	notifier *recordingNotifier
	botID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, models.DatabaseConfig{
		Driver: storage.DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "grid_bots.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ledger, err := persistence.NewInMemoryLedger()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })
	ex, err := exchange.NewPaperExchange(models.PaperConfig{
		Prices:    map[string]string{symbol: "100"},
		SpreadBps: 2,
		TickSize:  "0.01",
		StepSize:  "0.0001",
	})
	require.NoError(t, err)
	ids, err := idgenerator.NewIDGenerator(1)
	require.NoError(t, err)

	id, err := store.CreateBot(ctx, &models.GridBotConfig{
		UserID: 1, Name: "flat", Symbol: symbol, Exchange: "binance",
		Params: &models.FlatParams{
			StartingPrice: d("100"), FlatSpread: d("2"), FlatIncrement: d("1"),
			BuyOrdersCount: 2, SellOrdersCount: 2, OrderSize: d("10"),
		},
	})
	require.NoError(t, err)
	return &fixture{t: t, store: store, ledger: ledger, ex: ex, ids: ids, notifier: &recordingNotifier{}, botID: id}
}

// boot 模拟一次进程启动
func (f *fixture) boot(ctx context.Context) *Supervisor {
	f.t.Helper()
	sup := New(Options{EventBuffer: 64, MaxConsecutiveErrors: 5, ShutdownDrain: time.Second}, Deps{
		Store:    f.store,
		Ledger:   f.ledger,
		Gateways: func(*models.GridBotConfig) (exchange.Gateway, error) { return f.ex, nil },
		IDs:      f.ids,
		Notifier: f.notifier,
		Metrics:  metrics.New(),
		Logger:   zap.NewNop(),
	})
	_, err := sup.Load(ctx)
	require.NoError(f.t, err)
	sup.Run(ctx)
	f.t.Cleanup(sup.Shutdown)
	return sup
}

func (f *fixture) status(sup *Supervisor) BotStatus {
	st, ok := sup.Bot(f.botID)
	require.True(f.t, ok)
	return st
}

func TestLoad_StartsNewBotAndRoutesFills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sup := f.boot(ctx)
	f.ex.Subscribe(sup.Dispatch)

	st := f.status(sup)
	assert.Equal(t, models.LifecycleRunning, st.Lifecycle)
	assert.Equal(t, 4, st.OpenOrders)
	assert.Equal(t, models.GridTypeFlat, st.GridType)

	f.ex.SetPrice(symbol, d("98.5")) // buy @99 fills
	require.Eventually(t, func() bool {
		st := f.status(sup)
		return st.BuyFills == 1 && st.OpenOrders == 4
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rec, err := f.store.GetBot(ctx, f.botID)
		return err == nil && rec.TotalBuyOrders == 1
	}, 2*time.Second, 10*time.Millisecond, "statistics reach grid_bots")
	rec, err := f.store.GetBot(ctx, f.botID)
	require.NoError(t, err)
	assert.Equal(t, models.GridBotStatusActive, rec.Config.Status)
}

func TestLoad_RecoversRunningBotAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	first := f.boot(ctx)
	require.Equal(t, 4, f.status(first).OpenOrders)
	first.Shutdown()
	cancel()

	second := New(Options{}, Deps{
		Store:    f.store,
		Ledger:   f.ledger,
		Gateways: func(*models.GridBotConfig) (exchange.Gateway, error) { return f.ex, nil },
		IDs:      f.ids,
	})
	results, err := second.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Classification.Matched, 4)
	assert.Empty(t, results[0].Classification.Adopt)
	assert.Equal(t, models.LifecycleRunning, f.status(second).Lifecycle)
	assert.Equal(t, 4, f.ex.Calls("place"), "nothing is placed twice")
}

func TestHTTP_ControlCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sup := f.boot(ctx)
	f.ex.Subscribe(sup.Dispatch)
	h := sup.Handler(metrics.New().Handler(), "secret")

	call := func(method, path string, auth bool) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if auth {
			req.Header.Set("Authorization", "Bearer secret")
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/bots", false).Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/healthz", false).Code)
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/metrics", false).Code)

	rec := call(http.MethodGet, "/bots", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var bots []BotStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bots))
	require.Len(t, bots, 1)
	assert.Equal(t, f.botID, bots[0].BotID)

	rec = call(http.MethodPost, "/bots/1/pause", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp commandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.LifecyclePaused, resp.Bot.Lifecycle)
	assert.Equal(t, 4, resp.Bot.PendingLevels)

	assert.Equal(t, http.StatusOK, call(http.MethodPost, "/bots/1/resume", true).Code)
	assert.Equal(t, models.LifecycleRunning, f.status(sup).Lifecycle)

	assert.Equal(t, http.StatusBadRequest, call(http.MethodPost, "/bots/1/explode", true).Code)
	assert.Equal(t, http.StatusNotFound, call(http.MethodPost, "/bots/99/pause", true).Code)
	assert.Equal(t, http.StatusBadRequest, call(http.MethodGet, "/bots/abc", true).Code)
	assert.Equal(t, http.StatusConflict, call(http.MethodPost, "/bots/1/start", true).Code, "already running")

	rec = call(http.MethodPost, "/bots/1/stop", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.LifecycleStopped, f.status(sup).Lifecycle)
	orders, err := f.ex.OpenOrders(ctx, symbol)
	require.NoError(t, err)
	assert.Empty(t, orders)
	stored, err := f.store.GetBot(ctx, f.botID)
	require.NoError(t, err)
	assert.Equal(t, models.GridBotStatusStopped, stored.Config.Status)

	assert.Equal(t, http.StatusConflict, call(http.MethodPost, "/bots/1/pause", true).Code)
}

func TestStart_RestartKeepsFillHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sup := f.boot(ctx)
	f.ex.Subscribe(sup.Dispatch)

	f.ex.SetPrice(symbol, d("98.5"))
	require.Eventually(t, func() bool { return f.status(sup).BuyFills == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sup.Command(ctx, f.botID, ActionStop))

	f.ex.SetPrice(symbol, d("100"))
	require.NoError(t, sup.Command(ctx, f.botID, ActionStart))
	st := f.status(sup)
	assert.Equal(t, models.LifecycleRunning, st.Lifecycle)
	assert.Equal(t, 1, st.BuyFills, "statistics carry over")

	f.ex.SetPrice(symbol, d("98.5"))
	require.Eventually(t, func() bool { return f.status(sup).BuyFills == 2 }, 2*time.Second, 10*time.Millisecond)
	fills, err := f.ledger.Fills(f.botID)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, uint64(1), fills[0].Seq)
	assert.Equal(t, uint64(2), fills[1].Seq)
}

func TestSendDailySummary(t *testing.T) {
	f := newFixture(t)
	sup := f.boot(context.Background())
	assert.Equal(t, 1, sup.SendDailySummary(context.Background()))
	assert.Equal(t, 1, f.notifier.count(notify.BotSummary))

	_, err := sup.ScheduleDailySummary(context.Background(), "not a cron")
	assert.Error(t, err)
	c, err := sup.ScheduleDailySummary(context.Background(), "0 9 * * *")
	require.NoError(t, err)
	c.Stop()
}

func TestDispatch_UnownedOrdersGoToSameSymbolBots(t *testing.T) {
	f := newFixture(t)
	sup := f.boot(context.Background())
	// 未知订单只会被忽略，不能导致 panic 或阻塞
	sup.Dispatch(models.OrderUpdate{Symbol: symbol, ExchangeOrderID: 999, Status: exchange.StatusFilled})
	sup.Dispatch(models.OrderUpdate{Symbol: "ETHUSDT", ClientOrderID: "gb42-x", Status: exchange.StatusFilled})
	assert.Equal(t, 4, f.status(sup).OpenOrders)
}

func TestProfitPerDay(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, ProfitPerDay(d("3"), start, start.Add(2*time.Hour)).Equal(d("3")), "less than a day counts as one")
	assert.True(t, ProfitPerDay(d("3"), start, start.Add(72*time.Hour)).Equal(d("1")))
	assert.True(t, ProfitPerDay(d("3"), time.Time{}, start).IsZero())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(ErrUnknownBot))
	assert.True(t, strings.Contains(ErrUnknownAction.Error(), "action"))
}
