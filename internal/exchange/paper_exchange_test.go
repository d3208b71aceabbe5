package exchange

import (
	"context"
	"errors"
	"testing"

	"grid-engine/internal/errs"
	"grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPaper(t *testing.T, cfg models.PaperConfig) *PaperExchange {
	t.Helper()
	if cfg.Prices == nil {
		cfg.Prices = map[string]string{"BTCUSDT": "100"}
	}
	ex, err := NewPaperExchange(cfg)
	require.NoError(t, err)
	return ex
}

func TestPaperExchange_PlaceAndFillOnPriceMove(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{})
	var updates []models.OrderUpdate
	ex.Subscribe(func(u models.OrderUpdate) { updates = append(updates, u) })

	ctx := context.Background()
	buy, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("99"), Quantity: d("0.1"), ClientOrderID: "b1"})
	require.NoError(t, err)
	sell, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Price: d("101"), Quantity: d("0.1"), ClientOrderID: "s1"})
	require.NoError(t, err)
	assert.Less(t, buy.ExchangeOrderID, sell.ExchangeOrderID)
	assert.Empty(t, updates)

	open, err := ex.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2)

	ex.SetPrice("BTCUSDT", d("98.5"))
	require.Len(t, updates, 1)
	assert.Equal(t, StatusFilled, updates[0].Status)
	assert.Equal(t, "b1", updates[0].ClientOrderID)
	assert.True(t, updates[0].FilledQty.Equal(d("0.1")))

	open, err = ex.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s1", open[0].ClientOrderID)
}

func TestPaperExchange_CrossingOrderFillsImmediately(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{})
	filled := 0
	ex.Subscribe(func(u models.OrderUpdate) {
		if u.Status == StatusFilled {
			filled++
		}
	})
	_, err := ex.Place(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("105"), Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, 1, filled)
}

func TestPaperExchange_CancelSemantics(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{})
	ctx := context.Background()
	o, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("90"), Quantity: d("1")})
	require.NoError(t, err)

	require.NoError(t, ex.Cancel(ctx, "BTCUSDT", o.ExchangeOrderID))
	err = ex.Cancel(ctx, "BTCUSDT", o.ExchangeOrderID)
	assert.True(t, IsNotFound(err))

	o2, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("90"), Quantity: d("1")})
	require.NoError(t, err)
	require.True(t, ex.FillOrder(o2.ExchangeOrderID, false))
	err = ex.Cancel(ctx, "BTCUSDT", o2.ExchangeOrderID)
	assert.True(t, IsAlreadyFilled(err))

	assert.True(t, IsNotFound(ex.Cancel(ctx, "BTCUSDT", 999)))
}

func TestPaperExchange_Rejections(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{
		MinNotional: "5",
		Balances:    map[string]string{"USDT": "50", "BTC": "0"},
	})
	ctx := context.Background()

	_, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("90"), Quantity: d("0.01")})
	assert.Equal(t, ReasonNotional, ReasonOf(err))
	assert.True(t, errors.Is(err, errs.ErrRejected))

	_, err = ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Price: d("110"), Quantity: d("1")})
	assert.Equal(t, ReasonBalance, ReasonOf(err))

	_, err = ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("40"), Quantity: d("1"), ClientOrderID: "dup"})
	require.NoError(t, err)
	assert.True(t, ex.Balance("USDT").Equal(d("10")))

	_, err = ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("5"), Quantity: d("1"), ClientOrderID: "dup"})
	assert.Equal(t, ReasonDuplicate, ReasonOf(err))
	assert.True(t, IsRetryableRejection(err))
}

func TestPaperExchange_BalanceSettlement(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{Balances: map[string]string{"USDT": "100"}})
	ctx := context.Background()

	o, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("50"), Quantity: d("1")})
	require.NoError(t, err)
	require.NoError(t, ex.Cancel(ctx, "BTCUSDT", o.ExchangeOrderID))
	assert.True(t, ex.Balance("USDT").Equal(d("100")))

	_, err = ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Price: d("50"), Quantity: d("1")})
	require.NoError(t, err)
	ex.SetPrice("BTCUSDT", d("49"))
	assert.True(t, ex.Balance("BTC").Equal(d("1")))
	assert.True(t, ex.Balance("USDT").Equal(d("50")))
}

func TestPaperExchange_BestBidAskSpread(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{SpreadBps: 10})
	bid, ask, err := ex.BestBidAsk(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("99.9")), bid.String())
	assert.True(t, ask.Equal(d("100.1")), ask.String())

	_, _, err = ex.BestBidAsk(context.Background(), "ETHUSDT")
	assert.True(t, IsNotFound(err))
}

func TestPaperExchange_QueryAndManualIntervention(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{})
	ctx := context.Background()
	o, err := ex.Place(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Price: d("120"), Quantity: d("1")})
	require.NoError(t, err)

	require.True(t, ex.RemoveOrder(o.ExchangeOrderID))
	u, err := ex.QueryOrder(ctx, "BTCUSDT", o.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, u.Status)

	ext := ex.AddExternalOrder("BTCUSDT", models.Buy, d("80"), d("2"), "manual")
	open, err := ex.OpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ext.ExchangeOrderID, open[0].ExchangeOrderID)

	_, err = ex.QueryOrder(ctx, "BTCUSDT", 12345)
	assert.True(t, IsNotFound(err))
}

func TestPaperExchange_InjectFault(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{})
	fault := NewError("open_orders", KindNetwork, errors.New("connection reset"))
	ex.InjectFault("open_orders", fault)

	_, err := ex.OpenOrders(context.Background(), "BTCUSDT")
	assert.True(t, errors.Is(err, errs.ErrTransient))
	assert.Equal(t, 1, ex.Calls("open_orders"))

	ex.InjectFault("open_orders", nil)
	_, err = ex.OpenOrders(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
}

func TestPaperExchange_SymbolRulesFromConfig(t *testing.T) {
	ex := newPaper(t, models.PaperConfig{TickSize: "0.01", StepSize: "0.001", MinNotional: "10"})
	r, err := ex.SymbolRules(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", r.Symbol)
	assert.True(t, r.TickSize.Equal(d("0.01")))
	assert.True(t, r.StepSize.Equal(d("0.001")))
	assert.True(t, r.MinNotional.Equal(d("10")))
}

func TestNewPaperExchange_BadPrice(t *testing.T) {
	_, err := NewPaperExchange(models.PaperConfig{Prices: map[string]string{"BTCUSDT": "abc"}})
	assert.Error(t, err)
}
