// Package recovery rebuilds each bot's state machine at process start from the ledger plus a
// live exchange query. The exchange is the source of truth; the ledger is a cache of it.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"grid-engine/internal/bot"
	"grid-engine/internal/exchange"
	"grid-engine/internal/idgenerator"
	"grid-engine/internal/models"

	"go.uber.org/zap"
)

// Classification is the diff between a ledger snapshot and the exchange's open orders.
type Classification struct {
	Matched []string           // ledger keys still open on the exchange
	Adopt   []models.LiveOrder // on the exchange, not in the ledger, not owned by another bot
	Missing []string           // ledger keys absent from the exchange
	Foreign []models.LiveOrder // client id belongs to another bot; left alone
}

// Plan converts the classification into the corrections a bot applies.
func (c Classification) Plan() bot.RestorePlan {
	return bot.RestorePlan{Adopt: c.Adopt, Missing: c.Missing}
}

// Classify diffs state against exchangeOrders. The result depends only on its inputs and is
// ordered (exchange orders by id, ledger orders by key), so the same snapshot and the same
// exchange view always classify the same way.
func Classify(state *models.BotRuntimeState, exchangeOrders []models.LiveOrder) Classification {
	return classify(state, exchangeOrders, nil)
}

// classify is Classify with owners: exchange order id → bot that already holds it. An order held by
// another bot is foreign even without an engine client id prefix.
func classify(state *models.BotRuntimeState, exchangeOrders []models.LiveOrder, owners map[int64]int64) Classification {
	var c Classification
	sorted := append([]models.LiveOrder(nil), exchangeOrders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExchangeOrderID < sorted[j].ExchangeOrderID })

	seen := make(map[string]bool)
	for _, o := range sorted {
		if key := ledgerKey(state, o); key != "" {
			c.Matched = append(c.Matched, key)
			seen[key] = true
			continue
		}
		if owner, ok := idgenerator.OwnerOf(o.ClientOrderID); ok && owner != state.BotID {
			c.Foreign = append(c.Foreign, o)
			continue
		}
		if owner, ok := owners[o.ExchangeOrderID]; ok && owner != state.BotID {
			c.Foreign = append(c.Foreign, o)
			continue
		}
		c.Adopt = append(c.Adopt, o)
	}
	for _, o := range state.OpenOrders() {
		if !seen[o.Key()] {
			c.Missing = append(c.Missing, o.Key())
		}
	}
	return c
}

func ledgerKey(state *models.BotRuntimeState, o models.LiveOrder) string {
	if o.ClientOrderID != "" {
		if lo, ok := state.Orders[o.ClientOrderID]; ok && lo.Status == models.OrderOpen {
			return lo.Key()
		}
	}
	if lo := state.FindByExchangeID(o.ExchangeOrderID); lo != nil && lo.Status == models.OrderOpen {
		return lo.Key()
	}
	return ""
}

// Bot is the part of bot.Bot recovery drives.
type Bot interface {
	ID() int64
	Config() *models.GridBotConfig
	Snapshot() *models.BotRuntimeState
	Restore(ctx context.Context, plan bot.RestorePlan) error
}

// Result reports what recovery did for one bot.
type Result struct {
	BotID          int64
	From           models.Lifecycle
	Skipped        bool
	Classification Classification
	Err            error
}

// Manager runs recovery against one exchange gateway. It remembers which bot holds each exchange
// order, so an order without an engine prefix is adopted by at most one bot per account.
type Manager struct {
	gateway exchange.Gateway
	logger  *zap.Logger

	mu     sync.Mutex
	owners map[int64]int64
}

func NewManager(gateway exchange.Gateway, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{gateway: gateway, logger: logger, owners: make(map[int64]int64)}
}

// Reserve records the open orders in b's ledger as held by b.
func (m *Manager) Reserve(b Bot) {
	state := b.Snapshot()
	if state == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range state.OpenOrders() {
		if o.ExchangeOrderID != 0 {
			m.owners[o.ExchangeOrderID] = b.ID()
		}
	}
}

// claim classifies against the orders other bots hold and records b's adoptions.
func (m *Manager) claim(state *models.BotRuntimeState, orders []models.LiveOrder) Classification {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := classify(state, orders, m.owners)
	for _, o := range c.Adopt {
		m.owners[o.ExchangeOrderID] = state.BotID
	}
	return c
}

// Recover reconciles one bot. Bots whose last lifecycle is stopped, paused or error are left
// untouched unless force is set (operator-initiated recovery of an errored bot).
func (m *Manager) Recover(ctx context.Context, b Bot, force bool) Result {
	res := Result{BotID: b.ID()}
	state := b.Snapshot()
	if state == nil {
		res.Skipped = true
		return res
	}
	res.From = state.Lifecycle
	eligible := state.Lifecycle.NeedsRecovery() || (force && state.Lifecycle == models.LifecycleError)
	if !eligible {
		res.Skipped = true
		return res
	}

	orders, err := m.gateway.OpenOrders(ctx, b.Config().Symbol)
	if err != nil {
		res.Err = fmt.Errorf("bot %d: query open orders: %w", b.ID(), err)
		return res
	}
	res.Classification = m.claim(state, orders)
	c := res.Classification
	for _, o := range c.Foreign {
		m.logger.Debug("open order belongs to another bot",
			zap.Int64("bot_id", b.ID()), zap.Int64("order_id", o.ExchangeOrderID), zap.String("client_order_id", o.ClientOrderID))
	}
	m.logger.Info("recovering bot",
		zap.Int64("bot_id", b.ID()),
		zap.String("lifecycle", string(state.Lifecycle)),
		zap.Int("matched", len(c.Matched)),
		zap.Int("adopt", len(c.Adopt)),
		zap.Int("missing", len(c.Missing)),
		zap.Int("foreign", len(c.Foreign)))

	if err := b.Restore(ctx, c.Plan()); err != nil {
		res.Err = fmt.Errorf("bot %d: restore: %w", b.ID(), err)
	}
	return res
}

// RecoverAll recovers bots in id order. A failure for one bot does not stop the others.
// Every bot's ledger orders are reserved first, so a lower id never adopts a higher id's order.
func (m *Manager) RecoverAll(ctx context.Context, bots []Bot) []Result {
	sorted := append([]Bot(nil), bots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	for _, b := range sorted {
		m.Reserve(b)
	}

	results := make([]Result, 0, len(sorted))
	for _, b := range sorted {
		if ctx.Err() != nil {
			results = append(results, Result{BotID: b.ID(), Err: ctx.Err()})
			continue
		}
		res := m.Recover(ctx, b, false)
		if res.Err != nil {
			m.logger.Error("recovery failed", zap.Int64("bot_id", b.ID()), zap.Error(res.Err))
		}
		results = append(results, res)
	}
	return results
}
