// Package storage 保存 grid_bots 配置表：bot 的网格参数、用户可见状态和统计。
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"grid-engine/internal/models"

	_ "github.com/lib/pq"           // postgres 驱动
	_ "github.com/mattn/go-sqlite3" // sqlite3 驱动
	"github.com/shopspring/decimal"
)

const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// ErrBotNotFound 表示 grid_bots 中没有该 id
var ErrBotNotFound = errors.New("grid bot not found")

// Store 封装 grid_bots 表的读写
type Store struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open 连接数据库并执行迁移
func Open(ctx context.Context, cfg models.DatabaseConfig) (*Store, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == DialectSQLite {
		// SQLite 只允许一个写连接，避免 database is locked
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s, err := New(db, cfg.Driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err = s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New 用已有连接创建 Store，不执行迁移
func New(db *sql.DB, dialect string) (*Store, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}
	return &Store{db: db, dialect: dialect, now: time.Now}, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind 把 ? 占位符改写为 postgres 的 $N
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const botColumns = `id, user_id, bot_name, symbol, exchange, grid_type, status,
	lower_price, upper_price, grid_levels, investment_amount, spacing,
	starting_price, flat_spread, flat_increment, buy_orders_count, sell_orders_count, order_size,
	total_profit, completed_cycles, total_buy_orders, total_sell_orders,
	created_at, started_at, stopped_at, last_activity_at`

// BotRecord 是 grid_bots 的一行：配置加统计
type BotRecord struct {
	Config          *models.GridBotConfig
	TotalProfit     decimal.Decimal
	CompletedCycles int
	TotalBuyOrders  int
	TotalSellOrders int
	StartedAt       sql.NullTime
	StoppedAt       sql.NullTime
	LastActivityAt  sql.NullTime
}

// nullable 把一种变体的参数展开为列值，另一种变体的列为 NULL
type nullable struct {
	lower, upper, investment          decimal.NullDecimal
	levels                            sql.NullInt64
	spacing                           sql.NullString
	starting, spread, increment, size decimal.NullDecimal
	buys, sells                       sql.NullInt64
}

func explode(p models.GridParams) (string, nullable) {
	var n nullable
	switch v := p.(type) {
	case *models.RangeParams:
		n.lower = decimal.NewNullDecimal(v.LowerPrice)
		n.upper = decimal.NewNullDecimal(v.UpperPrice)
		n.levels = sql.NullInt64{Int64: int64(v.GridLevels), Valid: true}
		n.investment = decimal.NewNullDecimal(v.InvestmentAmount)
		n.spacing = sql.NullString{String: string(v.SpacingOrDefault()), Valid: true}
		return string(models.GridTypeRange), n
	case *models.FlatParams:
		n.starting = decimal.NewNullDecimal(v.StartingPrice)
		n.spread = decimal.NewNullDecimal(v.FlatSpread)
		n.increment = decimal.NewNullDecimal(v.FlatIncrement)
		n.buys = sql.NullInt64{Int64: int64(v.BuyOrdersCount), Valid: true}
		n.sells = sql.NullInt64{Int64: int64(v.SellOrdersCount), Valid: true}
		n.size = decimal.NewNullDecimal(v.OrderSize)
	}
	return string(models.GridTypeFlat), n
}

// CreateBot 校验并插入一个新 bot，返回分配的 id。无效配置返回 ErrInvalidConfig。
func (s *Store) CreateBot(ctx context.Context, cfg *models.GridBotConfig) (int64, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	status := cfg.Status
	if status == "" {
		status = models.GridBotStatusActive
	}
	created := cfg.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	gridType, n := explode(cfg.Params)

	query := `INSERT INTO grid_bots (user_id, bot_name, symbol, exchange, grid_type, status,
		lower_price, upper_price, grid_levels, investment_amount, spacing,
		starting_price, flat_spread, flat_increment, buy_orders_count, sell_orders_count, order_size,
		created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{
		cfg.UserID, cfg.Name, cfg.Symbol, cfg.Exchange, gridType, string(status),
		n.lower, n.upper, n.levels, n.investment, n.spacing,
		n.starting, n.spread, n.increment, n.buys, n.sells, n.size,
		created,
	}

	if s.dialect == DialectPostgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.rebind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to insert grid bot: %w", err)
		}
		return id, nil
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert grid bot: %w", err)
	}
	return res.LastInsertId()
}

// GetBot 读取一个 bot
func (s *Store) GetBot(ctx context.Context, id int64) (*BotRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+botColumns+` FROM grid_bots WHERE id = ?`), id)
	rec, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrBotNotFound, id)
	}
	return rec, err
}

// ListBots 按 id 升序返回 bot，statuses 为空时返回全部
func (s *Store) ListBots(ctx context.Context, statuses ...models.GridBotStatus) ([]*BotRecord, error) {
	query := `SELECT ` + botColumns + ` FROM grid_bots`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grid bots: %w", err)
	}
	defer rows.Close()

	var out []*BotRecord
	for rows.Next() {
		rec, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBot(row scanner) (*BotRecord, error) {
	var (
		cfg              models.GridBotConfig
		name, exchange   sql.NullString
		gridType, status string
		n                nullable
		profit           decimal.NullDecimal
		rec              BotRecord
		createdAt        time.Time
	)
	err := row.Scan(
		&cfg.ID, &cfg.UserID, &name, &cfg.Symbol, &exchange, &gridType, &status,
		&n.lower, &n.upper, &n.levels, &n.investment, &n.spacing,
		&n.starting, &n.spread, &n.increment, &n.buys, &n.sells, &n.size,
		&profit, &rec.CompletedCycles, &rec.TotalBuyOrders, &rec.TotalSellOrders,
		&createdAt, &rec.StartedAt, &rec.StoppedAt, &rec.LastActivityAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.Name, cfg.Exchange = name.String, exchange.String
	cfg.Status = models.GridBotStatus(status)
	cfg.CreatedAt = createdAt

	gt, err := models.ParseGridType(gridType)
	if err != nil {
		return nil, fmt.Errorf("bot %d: %w", cfg.ID, err)
	}
	if gt == models.GridTypeRange {
		cfg.Params = &models.RangeParams{
			LowerPrice:       n.lower.Decimal,
			UpperPrice:       n.upper.Decimal,
			GridLevels:       int(n.levels.Int64),
			InvestmentAmount: n.investment.Decimal,
			Spacing:          models.Spacing(n.spacing.String),
		}
	} else {
		cfg.Params = &models.FlatParams{
			StartingPrice:   n.starting.Decimal,
			FlatSpread:      n.spread.Decimal,
			FlatIncrement:   n.increment.Decimal,
			BuyOrdersCount:  int(n.buys.Int64),
			SellOrdersCount: int(n.sells.Int64),
			OrderSize:       n.size.Decimal,
		}
	}
	rec.Config = &cfg
	rec.TotalProfit = profit.Decimal
	return &rec, nil
}

// UpdateStatus 更新用户可见状态，同时记录启动/停止时间
func (s *Store) UpdateStatus(ctx context.Context, id int64, status models.GridBotStatus) error {
	now := s.now().UTC()
	query := `UPDATE grid_bots SET status = ? WHERE id = ?`
	args := []interface{}{string(status), id}
	switch status {
	case models.GridBotStatusActive:
		query = `UPDATE grid_bots SET status = ?, started_at = COALESCE(started_at, ?), stopped_at = NULL WHERE id = ?`
		args = []interface{}{string(status), now, id}
	case models.GridBotStatusStopped:
		query = `UPDATE grid_bots SET status = ?, stopped_at = ? WHERE id = ?`
		args = []interface{}{string(status), now, id}
	}
	return s.execOne(ctx, query, args...)
}

// UpdateStats 写入运行统计
func (s *Store) UpdateStats(ctx context.Context, id int64, stats models.BotStats) error {
	var last sql.NullTime
	if !stats.LastActivityAt.IsZero() {
		last = sql.NullTime{Time: stats.LastActivityAt.UTC(), Valid: true}
	}
	return s.execOne(ctx, `UPDATE grid_bots SET total_profit = ?, completed_cycles = ?,
		total_buy_orders = ?, total_sell_orders = ?, last_activity_at = ? WHERE id = ?`,
		stats.TotalProfit, stats.CompletedCycles, stats.BuyFills, stats.SellFills, last, id)
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update grid bot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBotNotFound
	}
	return nil
}
