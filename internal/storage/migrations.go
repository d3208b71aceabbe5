package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration 是一次只增不减的结构变更，每种方言一组语句
type migration struct {
	version int
	name    string
	stmts   map[string][]string
}

// SQLite 中 DECIMAL 列带 NUMERIC 亲和性，会把文本转成浮点，所以价格列用 TEXT 保存精确值
var migrations = []migration{
	{
		version: 1,
		name:    "create_grid_bots",
		stmts: map[string][]string{
			DialectSQLite: {
				`CREATE TABLE IF NOT EXISTS grid_bots (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL,
					bot_name TEXT,
					symbol TEXT NOT NULL,
					exchange TEXT,
					lower_price TEXT NOT NULL,
					upper_price TEXT NOT NULL,
					grid_levels INTEGER NOT NULL,
					investment_amount TEXT NOT NULL,
					grid_type TEXT NOT NULL DEFAULT 'arithmetic',
					status TEXT NOT NULL DEFAULT 'active',
					total_profit TEXT NOT NULL DEFAULT '0',
					completed_cycles INTEGER NOT NULL DEFAULT 0,
					total_buy_orders INTEGER NOT NULL DEFAULT 0,
					total_sell_orders INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					started_at TIMESTAMP,
					stopped_at TIMESTAMP,
					last_activity_at TIMESTAMP
				)`,
				`CREATE INDEX IF NOT EXISTS idx_grid_bots_status ON grid_bots (status)`,
				`CREATE INDEX IF NOT EXISTS idx_grid_bots_user_id ON grid_bots (user_id)`,
			},
			DialectPostgres: {
				`CREATE TABLE IF NOT EXISTS grid_bots (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					bot_name VARCHAR(255),
					symbol VARCHAR(50) NOT NULL,
					exchange VARCHAR(50),
					lower_price NUMERIC(20,8) NOT NULL,
					upper_price NUMERIC(20,8) NOT NULL,
					grid_levels INTEGER NOT NULL,
					investment_amount NUMERIC(20,8) NOT NULL,
					grid_type VARCHAR(20) NOT NULL DEFAULT 'arithmetic',
					status VARCHAR(20) NOT NULL DEFAULT 'active',
					total_profit NUMERIC(20,8) NOT NULL DEFAULT 0,
					completed_cycles INTEGER NOT NULL DEFAULT 0,
					total_buy_orders INTEGER NOT NULL DEFAULT 0,
					total_sell_orders INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL,
					started_at TIMESTAMPTZ,
					stopped_at TIMESTAMPTZ,
					last_activity_at TIMESTAMPTZ
				)`,
				`CREATE INDEX IF NOT EXISTS idx_grid_bots_status ON grid_bots (status)`,
				`CREATE INDEX IF NOT EXISTS idx_grid_bots_user_id ON grid_bots (user_id)`,
			},
		},
	},
	{
		// 先放宽区间列的非空约束，flat 变体的行才能写入
		version: 2,
		name:    "widen_range_columns",
		stmts: map[string][]string{
			DialectSQLite: {
				// SQLite 不支持 ALTER COLUMN，按官方推荐的方式重建表
				`CREATE TABLE grid_bots_v2 (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user_id INTEGER NOT NULL,
					bot_name TEXT,
					symbol TEXT NOT NULL,
					exchange TEXT,
					lower_price TEXT,
					upper_price TEXT,
					grid_levels INTEGER,
					investment_amount TEXT,
					grid_type TEXT NOT NULL DEFAULT 'flat',
					status TEXT NOT NULL DEFAULT 'active',
					total_profit TEXT NOT NULL DEFAULT '0',
					completed_cycles INTEGER NOT NULL DEFAULT 0,
					total_buy_orders INTEGER NOT NULL DEFAULT 0,
					total_sell_orders INTEGER NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					started_at TIMESTAMP,
					stopped_at TIMESTAMP,
					last_activity_at TIMESTAMP
				)`,
				`INSERT INTO grid_bots_v2 SELECT * FROM grid_bots`,
				`DROP TABLE grid_bots`,
				`ALTER TABLE grid_bots_v2 RENAME TO grid_bots`,
				`CREATE INDEX IF NOT EXISTS idx_grid_bots_status ON grid_bots (status)`,
				`CREATE INDEX IF NOT EXISTS idx_grid_bots_user_id ON grid_bots (user_id)`,
			},
			DialectPostgres: {
				`ALTER TABLE grid_bots ALTER COLUMN lower_price DROP NOT NULL`,
				`ALTER TABLE grid_bots ALTER COLUMN upper_price DROP NOT NULL`,
				`ALTER TABLE grid_bots ALTER COLUMN grid_levels DROP NOT NULL`,
				`ALTER TABLE grid_bots ALTER COLUMN investment_amount DROP NOT NULL`,
				`ALTER TABLE grid_bots ALTER COLUMN grid_type SET DEFAULT 'flat'`,
			},
		},
	},
	{
		version: 3,
		name:    "add_flat_grid_columns",
		stmts: map[string][]string{
			DialectSQLite: {
				`ALTER TABLE grid_bots ADD COLUMN flat_spread TEXT`,
				`ALTER TABLE grid_bots ADD COLUMN flat_increment TEXT`,
				`ALTER TABLE grid_bots ADD COLUMN buy_orders_count INTEGER`,
				`ALTER TABLE grid_bots ADD COLUMN sell_orders_count INTEGER`,
				`ALTER TABLE grid_bots ADD COLUMN starting_price TEXT`,
				`ALTER TABLE grid_bots ADD COLUMN order_size TEXT`,
			},
			DialectPostgres: {
				`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS flat_spread NUMERIC(20,8)`,
				`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS flat_increment NUMERIC(20,8)`,
				`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS buy_orders_count INTEGER`,
				`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS sell_orders_count INTEGER`,
				`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS starting_price NUMERIC(20,8)`,
				`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS order_size NUMERIC(20,8)`,
			},
		},
	},
	{
		version: 4,
		name:    "add_range_spacing",
		stmts: map[string][]string{
			DialectSQLite:   {`ALTER TABLE grid_bots ADD COLUMN spacing TEXT`},
			DialectPostgres: {`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS spacing VARCHAR(20)`},
		},
	},
}

// LatestVersion 返回代码中最新的结构版本
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// Migrate 依次执行尚未应用的迁移，每个迁移一个事务
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion 返回已应用的最高版本，未迁移时为 0
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	stmts, ok := m.stmts[s.dialect]
	if !ok {
		return fmt.Errorf("no statements for dialect %s", s.dialect)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // Commit 之后调用无副作用

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}
