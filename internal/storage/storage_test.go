package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"grid-engine/internal/errs"
	"grid-engine/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), models.DatabaseConfig{
		Driver: DialectSQLite,
		DSN:    filepath.Join(t.TempDir(), "grid_bots.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func flatBot() *models.GridBotConfig {
	return &models.GridBotConfig{
		UserID: 1, Name: "flat", Symbol: "BTCUSDT", Exchange: "binance",
		Params: &models.FlatParams{
			StartingPrice: d("100"), FlatSpread: d("2"), FlatIncrement: d("1"),
			BuyOrdersCount: 2, SellOrdersCount: 2, OrderSize: d("10.12345678"),
		},
	}
}

func rangeBot() *models.GridBotConfig {
	return &models.GridBotConfig{
		UserID: 2, Name: "range", Symbol: "ETHUSDT",
		Params: &models.RangeParams{
			LowerPrice: d("1800.5"), UpperPrice: d("2200"), GridLevels: 10,
			InvestmentAmount: d("25"), Spacing: models.SpacingGeometric,
		},
	}
}

func TestSQLite_MigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)

	require.NoError(t, s.Migrate(ctx))
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
}

func TestSQLite_CreateAndGetBothVariants(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	flatID, err := s.CreateBot(ctx, flatBot())
	require.NoError(t, err)
	rangeID, err := s.CreateBot(ctx, rangeBot())
	require.NoError(t, err)
	assert.NotEqual(t, flatID, rangeID)

	rec, err := s.GetBot(ctx, flatID)
	require.NoError(t, err)
	flat := rec.Config.Flat()
	require.NotNil(t, flat)
	assert.Nil(t, rec.Config.Range())
	assert.True(t, flat.OrderSize.Equal(d("10.12345678")), "decimal precision survives storage")
	assert.Equal(t, 2, flat.BuyOrdersCount)
	assert.Equal(t, models.GridBotStatusActive, rec.Config.Status)
	assert.True(t, rec.TotalProfit.IsZero())

	rec, err = s.GetBot(ctx, rangeID)
	require.NoError(t, err)
	rp := rec.Config.Range()
	require.NotNil(t, rp)
	assert.True(t, rp.LowerPrice.Equal(d("1800.5")))
	assert.Equal(t, 10, rp.GridLevels)
	assert.Equal(t, models.SpacingGeometric, rp.Spacing)
}

func TestSQLite_CreateRejectsInvalidConfig(t *testing.T) {
	s := openSQLite(t)
	bad := flatBot()
	bad.Flat().FlatIncrement = decimal.Zero
	_, err := s.CreateBot(context.Background(), bad)
	assert.True(t, errors.Is(err, errs.ErrInvalidConfig))
}

func TestSQLite_ListStatusAndStats(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	a, err := s.CreateBot(ctx, flatBot())
	require.NoError(t, err)
	b, err := s.CreateBot(ctx, rangeBot())
	require.NoError(t, err)

	require.NoError(t, s.UpdateStatus(ctx, b, models.GridBotStatusStopped))
	active, err := s.ListBots(ctx, models.GridBotStatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a, active[0].Config.ID)

	all, err := s.ListBots(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stopped, err := s.GetBot(ctx, b)
	require.NoError(t, err)
	assert.True(t, stopped.StoppedAt.Valid)

	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateStats(ctx, a, models.BotStats{
		TotalProfit: d("1.23456789"), CompletedCycles: 3, BuyFills: 4, SellFills: 3, LastActivityAt: at,
	}))
	rec, err := s.GetBot(ctx, a)
	require.NoError(t, err)
	assert.True(t, rec.TotalProfit.Equal(d("1.23456789")))
	assert.Equal(t, 3, rec.CompletedCycles)
	assert.Equal(t, 4, rec.TotalBuyOrders)
	require.True(t, rec.LastActivityAt.Valid)
	assert.True(t, rec.LastActivityAt.Time.Equal(at))

	assert.ErrorIs(t, s.UpdateStatus(ctx, 999, models.GridBotStatusPaused), ErrBotNotFound)
	_, err = s.GetBot(ctx, 999)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

// 旧版本 (只有区间网格) 的数据在迁移后继续可用
func TestSQLite_UpgradeKeepsLegacyRangeBots(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open(DialectSQLite, filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, DialectSQLite)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMP NOT NULL)`)
	require.NoError(t, err)
	require.NoError(t, s.apply(ctx, migrations[0]))
	_, err = db.Exec(`INSERT INTO grid_bots (user_id, symbol, lower_price, upper_price, grid_levels, investment_amount, created_at)
		VALUES (9, 'BTCUSDT', '90', '110', 5, '20', ?)`, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.Migrate(ctx))

	rec, err := s.GetBot(ctx, 1)
	require.NoError(t, err)
	rp := rec.Config.Range()
	require.NotNil(t, rp, "legacy 'arithmetic' rows load as range bots")
	assert.Equal(t, models.SpacingArithmetic, rp.SpacingOrDefault())
	assert.NoError(t, rec.Config.Validate())

	id, err := s.CreateBot(ctx, flatBot())
	require.NoError(t, err)
	rec, err = s.GetBot(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, rec.Config.Flat())
}

func TestPostgres_CreateUsesReturningAndNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, DialectPostgres)
	require.NoError(t, err)

	args := make([]driver.Value, 18)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	mock.ExpectQuery(`INSERT INTO grid_bots .* VALUES \(\$1, .*\$18\) RETURNING id`).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	id, err := s.CreateBot(context.Background(), flatBot())
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE grid_bots SET status = \$1, stopped_at = \$2 WHERE id = \$3`).
		WithArgs("stopped", sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.UpdateStatus(context.Background(), 7, models.GridBotStatusStopped)
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX\(version\) FROM schema_migrations`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER TABLE grid_bots ADD COLUMN IF NOT EXISTS spacing`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO schema_migrations \(version, name, applied_at\) VALUES \(\$1, \$2, \$3\)`).
		WithArgs(4, "add_range_spacing", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrationFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s, err := New(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT MAX\(version\)`).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER TABLE grid_bots`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = s.Migrate(context.Background())
	assert.ErrorContains(t, err, "migration 4")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(nil, "mysql")
	assert.Error(t, err)
}
