package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"grid-engine/internal/errs"
	"grid-engine/internal/models"

	"github.com/joho/godotenv"
)

// 环境变量覆盖项
const (
	EnvDatabaseDSN   = "GRID_DB_DSN"
	EnvRedisAddr     = "GRID_REDIS_ADDR"
	EnvRedisPassword = "GRID_REDIS_PASSWORD"
	EnvControlToken  = "GRID_CONTROL_TOKEN"
)

// LoadEnv 加载 .env 文件 (可选)，返回是否找到文件
func LoadEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// LoadConfig 从指定路径加载JSON配置文件，补齐默认值并应用环境变量覆盖
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Mode == "" {
		cfg.Mode = "live"
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "data/ledger"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DailySummaryCron == "" {
		cfg.DailySummaryCron = "0 9 * * *"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "data/grid_bots.db"
	}

	ex := &cfg.Exchange
	if ex.RequestsPerSecond <= 0 {
		ex.RequestsPerSecond = 10
	}
	if ex.Burst <= 0 {
		ex.Burst = 20
	}
	if ex.CallTimeoutMs <= 0 {
		ex.CallTimeoutMs = 10000
	}
	if ex.RetryAttempts <= 0 {
		ex.RetryAttempts = 3
	}
	if ex.RetryInitialDelayMs <= 0 {
		ex.RetryInitialDelayMs = 1000
	}
	if ex.RetryMaxDelayMs <= 0 {
		ex.RetryMaxDelayMs = 30000
	}
	if ex.WebSocketPingIntervalSec <= 0 {
		ex.WebSocketPingIntervalSec = 54
	}
	if ex.WebSocketPongTimeoutSec <= 0 {
		ex.WebSocketPongTimeoutSec = 60
	}
	if ex.ListenKeyKeepaliveSec <= 0 {
		ex.ListenKeyKeepaliveSec = 30 * 60
	}

	en := &cfg.Engine
	if en.ReconcileIntervalSec <= 0 {
		en.ReconcileIntervalSec = 10
	}
	if en.HealthCheckIntervalSec <= 0 {
		en.HealthCheckIntervalSec = 300
	}
	if en.MaxConsecutiveErrors <= 0 {
		en.MaxConsecutiveErrors = 5
	}
	if en.ShutdownDrainSec <= 0 {
		en.ShutdownDrainSec = 15
	}
	if en.EventBuffer <= 0 {
		en.EventBuffer = 256
	}

	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = "grid:events"
	}
	if cfg.Paper.SpreadBps <= 0 {
		cfg.Paper.SpreadBps = 2
	}
	if cfg.Paper.QuoteAsset == "" {
		cfg.Paper.QuoteAsset = "USDT"
	}
	if cfg.Paper.PollIntervalSec <= 0 {
		cfg.Paper.PollIntervalSec = 5
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

func applyEnv(cfg *models.Config) {
	if v := os.Getenv(EnvDatabaseDSN); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(EnvControlToken); v != "" {
		cfg.ControlToken = v
	}
}

// Validate 检查进程级配置
func Validate(cfg *models.Config) error {
	switch strings.ToLower(cfg.Mode) {
	case "live", "paper":
	default:
		return errs.InvalidConfig("unknown mode %q, expected live or paper", cfg.Mode)
	}
	switch cfg.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return errs.InvalidConfig("unsupported database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return errs.InvalidConfig("database dsn is required")
	}
	if cfg.InstanceID < 0 || cfg.InstanceID > 1023 {
		return errs.InvalidConfig("instance_id must be within [0, 1023], got %d", cfg.InstanceID)
	}
	return nil
}
