package models

// Config 结构体定义了引擎进程的全部配置参数
type Config struct {
	IsTestnet        bool           `json:"is_testnet"`         // 是否使用测试网
	Mode             string         `json:"mode"`               // 运行模式: live 或 paper
	InstanceID       int64          `json:"instance_id"`        // 进程实例ID，用于生成 client order id
	LedgerPath       string         `json:"ledger_path"`        // 账本 (BadgerDB) 目录
	HTTPAddr         string         `json:"http_addr"`          // 控制接口与 /metrics 的监听地址
	ControlToken     string         `json:"control_token"`      // 控制接口的 Bearer token，为空时不校验
	DailySummaryCron string         `json:"daily_summary_cron"` // 每日汇总通知的 cron 表达式
	Database         DatabaseConfig `json:"database"`
	Exchange         ExchangeConfig `json:"exchange"`
	Engine           EngineConfig   `json:"engine"`
	Redis            RedisConfig    `json:"redis"`
	Paper            PaperConfig    `json:"paper"`
	LogConfig        LogConfig      `json:"log"`
}

// DatabaseConfig 定义了 grid_bots 配置库的连接参数
type DatabaseConfig struct {
	Driver string `json:"driver"` // sqlite3 或 postgres
	DSN    string `json:"dsn"`
}

// ExchangeConfig 定义了交易所网关的限流、超时与重试参数
type ExchangeConfig struct {
	RequestsPerSecond        float64 `json:"requests_per_second"`        // 全局令牌桶速率 (按权重计)
	Burst                    int     `json:"burst"`                      // 令牌桶容量
	CallTimeoutMs            int     `json:"call_timeout_ms"`            // 单次调用超时
	RetryAttempts            int     `json:"retry_attempts"`             // 瞬时错误的最大尝试次数
	RetryInitialDelayMs      int     `json:"retry_initial_delay_ms"`     // 重试前的初始延迟
	RetryMaxDelayMs          int     `json:"retry_max_delay_ms"`         // 退避上限
	WebSocketPingIntervalSec int     `json:"websocket_ping_interval_sec"` // WebSocket Ping 间隔
	WebSocketPongTimeoutSec  int     `json:"websocket_pong_timeout_sec"`  // WebSocket Pong 超时
	ListenKeyKeepaliveSec    int     `json:"listen_key_keepalive_sec"`    // listenKey 续期间隔
	WSBaseURL                string  `json:"ws_base_url"`                 // 用户数据流地址，为空时按是否测试网选择
}

// EngineConfig 定义了 bot 运行时参数
type EngineConfig struct {
	ReconcileIntervalSec   int `json:"reconcile_interval_sec"`    // 挂单对账 (待挂档位重试) 间隔
	HealthCheckIntervalSec int `json:"health_check_interval_sec"` // 健康检查间隔
	MaxConsecutiveErrors   int `json:"max_consecutive_errors"`    // 连续错误上限，超过后进入 error
	ShutdownDrainSec       int `json:"shutdown_drain_sec"`        // 退出时等待在途调用完成的时间
	EventBuffer            int `json:"event_buffer"`              // 每个 bot 事件队列长度
}

// RedisConfig 定义了通知流的 Redis 参数。Addr 为空时不启用。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
}

// PaperConfig 定义了模拟盘参数
type PaperConfig struct {
	Prices          map[string]string `json:"prices"`            // 固定价格 (symbol -> price)
	SpreadBps       int               `json:"spread_bps"`        // 买卖价差 (基点)
	UsePublicTicker bool              `json:"use_public_ticker"` // 使用币安公开行情驱动价格
	TickSize        string            `json:"tick_size"`
	StepSize        string            `json:"step_size"`
	MinNotional     string            `json:"min_notional"`
	QuoteAsset      string            `json:"quote_asset"`       // 计价货币，默认 USDT
	Balances        map[string]string `json:"balances"`          // 初始余额 (asset -> amount)，为空时不校验余额
	PollIntervalSec int               `json:"poll_interval_sec"` // 公开行情轮询间隔
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}
