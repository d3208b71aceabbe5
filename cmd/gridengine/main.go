package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"grid-engine/internal/config"
	"grid-engine/internal/exchange"
	"grid-engine/internal/idgenerator"
	"grid-engine/internal/logger"
	"grid-engine/internal/metrics"
	"grid-engine/internal/models"
	"grid-engine/internal/notify"
	"grid-engine/internal/persistence"
	"grid-engine/internal/reporter"
	"grid-engine/internal/storage"
	"grid-engine/internal/supervisor"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "running mode: live or paper (overrides the config file)")
	seedPath := flag.String("seed", "", "JSON file with grid bot definitions to insert before starting")
	status := flag.Bool("status", false, "print the bot status table and exit")
	flag.Parse()

	// 加载配置之前先用默认日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if config.LoadEnv() {
		logger.S().Info("成功从 .env 文件加载配置。")
	} else {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Mode = *mode
		if err := config.Validate(cfg); err != nil {
			logger.S().Fatal(err)
		}
	}
	cfg.Mode = strings.ToLower(cfg.Mode)

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.Sync()

	if *status {
		if err := printStatus(cfg); err != nil {
			logger.S().Fatal(err)
		}
		return
	}

	if err := run(cfg, *seedPath); err != nil {
		logger.S().Fatal(err)
	}
}

func run(cfg *models.Config, seedPath string) error {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if seedPath != "" {
		ids, err := seedBots(ctx, store, seedPath)
		if err != nil {
			return err
		}
		log.Info("已写入种子 bot", zap.Int64s("bot_ids", ids))
	}

	ledger, err := persistence.NewBadgerLedger(cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("打开账本失败: %w", err)
	}
	defer ledger.Close()

	ids, err := idgenerator.NewIDGenerator(cfg.InstanceID)
	if err != nil {
		return err
	}
	m := metrics.New()

	// --- 通知 ---
	var channels notify.Multi
	channels = append(channels, notify.NewLogNotifier(log.Named("notify")))
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis 不可用，事件只写日志", zap.Error(err))
		} else {
			channels = append(channels, notify.NewRedisStream(rdb, cfg.Redis.Stream, 10000))
		}
	}
	async := notify.NewAsync(channels, cfg.Engine.EventBuffer, log.Named("notify"))
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	go async.Run(notifyCtx)

	pool, err := newGatewayPool(cfg, exchange.NewEnvCredentials(), m, log.Named("exchange"))
	if err != nil {
		stopNotify()
		return err
	}

	sup := supervisor.New(supervisor.OptionsFromConfig(cfg.Engine), supervisor.Deps{
		Store:    store,
		Ledger:   ledger,
		Gateways: pool.For,
		IDs:      ids,
		Notifier: async,
		Metrics:  m,
		Logger:   log,
	})
	pool.Bind(sup.Dispatch)

	results, err := sup.Load(ctx)
	if err != nil {
		stopNotify()
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			log.Error("bot 恢复失败", zap.Int64("bot_id", r.BotID), zap.Error(r.Err))
		}
	}

	// worker 与数据流不跟随信号 context，退出时先排空再取消
	workCtx, stopWork := context.WithCancel(context.Background())
	sup.Run(workCtx)
	pool.Start(workCtx)

	scheduler, err := sup.ScheduleDailySummary(workCtx, cfg.DailySummaryCron)
	if err != nil {
		log.Warn("每日汇总未启用", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           sup.Handler(m.Handler(), cfg.ControlToken),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("控制接口退出", zap.Error(err))
		}
	}()
	log.Info("网格引擎已启动",
		zap.String("mode", cfg.Mode),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Int("bots", len(sup.Bots())))

	<-ctx.Done()
	log.Info("收到退出信号，开始关闭")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	sup.Shutdown()
	stopWork()
	pool.Wait()

	stopNotify()
	async.Wait()
	log.Info("网格引擎已退出")
	return nil
}

// printStatus 优先查询运行中的引擎，失败时读取 grid_bots 表的统计
func printStatus(cfg *models.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 3 * time.Second}
	bots, err := reporter.Fetch(ctx, client, baseURL(cfg.HTTPAddr), cfg.ControlToken)
	title := "Grid bots (live)"
	if err != nil {
		logger.L().Info("引擎未运行，读取数据库统计", zap.Error(err))
		store, err := storage.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer store.Close()
		records, err := store.ListBots(ctx)
		if err != nil {
			return err
		}
		bots = reporter.FromRecords(records, time.Now())
		title = "Grid bots (stored)"
	}
	reporter.Render(os.Stdout, title, bots, time.Now())
	return nil
}

// baseURL 把监听地址转成本机可访问的 URL
func baseURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
