package logger

import (
	"os"
	"strings"
	"sync"

	"grid-engine/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu         sync.RWMutex
	baseLogger *zap.Logger
)

// InitLogger 根据配置初始化全局 zap 日志记录器
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// 文件输出不带颜色，控制台输出带颜色
	fileEncoderConfig := encoderConfig
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig), writer, level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	mu.Unlock()
}

// L 返回全局 logger；未初始化时返回开发模式的应急 logger
func L() *zap.Logger {
	mu.RLock()
	l := baseLogger
	mu.RUnlock()
	if l == nil {
		dev, _ := zap.NewDevelopment()
		return dev
	}
	return l
}

// S 返回全局的 sugared logger 实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// ForBot 返回带 bot 上下文字段的 logger
func ForBot(botID int64, symbol string) *zap.Logger {
	return L().With(zap.Int64("bot_id", botID), zap.String("symbol", symbol))
}

// Sync 刷新缓冲的日志
func Sync() {
	_ = L().Sync()
}
