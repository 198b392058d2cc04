package logger

import (
	"os"
	"strings"
	"sync"

	"binance-perp-guard-go/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu         sync.RWMutex
	baseLogger *zap.Logger
)

// InitLogger 初始化全局zap日志记录器，并返回它以便注入到各组件
func InitLogger(cfg models.LogConfig) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if output == "file" || output == "both" {
		// 文件不需要颜色码
		fileEncoderConfig := encoderConfig
		fileEncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		rotator := &lumberjack.Logger{
			Filename:   fileName(cfg.File),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEncoderConfig), zapcore.AddSync(rotator), level))
	}

	consoleEncoderConfig := encoderConfig
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig), zapcore.AddSync(os.Stdout), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	baseLogger = l
	mu.Unlock()
	return l
}

func fileName(path string) string {
	if path == "" {
		return "logs/perp-guard.log"
	}
	return path
}

// L 返回全局logger，供需要结构化字段的组件使用
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if baseLogger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return baseLogger
}

// S 返回全局的sugared logger实例
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Named 返回带组件名的子logger
func Named(component string) *zap.Logger {
	return L().Named(component)
}
