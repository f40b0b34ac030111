package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu sync.RWMutex
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Init 按模式初始化 logger: "production" / "development" / "nop"
func Init(mode string) error {
	switch strings.ToLower(mode) {
	case "", "production", "prod":
		return InitProduction()
	case "development", "dev":
		return InitDevelopment()
	case "nop", "off":
		setLogger(zap.NewNop())
		return nil
	default:
		return fmt.Errorf("unknown log mode %q", mode)
	}
}

// InitProduction JSON 输出, 供服务进程使用
func InitProduction() error {
	cfg := zap.NewProductionConfig()
	return build(cfg)
}

// InitDevelopment 控制台友好输出, 供 CLI 和调试使用
func InitDevelopment() error {
	cfg := zap.NewDevelopmentConfig()
	return build(cfg)
}

func build(cfg zap.Config) error {
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	setLogger(l)
	return nil
}

// setLogger 替换 zap 全局 logger, zap.L()/zap.S() 返回同一实例
func setLogger(l *zap.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	zap.ReplaceGlobals(l)
	if log != nil {
		_ = log.Sync()
	}
	log = l
	sugar = l.Sugar()
}

// Log 返回 *zap.Logger（非 nil）
func Log() *zap.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		return log
	}
	// 未初始化时返回 zap 全局（可能是 noop）
	return zap.L()
}

// S 返回 *zap.SugaredLogger（非 nil）
func S() *zap.SugaredLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	if sugar != nil {
		return sugar
	}
	return zap.S()
}

// Named returns a child logger tagged with the component name.
func Named(component string) *zap.Logger {
	return Log().Named(component)
}

func Sync() {
	logMu.RLock()
	defer logMu.RUnlock()
	if log != nil {
		_ = log.Sync()
	}
}
