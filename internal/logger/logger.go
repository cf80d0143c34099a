// Package logger 构建进程内共享的 zap 日志实例。
package logger

import (
	"fmt"
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New 按配置中的级别 (debug, info, warn, error) 创建一个 JSON 格式的 zap.Logger。
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("创建 zap logger 失败: %w", err)
	}
	return l, nil
}

// StdLogger 把 zap 包装成标准库 *log.Logger，给只接受 io.Writer 风格日志的组件 (如 gorm) 使用。
func StdLogger(l *zap.Logger, name string) *log.Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return zap.NewStdLog(l.Named(name))
}
