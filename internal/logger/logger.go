// Package logger 基于 slog + lumberjack 的日志门面
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	defaultLogger *slog.Logger
	setupOnce     sync.Once
)

// Options 日志初始化选项
type Options struct {
	Level      string // debug, info, warn, error
	FilePath   string // 日志文件路径，为空则只打控制台
	MaxSize    int    // 单文件最大 MB
	MaxBackups int    // 保留文件个数
	MaxAge     int    // 保留天数
	Compress   bool   // 是否压缩旧日志
	Stdout     bool   // 是否同时打印到控制台
}

// Setup 初始化全局日志器
// 重复调用只有第一次生效
func Setup(opts Options) error {
	var err error

	setupOnce.Do(func() {
		var writers []io.Writer

		// 1. 文件输出 (带轮转)
		if opts.FilePath != "" {
			if mkErr := os.MkdirAll(filepath.Dir(opts.FilePath), 0755); mkErr != nil {
				err = fmt.Errorf("failed to create log dir: %w", mkErr)
				return
			}
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.FilePath,
				MaxSize:    opts.MaxSize,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAge,
				Compress:   opts.Compress,
			})
		}

		// 2. 控制台输出
		if opts.Stdout || opts.FilePath == "" {
			writers = append(writers, os.Stdout)
		}

		// 3. 解析日志级别
		var level slog.Level
		switch strings.ToLower(opts.Level) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
			Level: level,
		})
		defaultLogger = slog.New(handler)
	})

	return err
}

// get 未初始化时兜底到控制台，避免空指针
func get() *slog.Logger {
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }

func Info(msg string, args ...any) { get().Info(msg, args...) }

func Warn(msg string, args ...any) { get().Warn(msg, args...) }

func Error(msg string, args ...any) { get().Error(msg, args...) }
