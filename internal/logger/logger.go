// Package logger 提供全局结构化日志
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var levelVar = new(slog.LevelVar)

// L 全局日志实例，Setup 之前输出 JSON 到 stdout
var L = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// SetLevel 设置全局日志级别 (debug, info, warn, error)
func SetLevel(lvl string) {
	levelVar.Set(ParseLevel(lvl))
}

// ParseLevel 解析日志级别，无法识别时返回 info
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup 按配置重建全局日志
// 参数:
//   - level: 日志级别
//   - format: json / text
//
// 返回:
//   - *slog.Logger: 新的全局日志实例
func Setup(level, format string) *slog.Logger {
	return SetupWriter(os.Stdout, level, format)
}

// SetupWriter 与 Setup 相同，但输出到指定 Writer
func SetupWriter(w io.Writer, level, format string) *slog.Logger {
	SetLevel(level)

	opts := &slog.HandlerOptions{Level: levelVar}
	var h slog.Handler
	if strings.EqualFold(format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	L = slog.New(h)
	slog.SetDefault(L)
	return L
}
