package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Logger 是一个全局的、配置好的 zerolog 实例
// 在 Init 之前默认丢弃所有输出，测试中无需额外初始化
var Logger = zerolog.Nop()

// Init 初始化全局 logger，level 为空时使用 info
func Init(serviceName string, level string) {
	InitWithWriter(os.Stdout, serviceName, level)
}

// InitWithWriter 与 Init 相同，但允许指定输出目标
func InitWithWriter(w io.Writer, serviceName string, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs // 使用毫秒级时间戳
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"
	zerolog.TimestampFieldName = "ts"

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	Logger = zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service_name", serviceName).
		Logger()
}

// Ctx 返回一个带有从 context 中提取的追踪信息的子 logger。
// 这是将日志与链路追踪关联起来的关键。
func Ctx(ctx context.Context) *zerolog.Logger {
	log := Logger

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		log = log.With().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Logger()
	}
	return &log
}
