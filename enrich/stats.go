package enrich

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

// RunStats 汇总一次 RunBatch 的结果
type RunStats struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Selected  int       `json:"selected"`
	Claimed   int       `json:"claimed"`
	// Processed 是成功完成的记录数
	Processed int `json:"processed"`
	// Failed 是本次尝试失败的记录数，其中 Retried 条重新排队，Exhausted 条进入 FAILED
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
	TimedOut  int `json:"timedOut"`
	// Released 是已认领但因运行时间预算用完而未开始处理、被放回 PENDING 的记录数
	Released  int           `json:"released"`
	Remaining int64         `json:"remaining"`
	Duration  time.Duration `json:"duration"`
	Busy      bool          `json:"busy"`
}

// StatusReport 是对外展示的队列状态
type StatusReport struct {
	Counts  map[queue.Status]int64 `json:"counts"`
	Running bool                   `json:"running"`
	LastRun *RunStats              `json:"lastRun,omitempty"`
}

// metrics 持有处理器的 otel 指标，未配置 MeterProvider 时全局实现为 noop
type metrics struct {
	outcomes metric.Int64Counter
	swept    metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter(tracerName)
	m := &metrics{}
	// 创建失败时 otel 返回可用的 noop instrument，这里只保留错误之外的返回值
	m.outcomes, _ = meter.Int64Counter("enrich.records",
		metric.WithDescription("Records finished by the batch processor, by outcome"))
	m.swept, _ = meter.Int64Counter("enrich.swept",
		metric.WithDescription("Records recovered or failed by the stalled-item sweeper"))
	m.duration, _ = meter.Float64Histogram("enrich.batch.duration",
		metric.WithDescription("Batch run duration"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) record(ctx context.Context, outcome, kind string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("error.kind", kind),
	))
}

func (m *metrics) sweep(ctx context.Context, res SweepResult) {
	m.swept.Add(ctx, res.Reset, metric.WithAttributes(attribute.String("action", "reset")))
	m.swept.Add(ctx, res.Exhausted, metric.WithAttributes(attribute.String("action", "exhausted")))
}

func (m *metrics) run(ctx context.Context, stats RunStats) {
	m.duration.Record(ctx, stats.Duration.Seconds())
}
