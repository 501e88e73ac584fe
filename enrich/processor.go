package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

// ProcessorConfig 是批处理器的时间参数
type ProcessorConfig struct {
	// ItemTimeout 是单条记录的处理上限，超时后记录按失败处理
	ItemTimeout time.Duration
	// SafetyMargin 从 MaxRuntime 中预留，用于收尾写入
	SafetyMargin time.Duration
	// WriteTimeout 是结果写入的上限，写入不受批处理取消的影响
	WriteTimeout time.Duration
	// AbandonGrace 是被放弃的处理在后台继续运行的额外时间
	AbandonGrace time.Duration
	Backoff      queue.Backoff
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ItemTimeout:  30 * time.Second,
		SafetyMargin: 10 * time.Second,
		WriteTimeout: 10 * time.Second,
		AbandonGrace: 30 * time.Second,
		Backoff:      queue.DefaultBackoff(),
	}
}

// BatchOptions 控制一次 RunBatch 的规模
type BatchOptions struct {
	Limit       int
	Concurrency int
	MaxRuntime  time.Duration
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxRuntime <= 0 {
		o.MaxRuntime = 5 * time.Minute
	}
	return o
}

// TerminalFailureNotifier 在记录进入 FAILED 终态后被调用，例如投递到死信 topic
type TerminalFailureNotifier interface {
	NotifyExhausted(ctx context.Context, rec queue.QueueRecord, lastErr string) error
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithNotifier(n TerminalFailureNotifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// Processor 以有界并发驱动一批记录完成处理
type Processor struct {
	store    queue.Store
	items    ItemProcessor
	cfg      ProcessorConfig
	now      func() time.Time
	notifier TerminalFailureNotifier
	metrics  *metrics
	tracer   trace.Tracer

	running atomic.Bool
	mu      sync.Mutex
	last    *RunStats
}

func NewProcessor(store queue.Store, items ItemProcessor, cfg ProcessorConfig, opts ...Option) *Processor {
	def := DefaultProcessorConfig()
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.AbandonGrace < 0 {
		cfg.AbandonGrace = 0
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}

	p := &Processor{
		store:   store,
		items:   items,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: newMetrics(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsRunning 报告本实例是否有批处理正在运行
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// LastRun 返回最近一次完成的批处理统计
func (p *Processor) LastRun() *RunStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	cp := *p.last
	return &cp
}

// Status 返回各状态的记录数与最近一次运行的统计
func (p *Processor) Status(ctx context.Context) (StatusReport, error) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{
		Counts:  counts,
		Running: p.IsRunning(),
		LastRun: p.LastRun(),
	}, nil
}

type itemResult int

const (
	itemSucceeded itemResult = iota
	itemRetried
	itemExhausted
)

// RunBatch 选择、认领并处理一批记录。同一实例上的重入调用立即返回 ErrBusy。
// ProcessOne 内部的任何失败都不会从这里返回，只反映在统计中。
func (p *Processor) RunBatch(ctx context.Context, opts BatchOptions) (RunStats, error) {
	if !p.running.CompareAndSwap(false, true) {
		return RunStats{Busy: true}, ErrBusy
	}
	defer p.running.Store(false)

	opts = opts.withDefaults()
	began := time.Now()
	stats := RunStats{RunID: uuid.NewString(), StartedAt: p.now()}

	ctx, span := p.tracer.Start(ctx, "RunBatch", trace.WithAttributes(
		attribute.String("run.id", stats.RunID),
		attribute.Int("batch.limit", opts.Limit),
		attribute.Int("batch.concurrency", opts.Concurrency),
	))
	defer span.End()
	log := logger.Ctx(ctx).With().Str("run_id", stats.RunID).Logger()

	records, err := p.store.SelectEligible(ctx, stats.StartedAt, opts.Limit)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("select eligible: %w", err)
	}
	stats.Selected = len(records)

	claimed := p.claim(ctx, records)
	stats.Claimed = len(claimed)

	budget := opts.MaxRuntime - p.cfg.SafetyMargin
	if budget <= 0 {
		budget = opts.MaxRuntime
	}
	// 预算从 RunBatch 开始计时，选择与认领的耗时也计入其中
	admitCtx, cancelAdmit := context.WithDeadline(ctx, began.Add(budget))
	defer cancelAdmit()

	var (
		mu      sync.Mutex
		g       errgroup.Group
		jobs    = make(chan queue.QueueRecord)
		workers = min(opts.Concurrency, len(claimed))
	)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for rec := range jobs {
				res, timedOut := p.handle(ctx, rec)
				mu.Lock()
				stats.add(res, timedOut)
				mu.Unlock()
			}
			return nil
		})
	}
	unadmitted := feed(admitCtx, jobs, claimed)
	_ = g.Wait()

	wctx, cancel := p.writeContext(ctx)
	defer cancel()
	for _, rec := range unadmitted {
		ok, err := p.store.Release(wctx, rec.ID, rec.Attempts)
		if err != nil {
			log.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to release unadmitted record")
			continue
		}
		if ok {
			stats.Released++
		}
	}

	if remaining, err := p.store.CountEligible(wctx, p.now()); err != nil {
		log.Warn().Err(err).Msg("failed to count remaining eligible records")
	} else {
		stats.Remaining = remaining
	}

	stats.Duration = time.Since(began)
	p.metrics.run(ctx, stats)
	p.mu.Lock()
	last := stats
	p.last = &last
	p.mu.Unlock()

	log.Info().
		Int("selected", stats.Selected).
		Int("claimed", stats.Claimed).
		Int("processed", stats.Processed).
		Int("failed", stats.Failed).
		Int("retried", stats.Retried).
		Int("exhausted", stats.Exhausted).
		Int("timed_out", stats.TimedOut).
		Int("released", stats.Released).
		Int64("remaining", stats.Remaining).
		Dur("duration", stats.Duration).
		Msg("✅ batch run finished")
	return stats, nil
}

func (s *RunStats) add(res itemResult, timedOut bool) {
	if timedOut {
		s.TimedOut++
	}
	switch res {
	case itemSucceeded:
		s.Processed++
	case itemRetried:
		s.Failed++
		s.Retried++
	case itemExhausted:
		s.Failed++
		s.Exhausted++
	}
}

// claim 逐条认领，竞争失败的记录直接跳过
func (p *Processor) claim(ctx context.Context, records []*queue.QueueRecord) []queue.QueueRecord {
	log := logger.Ctx(ctx)
	claimed := make([]queue.QueueRecord, 0, len(records))
	for _, rec := range records {
		now := p.now()
		ok, err := p.store.Claim(ctx, rec.ID, rec.Attempts, now)
		if err != nil {
			log.Error().Err(err).Uint64("record_id", rec.ID).Msg("failed to claim record")
			continue
		}
		if !ok {
			log.Debug().Uint64("record_id", rec.ID).Msg("record claimed by another processor")
			continue
		}
		r := *rec
		r.Status = queue.StatusProcessing
		r.ProcessingStartedAt = &now
		claimed = append(claimed, r)
	}
	return claimed
}

// feed 向工作协程逐条投递记录，预算用完后停止并返回未投递的记录。
// jobs 无缓冲，投递成功即表示有工作协程开始处理该记录。
func feed(ctx context.Context, jobs chan<- queue.QueueRecord, claimed []queue.QueueRecord) []queue.QueueRecord {
	defer close(jobs)
	for i, rec := range claimed {
		if ctx.Err() != nil {
			return claimed[i:]
		}
		select {
		case jobs <- rec:
		case <-ctx.Done():
			return claimed[i:]
		}
	}
	return nil
}

// handle 让 ProcessOne 与单条超时、批处理取消赛跑。
// 超时后处理协程继续在后台运行直到 AbandonGrace 结束，其结果被丢弃。
func (p *Processor) handle(ctx context.Context, rec queue.QueueRecord) (itemResult, bool) {
	itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	started := time.Now()
	done := make(chan Outcome, 1)
	go func() {
		workCtx, workCancel := context.WithTimeout(context.WithoutCancel(itemCtx), p.cfg.ItemTimeout+p.cfg.AbandonGrace)
		defer workCancel()
		defer func() {
			if r := recover(); r != nil {
				done <- Outcome{Err: fmt.Errorf("process record %d panicked: %v", rec.ID, r)}
			}
		}()
		done <- p.items.ProcessOne(workCtx, rec)
	}()

	var (
		out      Outcome
		timedOut bool
	)
	select {
	case out = <-done:
	case <-itemCtx.Done():
		timedOut = true
		out = Outcome{Err: &TimeoutError{After: time.Since(started), Cause: itemCtx.Err()}}
	}
	return p.settle(ctx, rec, out), timedOut
}

func (p *Processor) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.WriteTimeout)
}

// settle 持久化一次尝试的结果。写入以认领时的 attempts 为条件，
// 记录已被回收时更新不生效，只记日志。
func (p *Processor) settle(ctx context.Context, rec queue.QueueRecord, out Outcome) itemResult {
	wctx, cancel := p.writeContext(ctx)
	defer cancel()

	log := logger.Ctx(ctx).With().Uint64("record_id", rec.ID).Int("attempts", rec.Attempts).Logger()
	now := p.now()
	attempt := queue.AttemptResult{ValidationResults: out.Results.marshal()}

	if out.Success {
		if out.Receipt != nil {
			attempt.SubmissionResponse, _ = json.Marshal(out.Receipt)
		}
		ok, err := p.store.Complete(wctx, rec.ID, rec.Attempts, attempt, now)
		logWrite(log, "complete", ok, err)
		p.metrics.record(ctx, "completed", errorKind(nil))
		return itemSucceeded
	}

	if out.Err == nil {
		out.Err = fmt.Errorf("record %d failed without error", rec.ID)
	}
	attempt.LastError = out.Err.Error()
	kind := errorKind(out.Err)

	decision := p.cfg.Backoff.Decide(now, rec.Attempts, rec.MaxAttempts)
	if decision.Terminal {
		ok, err := p.store.Fail(wctx, rec.ID, rec.Attempts, attempt, now)
		logWrite(log, "fail", ok, err)
		log.Error().Err(out.Err).Str("error_kind", kind).Msg("❌ record exhausted its attempts")
		p.metrics.record(ctx, "exhausted", kind)
		if ok && p.notifier != nil {
			rec.Attempts = decision.Attempts
			rec.Status = queue.StatusFailed
			if err := p.notifier.NotifyExhausted(wctx, rec, attempt.LastError); err != nil {
				log.Warn().Err(err).Msg("failed to publish terminal failure")
			}
		}
		return itemExhausted
	}

	ok, err := p.store.Retry(wctx, rec.ID, rec.Attempts, decision.NextEligibleAt, attempt)
	logWrite(log, "retry", ok, err)
	log.Warn().Err(out.Err).
		Str("error_kind", kind).
		Time("next_eligible_at", decision.NextEligibleAt).
		Msg("record scheduled for retry")
	p.metrics.record(ctx, "retried", kind)
	return itemRetried
}

func logWrite(log zerolog.Logger, op string, ok bool, err error) {
	switch {
	case err != nil:
		log.Error().Err(err).Str("op", op).Msg("failed to persist outcome")
	case !ok:
		log.Warn().Str("op", op).Msg("record no longer owned by this run, outcome discarded")
	}
}
