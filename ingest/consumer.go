package ingest

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/mq"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

// MessageReader 是 *kafka.Reader 的最小接口
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FailureHandler 接管处理失败的消息，返回 nil 表示原消息可以提交
type FailureHandler interface {
	Handle(ctx context.Context, msg kafka.Message, cause error) error
}

// KafkaConsumer 消费 CRM 变更事件 topic，每条消息处理完成后才提交 offset。
// offset 按分区提交，提交后面的消息会把前面的一并确认，
// 所以一条消息处理失败时不会越过它去取下一条，而是原地退避重试。
type KafkaConsumer struct {
	reader   MessageReader
	ingester Ingester
	failures FailureHandler
	backoff  queue.Backoff
	tracer   trace.Tracer
}

// NewKafkaConsumer failures 为 nil 时，失败的消息原地重试直到成功或 ctx 取消
func NewKafkaConsumer(reader MessageReader, ingester Ingester, failures FailureHandler) *KafkaConsumer {
	return &KafkaConsumer{
		reader:   reader,
		ingester: ingester,
		failures: failures,
		backoff:  queue.Backoff{Base: time.Second, Max: 30 * time.Second},
		tracer:   otel.Tracer("github.com/wangyingjie930/nexus-enrich/ingest"),
	}
}

// IsRetryable 判断入站事件的失败是否值得重投，格式错误的事件直接进入死信
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, enrich.ErrInvalidEvent) && !errors.Is(err, enrich.ErrClientNotFound)
}

// Start 阻塞直到 ctx 被取消或 reader 关闭
func (c *KafkaConsumer) Start(ctx context.Context) error {
	log := logger.Ctx(ctx)
	log.Info().Msg("starting crm event consumer")
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close kafka reader")
		}
	}()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info().Msg("stopping crm event consumer")
				return nil
			}
			log.Error().Err(err).Msg("failed to fetch kafka message")
			return err
		}

		if !c.handleUntilDone(ctx, msg) {
			// ctx 已取消，消息未提交，重启后从上次提交的 offset 重新投递
			log.Info().Int64("offset", msg.Offset).Msg("stopping crm event consumer, message left uncommitted")
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit kafka message")
		}
	}
}

// handleUntilDone 反复处理同一条消息，直到成功（返回 true）或 ctx 被取消（返回 false）
func (c *KafkaConsumer) handleUntilDone(ctx context.Context, msg kafka.Message) bool {
	for attempt := 0; ; attempt++ {
		err := c.handle(ctx, msg)
		if err == nil {
			return true
		}
		delay := c.backoff.Delay(attempt)
		logger.Ctx(ctx).Error().Err(err).
			Int64("offset", msg.Offset).
			Int("attempt", attempt+1).
			Dur("retry_in", delay).
			Msg("❌ failed to handle kafka message, retrying in place")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// handle 返回非 nil 表示消息不能提交
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx = mq.ExtractTraceContext(ctx, msg.Headers)
	ctx, span := c.tracer.Start(ctx, "ConsumeCRMEvent", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	err := c.ingest(ctx, msg)
	if err == nil {
		return nil
	}
	span.RecordError(err)
	if c.failures == nil {
		return err
	}
	return c.failures.Handle(ctx, msg, err)
}

func (c *KafkaConsumer) ingest(ctx context.Context, msg kafka.Message) error {
	events, err := DecodeEvents(msg.Value)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, ev := range events {
		if _, _, err := c.ingester.Ingest(ctx, ev); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
