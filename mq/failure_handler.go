package mq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wangyingjie930/nexus-enrich/logger"
)

const (
	HeaderOriginalTopic     = "dlt-original-topic"
	HeaderOriginalPartition = "dlt-original-partition"
	HeaderOriginalOffset    = "dlt-original-offset"
	HeaderExceptionType     = "dlt-exception-type"
	HeaderExceptionMessage  = "dlt-exception-message"
	HeaderRetryCount        = "retry-count"
)

// ResilienceConfig 控制消费失败后的重投与死信
type ResilienceConfig struct {
	Enabled bool
	// MaxRetries 是重新投递回原 topic 的最大次数
	MaxRetries int
	// DltTopicTemplate 例如 "{topic}.dlt"
	DltTopicTemplate string
}

// FailureHandler 处理消费失败的消息：可重试的错误重新投递到原 topic，
// 其余的或超过重试次数的投递到死信 topic
type FailureHandler struct {
	config    ResilienceConfig
	retryable func(error) bool
	newWriter func(topic string) MessageWriter
	tracer    trace.Tracer

	mu      sync.Mutex
	writers map[string]MessageWriter
}

// NewFailureHandler retryable 为 nil 时所有错误都视为可重试
func NewFailureHandler(brokers []string, config ResilienceConfig, retryable func(error) bool) *FailureHandler {
	return newFailureHandler(config, retryable, func(topic string) MessageWriter {
		return NewKafkaWriter(brokers, topic)
	})
}

func newFailureHandler(config ResilienceConfig, retryable func(error) bool, newWriter func(string) MessageWriter) *FailureHandler {
	if config.DltTopicTemplate == "" {
		config.DltTopicTemplate = "{topic}.dlt"
	}
	if retryable == nil {
		retryable = func(err error) bool { return err != nil }
	}
	return &FailureHandler{
		config:    config,
		retryable: retryable,
		newWriter: newWriter,
		tracer:    otel.Tracer("github.com/wangyingjie930/nexus-enrich/mq"),
		writers:   make(map[string]MessageWriter),
	}
}

// Handle 返回 nil 表示消息已转交到重投或死信 topic，原消息可以提交
func (h *FailureHandler) Handle(ctx context.Context, original kafka.Message, cause error) error {
	if !h.config.Enabled {
		return cause
	}

	ctx, span := h.tracer.Start(ctx, "FailureHandler.Handle")
	defer span.End()

	retryCount, _ := strconv.Atoi(headerValue(original.Headers, HeaderRetryCount))
	baseTopic := headerValue(original.Headers, HeaderOriginalTopic)
	if baseTopic == "" {
		baseTopic = original.Topic
	}

	var targetTopic, action string
	if h.retryable(cause) && retryCount < h.config.MaxRetries {
		targetTopic, action = baseTopic, "RETRY"
		retryCount++
	} else {
		targetTopic = strings.ReplaceAll(h.config.DltTopicTemplate, "{topic}", baseTopic)
		action = "DLT"
	}
	span.SetAttributes(
		attribute.String("failure.original_topic", baseTopic),
		attribute.String("failure.action", action),
		attribute.String("failure.target_topic", targetTopic),
	)

	msg := prepareMessage(original, cause, retryCount, baseTopic)
	logger.Ctx(ctx).Warn().
		Err(cause).
		Str("action", action).
		Str("target_topic", targetTopic).
		Int("retry_count", retryCount).
		Msg("inbound message failed")

	if err := h.getWriter(targetTopic).WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish to failure topic")
		return fmt.Errorf("publish to %s: %w", targetTopic, err)
	}
	return nil
}

func (h *FailureHandler) getWriter(topic string) MessageWriter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.writers[topic]; ok {
		return w
	}
	w := h.newWriter(topic)
	h.writers[topic] = w
	return w
}

// Close 关闭按需创建的 writer
func (h *FailureHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, w := range h.writers {
		if c, ok := w.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.Logger.Warn().Err(err).Str("topic", topic).Msg("failed to close kafka writer")
			}
		}
	}
	return nil
}

func prepareMessage(original kafka.Message, cause error, retryCount int, baseTopic string) kafka.Message {
	headers := make([]kafka.Header, 0, len(original.Headers)+6)
	for _, header := range original.Headers {
		switch header.Key {
		case HeaderRetryCount, HeaderOriginalTopic, HeaderOriginalPartition, HeaderOriginalOffset,
			HeaderExceptionType, HeaderExceptionMessage:
		default:
			headers = append(headers, header)
		}
	}

	headers = append(headers,
		kafka.Header{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(retryCount))},
		kafka.Header{Key: HeaderOriginalTopic, Value: []byte(baseTopic)},
		kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(original.Partition))},
		kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(original.Offset, 10))},
	)
	if cause != nil {
		headers = append(headers,
			kafka.Header{Key: HeaderExceptionType, Value: []byte(fmt.Sprintf("%T", cause))},
			kafka.Header{Key: HeaderExceptionMessage, Value: []byte(cause.Error())},
		)
	}

	return kafka.Message{
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	}
}
