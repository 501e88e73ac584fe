// Package ingest 是入站事件的边界：签名校验的 webhook 以及 Kafka 消费者
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/wangyingjie930/nexus-enrich/enrich"
	"github.com/wangyingjie930/nexus-enrich/logger"
	"github.com/wangyingjie930/nexus-enrich/queue"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Ingester 把一个入站事件转换为队列记录，由 enrich.Service 实现
type Ingester interface {
	Ingest(ctx context.Context, ev enrich.InboundEvent) (*queue.QueueRecord, bool, error)
}

// WebhookHandler 校验签名后立即返回 202，事件在后台入队
type WebhookHandler struct {
	ingester Ingester
	secret   string
	timeout  time.Duration
	now      func() time.Time

	wg sync.WaitGroup
}

// NewWebhookHandler secret 为空时返回 ErrMissingSecret
func NewWebhookHandler(ingester Ingester, secret string, timeout time.Duration) (*WebhookHandler, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookHandler{
		ingester: ingester,
		secret:   secret,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	err = Verify(h.secret, r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body, h.now())
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Str("remote", r.RemoteAddr).Msg("❌ webhook rejected")
		switch {
		case errors.Is(err, ErrInvalidTimestamp), errors.Is(err, ErrTimestampOutsideWindow):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
		return
	}

	// 认证通过后始终返回 202，解析与入队的失败只记录日志
	w.WriteHeader(http.StatusAccepted)

	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		h.process(ctx, body)
	}()
}

// Wait 等待所有后台处理结束，用于优雅退出
func (h *WebhookHandler) Wait() {
	h.wg.Wait()
}

func (h *WebhookHandler) process(ctx context.Context, body []byte) {
	log := logger.Ctx(ctx)
	events, err := DecodeEvents(body)
	if err != nil {
		log.Error().Err(err).Msg("failed to decode webhook payload")
		return
	}
	for _, ev := range events {
		rec, dup, err := h.ingester.Ingest(ctx, ev)
		if err != nil {
			log.Error().Err(err).Str("event_key", ev.EventKey).Msg("failed to ingest webhook event")
			continue
		}
		if dup {
			log.Debug().Str("event_key", ev.EventKey).Msg("webhook event already queued")
			continue
		}
		log.Info().Str("event_key", ev.EventKey).Uint64("record_id", rec.ID).Msg("webhook event queued")
	}
}

// DecodeEvents 接受单个事件对象或事件数组
func DecodeEvents(body []byte) ([]enrich.InboundEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty payload", enrich.ErrInvalidEvent)
	}
	if body[0] == '[' {
		var events []enrich.InboundEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", enrich.ErrInvalidEvent, err)
		}
		return events, nil
	}
	var ev enrich.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", enrich.ErrInvalidEvent, err)
	}
	return []enrich.InboundEvent{ev}, nil
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, errors.New("failed to read body")
	}
	if int64(len(b)) > limit {
		return nil, errors.New("payload too large")
	}
	return b, nil
}
