package mq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

// ExhaustedRecord 是投递到死信 topic 的消息体
type ExhaustedRecord struct {
	RecordID  uint64    `json:"recordId"`
	EventKey  string    `json:"eventKey"`
	ClientID  string    `json:"clientId"`
	ContactID string    `json:"contactId"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

// DeadLetterPublisher 在记录进入 FAILED 终态时发布一条消息，供人工排查或下游告警
type DeadLetterPublisher struct {
	writer MessageWriter
	now    func() time.Time
}

func NewDeadLetterPublisher(writer MessageWriter) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: writer, now: time.Now}
}

// NotifyExhausted 实现 enrich.TerminalFailureNotifier，消息 key 为 client id，保证同租户有序
func (p *DeadLetterPublisher) NotifyExhausted(ctx context.Context, rec queue.QueueRecord, lastErr string) error {
	body, err := json.Marshal(ExhaustedRecord{
		RecordID:  rec.ID,
		EventKey:  rec.EventKey,
		ClientID:  rec.ClientID,
		ContactID: rec.ContactID,
		Attempts:  rec.Attempts,
		LastError: lastErr,
		FailedAt:  p.now().UTC(),
	})
	if err != nil {
		return err
	}
	return ProduceMessage(ctx, p.writer, kafka.Message{
		Key:   []byte(rec.ClientID),
		Value: body,
		Headers: []kafka.Header{
			{Key: HeaderExceptionMessage, Value: []byte(lastErr)},
			{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(rec.Attempts))},
		},
	})
}
