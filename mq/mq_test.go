package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyingjie930/nexus-enrich/queue"
)

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaHeaderCarrier(t *testing.T) {
	var c KafkaHeaderCarrier
	c.Set("traceparent", "a")
	c.Set("traceparent", "b")
	c.Set("baggage", "x=1")

	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent", "baggage"}, c.Keys())
	assert.Empty(t, c.Get("missing"))
}

func TestFailureHandler_RetryThenDeadLetter(t *testing.T) {
	writers := map[string]*recordingWriter{}
	h := newFailureHandler(ResilienceConfig{Enabled: true, MaxRetries: 1}, nil, func(topic string) MessageWriter {
		w := &recordingWriter{}
		writers[topic] = w
		return w
	})
	ctx := context.Background()
	original := kafka.Message{Topic: "crm-events", Partition: 2, Offset: 41, Key: []byte("k"), Value: []byte("v")}

	require.NoError(t, h.Handle(ctx, original, errors.New("crm 503")))
	require.Contains(t, writers, "crm-events")
	retried := writers["crm-events"].msgs[0]
	assert.Equal(t, "1", headerValue(retried.Headers, HeaderRetryCount))
	assert.Equal(t, "41", headerValue(retried.Headers, HeaderOriginalOffset))
	assert.Equal(t, "crm 503", headerValue(retried.Headers, HeaderExceptionMessage))

	// 重投后的消息再次失败，超过次数进入死信
	retried.Topic = "crm-events"
	require.NoError(t, h.Handle(ctx, retried, errors.New("crm 503")))
	require.Contains(t, writers, "crm-events.dlt")
	dead := writers["crm-events.dlt"].msgs[0]
	assert.Equal(t, "crm-events", headerValue(dead.Headers, HeaderOriginalTopic))
	assert.Equal(t, []byte("v"), dead.Value)

	var retryHeaders int
	for _, hdr := range dead.Headers {
		if hdr.Key == HeaderRetryCount {
			retryHeaders++
		}
	}
	assert.Equal(t, 1, retryHeaders, "headers are replaced, not duplicated")
}

func TestFailureHandler_NonRetryableGoesStraightToDLT(t *testing.T) {
	invalid := errors.New("invalid event")
	writers := map[string]*recordingWriter{}
	h := newFailureHandler(ResilienceConfig{Enabled: true, MaxRetries: 3, DltTopicTemplate: "dlt.{topic}"},
		func(err error) bool { return !errors.Is(err, invalid) },
		func(topic string) MessageWriter {
			w := &recordingWriter{}
			writers[topic] = w
			return w
		})

	require.NoError(t, h.Handle(context.Background(), kafka.Message{Topic: "crm-events"}, invalid))
	assert.Contains(t, writers, "dlt.crm-events")
	assert.NotContains(t, writers, "crm-events")
}

func TestFailureHandler_Disabled(t *testing.T) {
	h := newFailureHandler(ResilienceConfig{}, nil, func(string) MessageWriter {
		t.Fatal("no writer expected")
		return nil
	})
	cause := errors.New("x")
	assert.ErrorIs(t, h.Handle(context.Background(), kafka.Message{}, cause), cause)
}

func TestDeadLetterPublisher(t *testing.T) {
	w := &recordingWriter{}
	p := NewDeadLetterPublisher(w)

	err := p.NotifyExhausted(context.Background(), queue.QueueRecord{
		ID: 9, EventKey: "evt-9", ClientID: "acme", ContactID: "c-9", Attempts: 3,
	}, "submit fields: 500")
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("acme"), msg.Key)
	var body ExhaustedRecord
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.EqualValues(t, 9, body.RecordID)
	assert.Equal(t, 3, body.Attempts)
	assert.Equal(t, "submit fields: 500", body.LastError)
}
