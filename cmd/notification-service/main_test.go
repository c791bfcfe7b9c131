package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ltv-alert/internal/core"
	"ltv-alert/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	to, text []string
	err      error
}

func (r *recordingNotifier) Deliver(_ context.Context, subscriberID, text string) error {
	r.to = append(r.to, subscriberID)
	r.text = append(r.text, text)
	return r.err
}

func newTestConsumer(n message.Notifier) *alertConsumer {
	return &alertConsumer{topic: message.TopicLTVAlert, group: consumerGroup, notifier: n, timeout: time.Second}
}

func TestConsumerHandle(t *testing.T) {
	event := message.NewLTVAlertEvent(message.Alert{
		Kind:           core.AlertBreach,
		SubscriberID:   "1001",
		AccountAddress: "terra1qwertyuqwertyuqwertyuqwertyuqwertyuqwe",
		Protocol:       core.ProtocolAnchor,
		LTV:            52.5,
		Threshold:      45,
		Time:           time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	n := &recordingNotifier{}
	assert.True(t, newTestConsumer(n).handle(context.Background(), payload))
	assert.Equal(t, []string{"1001"}, n.to)
	assert.Equal(t, []string{event.Message}, n.text)
}

func TestConsumerHandleSkipsBadPayloads(t *testing.T) {
	n := &recordingNotifier{}
	assert.False(t, newTestConsumer(n).handle(context.Background(), []byte("{not json")))
	assert.False(t, newTestConsumer(n).handle(context.Background(), []byte(`{"subscriber_id":"1"}`)))
	assert.Empty(t, n.to)
}

func TestConsumerHandleDeliveryFailure(t *testing.T) {
	n := &recordingNotifier{err: errors.New("boom")}
	payload := []byte(`{"subscriber_id":"7","message":"hi"}`)
	assert.False(t, newTestConsumer(n).handle(context.Background(), payload))
	assert.Equal(t, []string{"7"}, n.to)
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Minute))
	assert.True(t, sleep(context.Background(), time.Millisecond))
}

func TestEnvSlice(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	assert.Equal(t, []string{"a:9092", "b:9092"}, envSlice("KAFKA_BROKERS", "localhost:9092"))
	assert.Equal(t, []string{"localhost:9092"}, envSlice("UNSET_BROKERS_FOR_TEST", "localhost:9092"))
}
