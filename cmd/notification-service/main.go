package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ltv-alert/internal/logger"
	"ltv-alert/internal/message"

	kafka "github.com/segmentio/kafka-go"

	"github.com/joho/godotenv"
)

const consumerGroup = "notification-service-ltv"

func main() {
	_ = godotenv.Load()

	botToken := envOr("BOT_TOKEN", os.Getenv("TELEGRAM_BOT_TOKEN"))
	if botToken == "" {
		log.Fatal("BOT_TOKEN is required")
	}

	if err := logger.InitLogger(envOr("LOG_DIR", "logs"), "notification-service", &logger.ESConfig{
		Enabled:   envOr("ES_ENABLED", "false") == "true",
		Addresses: envSlice("ES_ADDRESSES", "http://localhost:9200"),
		Index:     envOr("ES_INDEX", "ltv-alert-logs"),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.GetLogger().Close()

	c := &alertConsumer{
		brokers:  envSlice("KAFKA_BROKERS", "localhost:9092"),
		topic:    message.TopicLTVAlert,
		group:    consumerGroup,
		notifier: message.NewTelegramSender(botToken),
		timeout:  15 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// a reader joining before the coordinator exists spams "Group Coordinator Not Available"
		c.waitForCoordinator(ctx)
		c.initOffset(ctx)
		c.run(ctx)
	}()

	log.Printf("🔔 Notification service started on %v, topic %s", c.brokers, c.topic)

	<-sigChan
	log.Println("🛑 Shutting down notification service...")
	cancel()
	<-done
	log.Println("✅ Shutdown complete")
}

// alertConsumer delivers alerts.ltv events to Telegram chats
type alertConsumer struct {
	brokers  []string
	topic    string
	group    string
	notifier message.Notifier
	timeout  time.Duration
}

// run fetches, delivers and commits until ctx ends. A failing reader is
// replaced after an exponential backoff of 2s..60s.
func (c *alertConsumer) run(ctx context.Context) {
	const (
		minBackoff = 2 * time.Second
		maxBackoff = 60 * time.Second
	)
	backoff := minBackoff

	for ctx.Err() == nil {
		r := c.newReader()
		err := c.drain(ctx, r, func() { backoff = minBackoff })
		r.Close()
		if ctx.Err() != nil {
			return
		}
		log.Printf("⚠️  [%s] reader failed, reconnecting in %v: %v", c.topic, backoff, err)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// drain consumes from r until a fetch fails; commits happen after each delivery attempt
func (c *alertConsumer) drain(ctx context.Context, r *kafka.Reader, onMessage func()) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			return err
		}
		onMessage()
		c.handle(ctx, msg.Value)
		if err := r.CommitMessages(ctx, msg); err != nil {
			log.Printf("⚠️  [%s] commit offset %d: %v", c.topic, msg.Offset, err)
		}
	}
}

// handle decodes one payload and delivers it. Bad payloads are logged and skipped.
func (c *alertConsumer) handle(ctx context.Context, payload []byte) bool {
	var event message.LTVAlertEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		log.Printf("⚠️  [%s] unmarshal error: %v", c.topic, err)
		return false
	}
	if event.SubscriberID == "" || event.Message == "" {
		log.Printf("⚠️  [%s] event without subscriber or message, skipped", c.topic)
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.notifier.Deliver(ctx, event.SubscriberID, event.Message); err != nil {
		log.Printf("❌ [%s] delivery to chat %s failed: %v", c.topic, event.SubscriberID, err)
		return false
	}
	log.Printf("✅ [%s] %s alert for %s sent to chat %s", c.topic, event.Kind, event.AccountAddress, event.SubscriberID)
	return true
}

func (c *alertConsumer) client(timeout time.Duration) *kafka.Client {
	return &kafka.Client{Addr: kafka.TCP(c.brokers[0]), Timeout: timeout}
}

// waitForCoordinator blocks until FindCoordinator answers for the group
func (c *alertConsumer) waitForCoordinator(ctx context.Context) {
	if len(c.brokers) == 0 {
		return
	}
	client := c.client(5 * time.Second)
	for backoff := time.Second; ctx.Err() == nil; backoff = min(backoff*2, 30*time.Second) {
		resp, err := client.FindCoordinator(ctx, &kafka.FindCoordinatorRequest{
			Addr:    client.Addr,
			Key:     c.group,
			KeyType: kafka.CoordinatorKeyTypeConsumer,
		})
		if err == nil {
			err = resp.Error
		}
		if err == nil {
			log.Printf("✅ Kafka group coordinator ready for %s", c.group)
			return
		}
		log.Printf("⏳ Waiting for Kafka group coordinator (%v), retrying in %v...", err, backoff)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// initOffset commits the earliest offset of partition 0 when the group has none yet.
// A group that already committed resumes where it left off, so restarts never replay alerts.
func (c *alertConsumer) initOffset(ctx context.Context) {
	if len(c.brokers) == 0 || ctx.Err() != nil {
		return
	}
	client := c.client(10 * time.Second)

	fetched, err := client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: c.group,
		Topics:  map[string][]int{c.topic: {0}},
	})
	if err != nil {
		log.Printf("⚠️  [%s] offset check failed: %v", c.group, err)
		return
	}
	partitions := fetched.Topics[c.topic]
	if len(partitions) == 0 || partitions[0].Error != nil {
		return
	}
	if committed := partitions[0].CommittedOffset; committed >= 0 {
		log.Printf("📌 [%s] resuming %s from offset %d", c.group, c.topic, committed)
		return
	}

	conn, err := kafka.DialLeader(ctx, "tcp", c.brokers[0], c.topic, 0)
	if err != nil {
		log.Printf("⚠️  [%s] dial leader: %v", c.group, err)
		return
	}
	first, _, err := conn.ReadOffsets()
	conn.Close()
	if err != nil {
		log.Printf("⚠️  [%s] read offsets: %v", c.group, err)
		return
	}

	_, err = client.OffsetCommit(ctx, &kafka.OffsetCommitRequest{
		GroupID:      c.group,
		GenerationID: -1, // commit outside a group session
		Topics: map[string][]kafka.OffsetCommit{
			c.topic: {{Partition: 0, Offset: first}},
		},
	})
	if err != nil {
		log.Printf("⚠️  [%s] offset init failed: %v", c.group, err)
		return
	}
	log.Printf("📌 [%s] no committed offset on %s, starting at earliest (%d)", c.group, c.topic, first)
}

func (c *alertConsumer) newReader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        c.group,
		Topic:          c.topic,
		MinBytes:       1,
		MaxBytes:       1e6,
		StartOffset:    kafka.FirstOffset,
		SessionTimeout: 30 * time.Second,
		MaxWait:        10 * time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Printf("[kafka-go][%s] ERROR: "+msg, append([]interface{}{c.topic}, args...)...)
		}),
	})
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envSlice(key, defaultVal string) []string {
	var out []string
	for _, s := range strings.Split(envOr(key, defaultVal), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
