package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
)

const (
	esQueueSize    = 1024
	esIndexTimeout = 5 * time.Second
)

// ESConfig holds Elasticsearch connection settings for log shipping.
type ESConfig struct {
	Enabled   bool
	Addresses []string
	Index     string
}

// logDoc is one indexed log line
type logDoc struct {
	Timestamp string `json:"@timestamp"`
	Service   string `json:"service"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// esWriter queues log lines and indexes them from a single goroutine.
// Lines are dropped, never blocked on, when the queue is full or the writer is closed.
type esWriter struct {
	client  *elasticsearch.Client
	index   string
	service string
	queue   chan logDoc
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newESWriter(cfg *ESConfig, service string) (*esWriter, error) {
	if cfg.Index == "" {
		return nil, errors.New("elasticsearch index is required")
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: cfg.Addresses})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	w := &esWriter{
		client:  client,
		index:   cfg.Index,
		service: service,
		queue:   make(chan logDoc, esQueueSize),
		done:    make(chan struct{}),
	}
	go w.ship()
	return w, nil
}

func (w *esWriter) ship() {
	defer close(w.done)
	for doc := range w.queue {
		if err := w.indexDoc(doc); err != nil {
			w.dropped.Add(1)
		}
	}
}

func (w *esWriter) indexDoc(doc logDoc) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), esIndexTimeout)
	defer cancel()

	res, err := esapi.IndexRequest{
		Index:   w.index,
		Body:    bytes.NewReader(body),
		Refresh: "false",
	}.Do(ctx, w.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index %s: %s", w.index, res.Status())
	}
	return nil
}

// Write implements io.Writer for one log line
func (w *esWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg == "" {
		return len(p), nil
	}
	doc := logDoc{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   w.service,
		Level:     levelOf(msg),
		Message:   msg,
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return len(p), nil
	}
	select {
	case w.queue <- doc:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped reports lines that were never indexed
func (w *esWriter) Dropped() int64 { return w.dropped.Load() }

// Close indexes what is still queued, then releases the client.
func (w *esWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return w.client.Close(context.Background())
}

// levelOf maps the emoji prefixes used across the service to a log level
func levelOf(msg string) string {
	// strip the "2006/01/02 15:04:05 " prefix added by the log package
	if fields := strings.SplitN(msg, " ", 3); len(fields) == 3 && strings.Count(fields[0], "/") == 2 {
		msg = fields[2]
	}
	switch {
	case strings.HasPrefix(msg, "❌"):
		return "error"
	case strings.HasPrefix(msg, "⚠️"), strings.HasPrefix(msg, "🚨"):
		return "warn"
	default:
		return "info"
	}
}
