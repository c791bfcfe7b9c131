package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 5, 1, 23, 59, 0, 0, time.Local)

	l, err := NewLogger(dir, "ltv-alert")
	require.NoError(t, err)
	defer l.Close()

	var stdout bytes.Buffer
	l.stdout = &stdout
	l.now = func() time.Time { return day }
	l.mu.Lock()
	require.NoError(t, l.rotateLocked())
	l.mu.Unlock()

	_, err = l.Write([]byte("first line\n"))
	require.NoError(t, err)

	day = day.Add(2 * time.Minute)
	_, err = l.Write([]byte("second line\n"))
	require.NoError(t, err)

	first, err := os.ReadFile(filepath.Join(dir, "ltv-alert-20260501.log"))
	require.NoError(t, err)
	assert.Equal(t, "first line\n", string(first))

	second, err := os.ReadFile(filepath.Join(dir, "ltv-alert-20260502.log"))
	require.NoError(t, err)
	assert.Equal(t, "second line\n", string(second))

	assert.Equal(t, "first line\nsecond line\n", stdout.String())
}

func TestESWriter_ShipsLines(t *testing.T) {
	var (
		mu   sync.Mutex
		docs []logDoc
		path string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var doc logDoc
		if json.Unmarshal(body, &doc) == nil && doc.Message != "" {
			mu.Lock()
			docs = append(docs, doc)
			path = r.URL.Path
			mu.Unlock()
		}
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	w, err := newESWriter(&ESConfig{Enabled: true, Addresses: []string{srv.URL}, Index: "ltv-test"}, "ltv-alert")
	require.NoError(t, err)

	_, err = w.Write([]byte("🚨 Alert triggered\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// writes after close are dropped, not panics
	_, err = w.Write([]byte("late\n"))
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, docs, 1)
	assert.Equal(t, "🚨 Alert triggered", docs[0].Message)
	assert.Equal(t, "ltv-alert", docs[0].Service)
	assert.Equal(t, "warn", docs[0].Level)
	assert.Zero(t, w.Dropped())
	assert.Equal(t, "/ltv-test/_doc", path)
}

func TestNewESWriter_RequiresIndex(t *testing.T) {
	_, err := newESWriter(&ESConfig{Enabled: true, Addresses: []string{"http://127.0.0.1:9200"}}, "svc")
	assert.Error(t, err)
}

func TestLevelOf(t *testing.T) {
	assert.Equal(t, "error", levelOf("2026/01/02 03:04:05 ❌ delivery failed"))
	assert.Equal(t, "warn", levelOf("⚠️  source unavailable"))
	assert.Equal(t, "warn", levelOf("🚨 LTV alert"))
	assert.Equal(t, "info", levelOf("2026/01/02 03:04:05 ✅ cycle done"))
	assert.Equal(t, "info", levelOf("plain"))
}
