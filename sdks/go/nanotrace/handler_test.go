package nanotrace

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu       sync.Mutex
	records  []Record
	posts    int
	largest  int
	instance string
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var batch []Record
	if r.URL.Path != "/api/ingest" || json.NewDecoder(r.Body).Decode(&batch) != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.records = append(c.records, batch...)
	c.posts++
	c.largest = max(c.largest, len(batch))
	c.instance = r.Header.Get("X-Instance-ID")
	c.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func TestHandlerShipsRecords(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c := &collector{}
	ts := httptest.NewServer(c)
	defer ts.Close()

	h := NewHandler(Options{ServerURL: ts.URL, Process: "svc"})
	logger := slog.New(h)
	logger.Info("hello", "user", 42)
	logger.With("req", "abc").WithGroup("db").Warn("slow", "ms", 250)
	logger.Debug("hidden")
	h.Shutdown()

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.records, 2)
	assert.Equal(t, "INFO hello user=42", c.records[0].Message)
	assert.Equal(t, "WARN slow req=abc db.ms=250", c.records[1].Message)
	assert.Equal(t, "svc", c.records[0].Process)
	assert.Equal(t, os.Getpid(), c.records[0].PID)
	assert.Equal(t, h.InstanceID(), c.instance)
	_, err := uuid.Parse(c.instance)
	assert.NoError(t, err)
}

func TestHandlerBatches(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	c := &collector{}
	ts := httptest.NewServer(c)
	defer ts.Close()

	h := NewHandler(Options{ServerURL: ts.URL, Level: slog.LevelDebug})
	logger := slog.New(h)
	for i := 0; i < 250; i++ {
		logger.Debug("line", "i", i)
	}
	h.Shutdown()
	h.Shutdown()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.records, 250)
	assert.GreaterOrEqual(t, c.posts, 3)
	assert.LessOrEqual(t, c.largest, batchSize)
}

func TestInstanceIDIsStable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	first := ensureInstanceID()
	assert.Equal(t, first, ensureInstanceID())
}
