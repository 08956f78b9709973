package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coffersTech/nanotrace/internal/capture"
	"github.com/coffersTech/nanotrace/internal/engine"
	"github.com/coffersTech/nanotrace/internal/model"
	"github.com/coffersTech/nanotrace/internal/registry"
)

type testEnv struct {
	ts     *httptest.Server
	reg    *registry.Registry
	ingest *capture.HTTPSource
}

func newTestEnv(t *testing.T, withIngest bool) *testEnv {
	t.Helper()
	opts := capture.Options{}
	reg := registry.New(opts)
	var ingest *capture.HTTPSource
	if withIngest {
		ingest = capture.NewHTTPSource(opts)
		require.NoError(t, reg.Add(ingest))
	}

	c := engine.NewConsumer(reg, engine.NewMessageLog(nil), engine.ConsumerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	ts := httptest.NewServer(New(c, reg, Options{Ingest: ingest}).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
		reg.Close()
	})
	return &testEnv{ts: ts, reg: reg, ingest: ingest}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) search(t *testing.T, query string) []model.Message {
	t.Helper()
	resp, err := http.Get(e.ts.URL + "/api/search?q=" + url.QueryEscape(query))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []model.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	return msgs
}

func (e *testEnv) waitFor(t *testing.T, query string, n int) []model.Message {
	t.Helper()
	var msgs []model.Message
	require.Eventually(t, func() bool {
		msgs = e.search(t, query)
		return len(msgs) == n
	}, 3*time.Second, 20*time.Millisecond)
	return msgs
}

func TestIngestAndSearch(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.post(t, "/api/ingest", `[{"pid":7,"process":"app","message":"first"},{"pid":7,"process":"app","msg":"second"}]`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["accepted"])

	resp = env.post(t, "/api/ingest", `{"pid":8,"service":"worker","message":"third"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	msgs := env.waitFor(t, "process:app", 2)
	assert.Equal(t, "second", msgs[0].Text)
	assert.Equal(t, "first", msgs[1].Text)
	assert.Equal(t, uint32(7), msgs[0].ProcessID)

	msgs = env.waitFor(t, "third", 1)
	assert.Equal(t, "worker", msgs[0].ProcessName)
}

func TestIngestDefaultsProcessToRemoteHost(t *testing.T) {
	env := newTestEnv(t, true)
	env.post(t, "/api/ingest", `{"message":"anonymous"}`)
	msgs := env.waitFor(t, "anonymous", 1)
	assert.Equal(t, "[HTTP 127.0.0.1]", msgs[0].ProcessName)
}

func TestIngestErrors(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.post(t, "/api/ingest", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(env.ts.URL + "/api/ingest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	env.ingest.Abort()
	resp = env.post(t, "/api/ingest", `{"message":"late"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIngestDisabled(t *testing.T) {
	env := newTestEnv(t, false)
	resp := env.post(t, "/api/ingest", `{"message":"x"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchBadQuery(t *testing.T) {
	env := newTestEnv(t, true)
	resp, err := http.Get(env.ts.URL + "/api/search?q=" + url.QueryEscape("pid>abc"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistogramAndStats(t *testing.T) {
	env := newTestEnv(t, true)
	env.post(t, "/api/ingest", `[{"process":"app","message":"a"},{"process":"app","message":"b"}]`)
	env.waitFor(t, "process:app", 2)

	resp, err := http.Get(env.ts.URL + "/api/histogram?interval=60&q=process:app")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var points []engine.HistogramPoint
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&points))
	total := 0
	for _, p := range points {
		total += p.Count
		assert.Zero(t, p.Time%60000)
	}
	assert.Equal(t, 2, total)

	resp, err = http.Get(env.ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats engine.SystemStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.GreaterOrEqual(t, stats.TotalLines, int64(2))
	assert.GreaterOrEqual(t, stats.Stored, 2)
	assert.Equal(t, int64(1), stats.Sources["http"])
	assert.Equal(t, int64(1), stats.Sources["ingest_requests"])

	resp, err = http.Get(env.ts.URL + "/api/processes")
	require.NoError(t, err)
	defer resp.Body.Close()
	var procs []model.ProcessIdentity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&procs))
	names := make([]string, len(procs))
	for i, p := range procs {
		names[i] = p.Name
	}
	assert.Contains(t, names, "app")
}

func TestSourcesListAndRemove(t *testing.T) {
	env := newTestEnv(t, true)

	var infos []SourceInfo
	resp, err := http.Get(env.ts.URL + "/api/sources")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	resp.Body.Close()
	require.Len(t, infos, 1)
	assert.Equal(t, "http", infos[0].Kind)
	assert.Equal(t, env.ingest.ID(), infos[0].ID)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/api/sources/"+infos[0].ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool { return len(env.reg.Sources()) == 0 }, 3*time.Second, 20*time.Millisecond)
	env.waitFor(t, `msg:"was removed"`, 1)

	req, _ = http.NewRequest(http.MethodDelete, env.ts.URL+"/api/sources/unknown", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClear(t *testing.T) {
	env := newTestEnv(t, true)
	env.post(t, "/api/ingest", `{"process":"app","message":"gone soon"}`)
	env.waitFor(t, "process:app", 1)

	resp := env.post(t, "/api/clear", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, env.search(t, "process:app"))
}

func TestTail(t *testing.T) {
	env := newTestEnv(t, true)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/tail"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription starts after the upgrade; retry until it sees a post.
	found := make(chan engine.Event, 1)
	go func() {
		for {
			var batch []engine.Event
			if err := conn.ReadJSON(&batch); err != nil {
				return
			}
			for _, e := range batch {
				if e.Message != nil && e.Message.Text == "tail me" {
					found <- e
					return
				}
			}
		}
	}()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-found:
			assert.Equal(t, "tailer", e.Message.ProcessName)
			return
		case <-tick.C:
			env.post(t, "/api/ingest", `{"process":"tailer","message":"tail me"}`)
		case <-deadline:
			t.Fatal("no tail event received")
		}
	}
}
