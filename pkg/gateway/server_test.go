package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/internal/metrics"
	"github.com/openclaw/clawproxy/pkg/eventbus"
	"github.com/openclaw/clawproxy/pkg/health"
	"github.com/openclaw/clawproxy/pkg/runstore"
)

func newTestServer(t *testing.T, secret string) (*Server, *runstore.Store, *eventbus.Bus) {
	t.Helper()
	log := zerolog.Nop()

	runs, err := runstore.NewStore(runstore.Config{
		DBPath: filepath.Join(t.TempDir(), "runs.db"),
		Logger: log,
	})
	require.NoError(t, err)
	t.Cleanup(func() { runs.Close() })

	cfg := config.DefaultConfig()
	snaps := config.NewStore(cfg, log)
	bus := eventbus.New(log)

	srv := NewServer(ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		SharedSecret: secret,
		Runs:         runs,
		Health:       health.New(snaps, "", log),
		Metrics:      metrics.New(),
		Logger:       log,
	})
	NewBridge(bus, srv.Registry(), nil, log)
	return srv, runs, bus
}

func seedRun(t *testing.T, runs *runstore.Store, id, provider string, status runstore.Status) {
	t.Helper()
	require.NoError(t, runs.Create(runstore.Run{
		ID:        id,
		Kind:      runstore.KindInference,
		Provider:  provider,
		Model:     "m",
		Status:    runstore.StatusPending,
		StartedAt: time.Now(),
	}))
	if status != runstore.StatusPending {
		require.NoError(t, runs.UpdateStatus(id, runstore.StatusStreaming, ""))
		if status != runstore.StatusStreaming {
			require.NoError(t, runs.UpdateStatus(id, status, ""))
		}
	}
}

func TestRunsQueryEndpoint(t *testing.T) {
	srv, runs, _ := newTestServer(t, "")
	seedRun(t, runs, "run-1", "openai", runstore.StatusCompleted)
	seedRun(t, runs, "run-2", "anthropic", runstore.StatusError)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs?provider=openai")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Runs  []runstore.Run `json:"runs"`
		Count int            `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "run-1", out.Runs[0].ID)
}

func TestRunLookupEndpoint(t *testing.T) {
	srv, runs, _ := newTestServer(t, "")
	seedRun(t, runs, "run-1", "openai", runstore.StatusCompleted)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/run-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExportEndpoint(t *testing.T) {
	srv, runs, _ := newTestServer(t, "")
	seedRun(t, runs, "run-1", "openai", runstore.StatusCompleted)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
}

func TestSharedSecretGate(t *testing.T) {
	srv, _, _ := newTestServer(t, "hunter2")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/runs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/runs", nil)
	req.Header.Set("Authorization", "Bearer hunter2")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/runs?token=hunter2")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/runs?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketReceivesLiveEvents(t *testing.T) {
	srv, _, bus := newTestServer(t, "hunter2")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=hunter2"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return srv.Registry().Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{
		RunID:   "run-live",
		Kind:    eventbus.KindToken,
		Elapsed: 1500 * time.Millisecond,
		Payload: "hello",
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg EventMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "run-live", msg.RunID)
	assert.Equal(t, eventbus.KindToken, msg.Kind)
	assert.Equal(t, int64(1500), msg.ElapsedMS)
	assert.Equal(t, "hello", msg.Payload)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "hunter2")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFilterFromQueryValidation(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, q := range []string{"?since=yesterday", "?limit=-1", "?offset=x"} {
		resp, err := http.Get(ts.URL + "/runs" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap health.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.False(t, snap.CheckedAt.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
