package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawproxy/pkg/eventbus"
	"github.com/openclaw/clawproxy/pkg/runstore"
)

func execJSON(t *testing.T, handler http.Handler, body string) (*http.Response, []byte) {
	t.Helper()
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/exec", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf strings.Builder
	dec := json.NewDecoder(resp.Body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err == nil {
		buf.Write(raw)
	}
	return resp, []byte(buf.String())
}

func TestExecAllowedCommand(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")
	sub := stack.bus.Subscribe()
	defer sub.Close()

	resp, body := execJSON(t, stack.server.Handler(),
		`{"command":"echo","args":["hello","world"]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result ExecResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "hello world")
	require.NotEmpty(t, result.RunID)

	run, err := stack.runs.Get(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstore.KindExec, run.Kind)
	assert.Equal(t, runstore.StatusCompleted, run.Status)
	require.NotNil(t, run.EndedAt)
	assert.Contains(t, run.LogExcerpt, "hello world")

	events := drainEvents(t, sub, 5*time.Second)
	assert.Equal(t, 1, countKind(events, eventbus.KindStart))
	assert.Equal(t, 1, countKind(events, eventbus.KindComplete))
}

func TestExecDeniedCommand(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")

	resp, body := execJSON(t, stack.server.Handler(),
		`{"command":"rm","args":["-rf","/"]}`)

	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), CodePermissionDenied)

	// Denials leave an audit row but no run record.
	runs, err := stack.runs.Query(runstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	denials, err := stack.runs.Denials(10)
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Contains(t, denials[0].Command, "rm")
}

func TestExecSubcommandScoping(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")

	// git status is allow-listed; git push is not.
	resp, _ := execJSON(t, stack.server.Handler(),
		`{"command":"git","subcommand":"push","args":["origin","main"]}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExecSudoDeniedByGlobalGate(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")

	resp, _ := execJSON(t, stack.server.Handler(),
		`{"command":"echo","args":["hi"],"sudo":true}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestExecSchemaValidation(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")

	tests := []struct {
		name string
		body string
	}{
		{"missing command", `{"args":["x"]}`},
		{"empty command", `{"command":""}`},
		{"wrong arg type", `{"command":"echo","args":"not-an-array"}`},
		{"unknown field", `{"command":"echo","shell":true}`},
		{"not json", `nonsense`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := execJSON(t, stack.server.Handler(), tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	runs, err := stack.runs.Query(runstore.Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestExecNonZeroExitIsAResult(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")

	resp, body := execJSON(t, stack.server.Handler(),
		`{"command":"git","subcommand":"status"}`)

	// Running outside a repository exits non-zero; that is still a
	// completed execution, not a proxy error.
	if resp.StatusCode == http.StatusOK {
		var result ExecResult
		require.NoError(t, json.Unmarshal(body, &result))
		run, err := stack.runs.Get(result.RunID)
		require.NoError(t, err)
		assert.Equal(t, runstore.StatusCompleted, run.Status)
	}
}

func TestExecOutputRedaction(t *testing.T) {
	stack := newTestStack(t, "http://127.0.0.1:1")

	resp, body := execJSON(t, stack.server.Handler(),
		`{"command":"echo","args":["token: sk-live-abc123def456ghi789jkl012"]}`)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "sk-live-abc123def456ghi789jkl012")

	var result ExecResult
	require.NoError(t, json.Unmarshal(body, &result))
	run, err := stack.runs.Get(result.RunID)
	require.NoError(t, err)
	assert.NotContains(t, run.LogExcerpt, "sk-live-abc123def456ghi789jkl012")
}
