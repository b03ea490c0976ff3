package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/openclaw/clawproxy/pkg/eventbus"
	"github.com/openclaw/clawproxy/pkg/runstore"
)

const execRequestSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command":    {"type": "string", "minLength": 1},
		"subcommand": {"type": "string"},
		"args":       {"type": "array", "items": {"type": "string"}},
		"sudo":       {"type": "boolean"}
	},
	"additionalProperties": false
}`

var execSchema = gojsonschema.NewStringLoader(execRequestSchema)

// Executor runs allow-listed shell commands on behalf of the agent.
// Every execution goes through the policy engine first; denials leave
// an audit trail but no run record.
type Executor struct {
	dispatcher *Dispatcher
	timeout    time.Duration
}

// NewExecutor creates a command executor sharing the dispatcher's
// collaborators
func NewExecutor(d *Dispatcher, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Executor{dispatcher: d, timeout: timeout}
}

// HandleExec serves one command-execution call
func (e *Executor) HandleExec(w http.ResponseWriter, r *http.Request) {
	d := e.dispatcher

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, validationError("failed to read request body"))
		return
	}

	result, err := gojsonschema.Validate(execSchema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, validationError("request body is not valid JSON"))
		return
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		writeError(w, validationError("invalid execution request: %s", strings.Join(msgs, "; ")))
		return
	}

	var req ExecRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, validationError("request body is not valid JSON"))
		return
	}

	snap := d.snapshots.Load()
	decision := snap.Policy.Evaluate(req.Command, req.Subcommand, req.Args, req.Sudo)
	if d.metrics != nil {
		label := "deny"
		if decision.Allowed {
			label = "allow"
		}
		d.metrics.PolicyDecisionsTotal.WithLabelValues(label).Inc()
	}

	display := displayCommand(req)
	if !decision.Allowed {
		if err := d.runs.RecordDenial(display, decision.Reason); err != nil {
			d.logger.Error().Err(err).Msg("Failed to record denial")
		}
		if d.audit != nil {
			d.audit.RecordExecution("", display, "denied", map[string]interface{}{
				"reason": decision.Reason,
			})
		}
		d.logger.Warn().Str("command", display).Str("reason", decision.Reason).Msg("Command execution denied")
		writeError(w, &Error{Code: CodePermissionDenied, Message: decision.Reason})
		return
	}

	run := runstore.Run{
		ID:        uuid.New().String(),
		Kind:      runstore.KindExec,
		Provider:  "local",
		Model:     req.Command,
		Status:    runstore.StatusPending,
		StartedAt: time.Now(),
	}
	if err := d.runs.Create(run); err != nil {
		d.logger.Error().Err(err).Msg("Failed to create run record")
		writeError(w, upstreamError("internal storage failure"))
		return
	}
	start := run.StartedAt
	d.publish(run.ID, eventbus.KindStart, start, display)

	if err := d.runs.UpdateStatus(run.ID, runstore.StatusStreaming, ""); err != nil {
		d.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to mark run streaming")
	}
	d.publish(run.ID, eventbus.KindSent, start, "")

	output, exitCode, execErr := e.run(r.Context(), req)
	redacted := d.redactor.Redact(output)

	if err := d.runs.AppendExcerpt(run.ID, redacted); err != nil {
		d.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to append run excerpt")
	}

	switch {
	case r.Context().Err() != nil:
		d.cancelRun(run.ID, start, snap, -1)
		return

	case execErr != nil:
		perr := &Error{Code: CodeUpstream, Message: d.redactor.Redact(execErr.Error())}
		d.fail(run.ID, start, snap, perr)
		writeError(w, perr)
		return
	}

	if err := d.runs.UpdateStatus(run.ID, runstore.StatusCompleted, ""); err != nil {
		d.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to complete run")
	}
	d.publish(run.ID, eventbus.KindComplete, start, "")
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues("local", string(runstore.KindExec), "completed").Inc()
		d.metrics.RequestDuration.WithLabelValues("local", string(runstore.KindExec)).Observe(time.Since(start).Seconds())
	}
	if d.audit != nil {
		d.audit.RecordExecution(run.ID, display, "completed", map[string]interface{}{
			"exit_code": exitCode,
			"duration":  time.Since(start).String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ExecResult{
		RunID:    run.ID,
		ExitCode: exitCode,
		Output:   redacted,
	})
}

// run executes the command with a hard timeout, returning captured
// combined output and the exit code. A non-zero exit is a result, not
// an error; only failures to run at all come back as errors.
func (e *Executor) run(ctx context.Context, req ExecRequest) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := make([]string, 0, len(req.Args)+1)
	if req.Subcommand != "" {
		args = append(args, req.Subcommand)
	}
	args = append(args, req.Args...)

	name := req.Command
	if req.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return buf.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return buf.String(), -1, err
	}
	return buf.String(), 0, nil
}

func displayCommand(req ExecRequest) string {
	parts := make([]string, 0, len(req.Args)+3)
	if req.Sudo {
		parts = append(parts, "sudo")
	}
	parts = append(parts, req.Command)
	if req.Subcommand != "" {
		parts = append(parts, req.Subcommand)
	}
	parts = append(parts, req.Args...)
	return strings.Join(parts, " ")
}
