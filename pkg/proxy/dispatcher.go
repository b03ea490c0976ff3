package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/internal/config"
	"github.com/openclaw/clawproxy/internal/logger"
	"github.com/openclaw/clawproxy/internal/metrics"
	"github.com/openclaw/clawproxy/internal/observability"
	"github.com/openclaw/clawproxy/pkg/eventbus"
	"github.com/openclaw/clawproxy/pkg/runstore"
	"github.com/openclaw/clawproxy/pkg/secrets"
)

const (
	maxInboundBody = 10 << 20 // 10 MB
	relayChunkSize = 4096
	maxErrorBody   = 4096
	usageTailSize  = 8192
)

// Providers that report usage do it in the response tail, either as a
// final SSE block or in the closing JSON.
var (
	promptUsageRe     = regexp.MustCompile(`"prompt_tokens"\s*:\s*(\d+)`)
	completionUsageRe = regexp.MustCompile(`"completion_tokens"\s*:\s*(\d+)`)
)

// Dispatcher forwards agent inference calls to the active provider,
// relaying the response stream while recording the run and publishing
// lifecycle events. One dispatcher serves all concurrent requests.
type Dispatcher struct {
	snapshots *config.Store
	secrets   *secrets.Store
	runs      *runstore.Store
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	audit     *observability.AuditLogger
	redactor  *logger.Redactor
	breaker   *Breaker
	client    *http.Client
	logger    zerolog.Logger

	idleTimeout time.Duration
}

// DispatcherConfig wires the dispatcher's collaborators
type DispatcherConfig struct {
	Snapshots   *config.Store
	Secrets     *secrets.Store
	Runs        *runstore.Store
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
	Audit       *observability.AuditLogger
	Redactor    *logger.Redactor
	Breaker     *Breaker
	Client      *http.Client
	Logger      zerolog.Logger
	IdleTimeout time.Duration
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Redactor == nil {
		cfg.Redactor = logger.NewRedactor()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Dispatcher{
		snapshots:   cfg.Snapshots,
		secrets:     cfg.Secrets,
		runs:        cfg.Runs,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		audit:       cfg.Audit,
		redactor:    cfg.Redactor,
		breaker:     cfg.Breaker,
		client:      cfg.Client,
		logger:      cfg.Logger,
		idleTimeout: cfg.IdleTimeout,
	}
}

// Dispatch handles one inference call end to end. The request body is
// a provider-style JSON request; it is forwarded verbatim except for
// the forced model override.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeError(w, validationError("failed to read request body"))
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		// Malformed requests are rejected before a run exists.
		writeError(w, validationError("request body is not a JSON object"))
		return
	}

	// One snapshot reference for the whole request; a config swap
	// mid-stream never affects this call.
	snap := d.snapshots.Load()

	// A tripped breaker refuses before any run exists; only the audit
	// log sees the rejection.
	if d.breaker != nil && !d.breaker.Allow() {
		if d.metrics != nil {
			d.metrics.BreakerRejectedTotal.Inc()
		}
		if d.audit != nil {
			d.audit.RecordInference("", snap.ActiveProvider, snap.ActiveModel, "rejected", map[string]interface{}{
				"reason": "circuit breaker open",
			})
		}
		writeError(w, &Error{Code: CodeUnavailable, Message: "provider temporarily unavailable"})
		return
	}

	run := runstore.Run{
		ID:        uuid.New().String(),
		Kind:      runstore.KindInference,
		Provider:  snap.ActiveProvider,
		Model:     snap.ActiveModel,
		Status:    runstore.StatusPending,
		StartedAt: time.Now(),
	}
	if err := d.runs.Create(run); err != nil {
		d.logger.Error().Err(err).Msg("Failed to create run record")
		writeError(w, upstreamError("internal storage failure"))
		return
	}
	start := run.StartedAt
	d.publish(run.ID, eventbus.KindStart, start, "")

	requested, _ := payload["model"].(string)
	if requested != "" && requested != snap.ActiveModel {
		d.logger.Debug().
			Str("run_id", run.ID).
			Str("requested", requested).
			Str("forced", snap.ActiveModel).
			Msg("Overriding requested model")
	}
	payload["model"] = snap.ActiveModel

	outBody, err := json.Marshal(payload)
	if err != nil {
		d.fail(run.ID, start, snap, upstreamError("failed to encode outbound request"))
		writeError(w, upstreamError("failed to encode outbound request"))
		return
	}

	key, perr := d.credential(snap.ActiveProfile)
	if perr != nil {
		d.fail(run.ID, start, snap, perr)
		writeError(w, perr)
		return
	}

	d.stream(w, r, snap, run.ID, start, outBody, key)
}

// credential resolves and opens the active provider's API key. The
// plaintext lives only on the stack of the calling request.
func (d *Dispatcher) credential(profile config.ProviderProfile) (string, *Error) {
	sealed := profile.APIKey
	if sealed == "" {
		return "", &Error{Code: CodeSecretMissing, Message: "no credential configured for active provider"}
	}
	if !secrets.IsSealed(sealed) {
		// Legacy plaintext entry; usable but flagged for re-sealing.
		d.logger.Warn().Msg("Provider credential is stored unsealed")
		return sealed, nil
	}
	key, err := d.secrets.Open(sealed)
	if err != nil {
		return "", &Error{Code: CodeSecretMissing, Message: "credential cannot be decrypted"}
	}
	return key, nil
}

func (d *Dispatcher) stream(w http.ResponseWriter, r *http.Request, snap *config.Snapshot, runID string, start time.Time, outBody []byte, key string) {
	profile := snap.ActiveProfile

	upstreamURL := strings.TrimRight(profile.BaseURL, "/") + r.URL.Path
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(outBody))
	if err != nil {
		perr := upstreamError("failed to build upstream request")
		d.fail(runID, start, snap, perr)
		writeError(w, perr)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	authHeader := profile.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	req.Header.Set(authHeader, profile.AuthPrefix+key)

	if err := d.runs.UpdateStatus(runID, runstore.StatusStreaming, ""); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to mark run streaming")
	}
	d.publish(runID, eventbus.KindSent, start, "")
	if d.audit != nil {
		d.audit.RecordInference(runID, snap.ActiveProvider, snap.ActiveModel, "sent", map[string]interface{}{
			"url":     upstreamURL,
			"headers": flattenHeaders(d.redactor.RedactHeaders(req.Header)),
		})
	}

	// An upstream that goes silent is an error, not a hang. The idle
	// timer cancels the upstream context; idleFired distinguishes that
	// from a caller disconnect.
	var idleFired atomic.Bool
	idle := time.AfterFunc(d.idleTimeout, func() {
		idleFired.Store(true)
		cancel()
	})
	defer idle.Stop()

	if d.metrics != nil {
		d.metrics.ActiveStreams.Inc()
		defer d.metrics.ActiveStreams.Dec()
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.finishFailure(w, runID, start, snap, r.Context(), idleFired.Load(), false, err)
		return
	}
	defer resp.Body.Close()
	idle.Reset(d.idleTimeout)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		perr := upstreamError("provider returned status %d: %s", resp.StatusCode, d.redactor.Redact(string(detail)))
		if d.breaker != nil {
			d.breaker.Failure()
		}
		if d.metrics != nil {
			d.metrics.UpstreamErrorsTotal.WithLabelValues(snap.ActiveProvider).Inc()
		}
		d.fail(runID, start, snap, perr)
		writeError(w, perr)
		return
	}

	// Rough prompt accounting: providers bill by token, we only see
	// bytes here.
	if err := d.runs.AddTokens(runID, int64(len(outBody))/4, 0); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to record prompt tokens")
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, relayChunkSize)
	var chunks int64
	var tail []byte
	for {
		n, rdErr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(d.idleTimeout)
			chunk := buf[:n]
			if _, wErr := w.Write(chunk); wErr != nil {
				// Caller went away mid-relay.
				d.cancelRun(runID, start, snap, chunks)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			chunks++
			tail = append(tail, chunk...)
			if len(tail) > usageTailSize {
				tail = tail[len(tail)-usageTailSize:]
			}
			text := d.redactor.Redact(string(chunk))
			d.publish(runID, eventbus.KindToken, start, text)
			if err := d.runs.AppendExcerpt(runID, text); err != nil {
				d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to append run excerpt")
			}
			if err := d.runs.AddTokens(runID, 0, 1); err != nil {
				d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to record completion tokens")
			}
			if d.metrics != nil {
				d.metrics.TokensTotal.WithLabelValues(snap.ActiveProvider, "completion").Inc()
			}
		}
		if rdErr == io.EOF {
			break
		}
		if rdErr != nil {
			d.finishFailure(w, runID, start, snap, r.Context(), idleFired.Load(), true, rdErr)
			return
		}
	}

	if d.breaker != nil {
		d.breaker.Success()
	}
	// Provider-reported usage, when present, replaces the per-chunk
	// estimates.
	if prompt, completion, ok := parseUsage(tail); ok {
		if err := d.runs.SetTokens(runID, prompt, completion); err != nil {
			d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to record reported usage")
		}
	}
	if err := d.runs.UpdateStatus(runID, runstore.StatusCompleted, ""); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to complete run")
	}
	d.publish(runID, eventbus.KindComplete, start, "")
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(snap.ActiveProvider, string(runstore.KindInference), "completed").Inc()
		d.metrics.RequestDuration.WithLabelValues(snap.ActiveProvider, string(runstore.KindInference)).Observe(time.Since(start).Seconds())
	}
	if d.audit != nil {
		d.audit.RecordInference(runID, snap.ActiveProvider, snap.ActiveModel, "completed", map[string]interface{}{
			"chunks":   chunks,
			"duration": time.Since(start).String(),
		})
	}
}

// finishFailure resolves an upstream or transport error into the right
// terminal state. A caller cancellation is not an upstream fault and
// does not feed the breaker. Once streaming has begun the response
// cannot carry an error status anymore, so the body just ends.
func (d *Dispatcher) finishFailure(w http.ResponseWriter, runID string, start time.Time, snap *config.Snapshot, callerCtx context.Context, idle, streaming bool, err error) {
	switch {
	case idle:
		if d.breaker != nil {
			d.breaker.Failure()
		}
		perr := upstreamError("no upstream activity for %s", d.idleTimeout)
		d.fail(runID, start, snap, perr)
		if !streaming {
			writeError(w, perr)
		}

	case callerCtx.Err() != nil:
		d.cancelRun(runID, start, snap, -1)

	default:
		if d.breaker != nil {
			d.breaker.Failure()
		}
		if d.metrics != nil {
			d.metrics.UpstreamErrorsTotal.WithLabelValues(snap.ActiveProvider).Inc()
		}
		perr := upstreamError("%s", d.redactor.Redact(err.Error()))
		d.fail(runID, start, snap, perr)
		if !streaming {
			writeError(w, perr)
		}
	}
}

// fail drives the run to error status and emits the terminal event.
// Metrics and audit are labelled from the request's own snapshot, not
// whatever snapshot is active when the failure lands.
func (d *Dispatcher) fail(runID string, start time.Time, snap *config.Snapshot, perr *Error) {
	if err := d.runs.UpdateStatus(runID, runstore.StatusError, perr.Message); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to mark run errored")
	}
	d.publish(runID, eventbus.KindError, start, perr.Message)
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(snap.ActiveProvider, string(runstore.KindInference), "error").Inc()
	}
	if d.audit != nil {
		d.audit.RecordInference(runID, snap.ActiveProvider, snap.ActiveModel, "error", map[string]interface{}{
			"error": perr.Message,
		})
	}
}

// cancelRun drives the run to cancelled status. Token counts already
// recorded stay.
func (d *Dispatcher) cancelRun(runID string, start time.Time, snap *config.Snapshot, chunks int64) {
	if err := d.runs.UpdateStatus(runID, runstore.StatusCancelled, "cancelled by caller"); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to mark run cancelled")
	}
	d.publish(runID, eventbus.KindError, start, "cancelled")
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(snap.ActiveProvider, string(runstore.KindInference), "cancelled").Inc()
	}
	if d.audit != nil {
		meta := map[string]interface{}{}
		if chunks >= 0 {
			meta["chunks_delivered"] = chunks
		}
		d.audit.RecordInference(runID, snap.ActiveProvider, snap.ActiveModel, "cancelled", meta)
	}
}

func (d *Dispatcher) publish(runID string, kind eventbus.Kind, start time.Time, payload string) {
	d.bus.Publish(eventbus.Event{
		RunID:   runID,
		Kind:    kind,
		Elapsed: time.Since(start),
		Payload: payload,
	})
	if d.metrics != nil {
		d.metrics.EventsPublishedTotal.Inc()
	}
}

// parseUsage pulls token counts out of the response tail. The last
// match wins, matching the final usage block of an SSE stream.
func parseUsage(tail []byte) (prompt, completion int64, ok bool) {
	pm := promptUsageRe.FindAllSubmatch(tail, -1)
	cm := completionUsageRe.FindAllSubmatch(tail, -1)
	if len(pm) == 0 || len(cm) == 0 {
		return 0, 0, false
	}
	prompt, err := strconv.ParseInt(string(pm[len(pm)-1][1]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	completion, err = strconv.ParseInt(string(cm[len(cm)-1][1]), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return prompt, completion, true
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func writeError(w http.ResponseWriter, perr *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": perr})
}
