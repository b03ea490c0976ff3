// Package observability provides the append-only audit trail. Every
// proxied call and every execution decision lands here, redacted, in
// newline-delimited JSON a human can grep.
package observability

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawproxy/internal/logger"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	RunID     string                 `json:"run_id,omitempty"`
	Action    string                 `json:"action"` // e.g. "inference_forwarded", "exec_denied"
	Status    string                 `json:"status"` // "success", "failure", "denied"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger records audit events to an append-only file
type AuditLogger struct {
	logger   zerolog.Logger
	redactor *logger.Redactor
	mu       sync.Mutex
	file     *os.File
}

// NewAuditLogger opens (appending) the audit file. A nil redactor gets
// the default rule set; the audit trail is never written unmasked.
func NewAuditLogger(path string, redactor *logger.Redactor) (*AuditLogger, error) {
	if redactor == nil {
		redactor = logger.NewRedactor()
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &AuditLogger{
		logger:   zerolog.New(redactor.Wrap(file)).With().Timestamp().Logger(),
		redactor: redactor,
		file:     file,
	}, nil
}

// NewStderrAuditLogger returns an audit logger writing to stderr, used
// when no audit file is configured
func NewStderrAuditLogger(redactor *logger.Redactor) *AuditLogger {
	if redactor == nil {
		redactor = logger.NewRedactor()
	}
	return &AuditLogger{
		logger:   zerolog.New(redactor.Wrap(os.Stderr)).With().Timestamp().Logger(),
		redactor: redactor,
	}
}

// Record emits one audit event
func (a *AuditLogger) Record(event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Metadata != nil {
		event.Metadata = a.redactor.RedactMap(event.Metadata)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("run_id", event.RunID).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Metadata != nil {
		entry = entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordInference is a helper for proxied inference calls
func (a *AuditLogger) RecordInference(runID, provider, model, status string, metadata map[string]interface{}) {
	a.Record(AuditEvent{
		Type:     "inference",
		RunID:    runID,
		Action:   "forward:" + provider + "/" + model,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordExecution is a helper for command execution decisions
func (a *AuditLogger) RecordExecution(runID, command, status string, metadata map[string]interface{}) {
	a.Record(AuditEvent{
		Type:     "execution",
		RunID:    runID,
		Action:   "exec:" + a.redactor.Redact(command),
		Status:   status,
		Metadata: metadata,
	})
}
