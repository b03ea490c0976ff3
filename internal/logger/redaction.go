package logger

import (
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Mask is the fixed replacement for every redacted value. Redacting a
// structure twice yields the same structure.
const Mask = "[REDACTED]"

// Redactor masks credential material before it reaches a log sink or
// the run store
type Redactor struct {
	patterns      []*regexp.Regexp
	sensitiveKeys []string
}

// NewRedactor creates a new redactor with default patterns
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// API keys
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Passwords
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),

			// Auth tokens
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),

			// AWS keys
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// JSON api_key fields
			regexp.MustCompile(`"api_key"\s*:\s*"[^"]+"`),

			// Generic secrets
			regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
		},
		// Field names whose values are masked wholesale in structured
		// data, regardless of what the value looks like.
		sensitiveKeys: []string{
			"authorization",
			"proxy-authorization",
			"api-key",
			"api_key",
			"apikey",
			"x-api-key",
			"x-auth-token",
			"token",
			"secret",
			"password",
			"cookie",
			"set-cookie",
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, Mask)
	}
	return result
}

// IsSensitiveKey reports whether a field name is on the sensitive list
func (r *Redactor) IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range r.sensitiveKeys {
		if k == s {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of h with every sensitive header value
// replaced by the mask. The input is never modified.
func (r *Redactor) RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, values := range h {
		if r.IsSensitiveKey(key) {
			out[key] = []string{Mask}
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = r.Redact(v)
		}
		out[key] = masked
	}
	return out
}

// RedactMap returns a copy of m with sensitive fields masked, walking
// nested maps and slices
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for key, value := range m {
		if r.IsSensitiveKey(key) {
			out[key] = Mask
			continue
		}
		out[key] = r.redactValue(value)
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		return r.Redact(tv)
	case map[string]interface{}:
		return r.RedactMap(tv)
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[i] = r.redactValue(item)
		}
		return out
	default:
		return v
	}
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

// redactingWriter is an io.Writer that redacts sensitive information
type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
