package runstore

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends a run
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is a legal
// forward transition. Runs never move backward and never leave a
// terminal state.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusStreaming || next.Terminal()
	case StatusStreaming:
		return next.Terminal()
	default:
		return false
	}
}

// Kind distinguishes inference runs from command executions
type Kind string

const (
	KindInference Kind = "inference"
	KindExec      Kind = "exec"
)

// Run is the durable record of one proxied agent call
type Run struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	LogBytes         int64      `json:"log_bytes"`
	LogExcerpt       string     `json:"log_excerpt,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Denial is an audit record of a refused command execution
type Denial struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Command   string    `json:"command"`
	Reason    string    `json:"reason"`
}

// Filter narrows a query. Zero values mean "no constraint".
type Filter struct {
	Provider string
	Status   Status
	Kind     Kind
	Search   string // free-text match against the log excerpt
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

var (
	// ErrRunNotFound is returned when a run id does not exist
	ErrRunNotFound = errors.New("runstore: run not found")

	// ErrBadTransition is returned on an illegal status change
	ErrBadTransition = errors.New("runstore: illegal status transition")
)
