// Package engine defines the adapter to the external code-generation
// process. The Engine interface lets the orchestrator run against either
// the real process-spawning binding or a deterministic in-memory mock.
package engine

import (
	"context"

	"github.com/google/uuid"
	"github.com/hochfrequenz/runforge/internal/domain"
)

// sessionNamespace is a fixed UUID namespace for deterministic session ids,
// so the same run and phase always resume the same engine session.
var sessionNamespace = uuid.MustParse("9f2c1e34-5b8d-4c6a-9e10-7a3f2d81c4b5")

// ErrorKind classifies engine failures. The resilience layer uses it to
// decide whether an invocation is worth retrying.
type ErrorKind string

const (
	KindNone            ErrorKind = ""
	KindUnavailable     ErrorKind = "engine_unavailable"
	KindTimeout         ErrorKind = "timeout"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindExecutionError  ErrorKind = "execution_error"
)

// Retryable reports whether a failure of this kind may succeed on retry
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUnavailable, KindTimeout:
		return true
	}
	return false
}

// Request describes one engine invocation
type Request struct {
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
	Tier      domain.ModelTier  `json:"tier"`
	WorkDir   string            `json:"work_dir"`
	SessionID string            `json:"session_id,omitempty"`
}

// Result is the normalized outcome of an invocation
type Result struct {
	Output       string    `json:"output"`
	SessionID    string    `json:"session_id"`
	Success      bool      `json:"success"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	ErrorText    string    `json:"error_text,omitempty"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	CostUSD      float64   `json:"cost_usd"`
}

// Engine invokes the external code-generation process
type Engine interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// SessionID derives the deterministic session id for a run phase
func SessionID(runID, phase string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(runID+"/"+phase)).String()
}
