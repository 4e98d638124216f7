package domain

import (
	"encoding/json"
	"time"
)

// Iteration phases recorded in the trace.
const (
	PhaseExplore = "explore"
	PhaseRetry   = "retry"
	PhaseForced  = "forced"
)

// IterationRecord is one immutable step of the agent loop: a tool dispatch or
// a validation attempt of a final answer.
type IterationRecord struct {
	Iteration     int             `json:"iteration"`
	Phase         string          `json:"phase"`
	Tool          string          `json:"tool,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	ResultPreview string          `json:"result_preview"`
	Timestamp     time.Time       `json:"timestamp"`
}

// AuditRecord is handed to the audit log for every terminal decision.
type AuditRecord struct {
	RequestID        string
	PatientID        string
	PatientCount     int
	Question         string
	OK               bool
	SQL              string
	Explanation      string
	Confidence       string
	Code             string
	ViolationCode    string
	Message          string
	IterationCount   int
	ForcedCompletion bool
	StartedAt        time.Time
	Duration         time.Duration
	Trace            []IterationRecord
}

// PatientStats is the running tally kept next to a patient's audit trail.
type PatientStats struct {
	PatientID    string
	Decisions    int
	Failures     int
	LastActivity time.Time
}
