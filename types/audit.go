package types

import "driver_verification/internal/scoring"

// AuditPayload is stored with each verification record in the audit column.
// The raw source response is kept separately and verbatim.
type AuditPayload struct {
	Reason     string            `json:"reason,omitempty"`
	Attempts   int               `json:"attempts"`
	Request    map[string]string `json:"request,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Score      *scoring.Result   `json:"score,omitempty"`
	ScoreError string            `json:"score_error,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// Reasons recorded on terminal records that were not decided by the source.
const (
	ReasonSourceUnavailable = "source unavailable"
	ReasonSourceRejected    = "source rejected"
	ReasonSuperseded        = "superseded"
	ReasonCancelled         = "cancelled"
	ReasonAbandoned         = "abandoned"
)
