package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"driver_verification/types"
)

var ErrInvalidTransition = errors.New("invalid verification transition")

// VerificationRecord is one append-only verification attempt for a subject.
// Version is bumped by the store on every successful update.
type VerificationRecord struct {
	ID                        string             `json:"id"`
	SubjectID                 string             `json:"subject_id"`
	Type                      VerificationType   `json:"type"`
	Source                    string             `json:"source"`
	Status                    Status             `json:"status"`
	RawResponse               json.RawMessage    `json:"raw_response,omitempty"`
	Audit                     types.AuditPayload `json:"audit"`
	ResponseTimestamp         *time.Time         `json:"response_timestamp,omitempty"`
	ResponseLatencyMs         int64              `json:"response_latency_ms"`
	ExpiresAt                 *time.Time         `json:"expires_at,omitempty"`
	RequiresReverification    bool               `json:"requires_reverification"`
	LastReverificationCheckAt *time.Time         `json:"last_reverification_check_at,omitempty"`
	Version                   int64              `json:"version"`
	CreatedAt                 time.Time          `json:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at"`
}

// NewPendingRecord creates the record written when a source call is dispatched.
func NewPendingRecord(subjectID string, t VerificationType, source string, request map[string]string, now time.Time) *VerificationRecord {
	return &VerificationRecord{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Type:      t,
		Source:    source,
		Status:    StatusPending,
		Audit:     types.AuditPayload{Request: request},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Response describes a source answer applied by Resolve.
type Response struct {
	Status      Status
	RawResponse []byte
	RespondedAt time.Time
	Latency     time.Duration
	// ExpiresAfter is added to RespondedAt when positive.
	ExpiresAfter time.Duration
	Reason       string
}

// Resolve moves a pending record to approved or rejected.
func (r *VerificationRecord) Resolve(resp Response) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s record %s cannot be resolved", ErrInvalidTransition, r.Status, r.ID)
	}
	if !resp.Status.Terminal() {
		return fmt.Errorf("%w: cannot resolve to %s", ErrInvalidTransition, resp.Status)
	}
	respondedAt := resp.RespondedAt.UTC()
	r.Status = resp.Status
	if resp.RawResponse != nil {
		r.RawResponse = append(json.RawMessage(nil), resp.RawResponse...)
	}
	r.ResponseTimestamp = &respondedAt
	r.ResponseLatencyMs = resp.Latency.Milliseconds()
	if resp.Reason != "" {
		r.Audit.Reason = resp.Reason
	}
	if r.ExpiresAt == nil && resp.ExpiresAfter > 0 {
		exp := respondedAt.Add(resp.ExpiresAfter)
		r.ExpiresAt = &exp
	}
	return nil
}

// MarkForReverification sets the reverification flag. Pending records are
// incomplete rather than stale and cannot be flagged.
func (r *VerificationRecord) MarkForReverification(now time.Time) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: %s record %s cannot require reverification", ErrInvalidTransition, r.Status, r.ID)
	}
	checkedAt := now.UTC()
	r.RequiresReverification = true
	r.LastReverificationCheckAt = &checkedAt
	return nil
}

func (r *VerificationRecord) IsExpired(now time.Time) bool {
	return r.Status.Terminal() && r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// EffectiveStatus reports expired for terminal records past their expiry.
func (r *VerificationRecord) EffectiveStatus(now time.Time) Status {
	if r.IsExpired(now) {
		return StatusExpired
	}
	return r.Status
}

func (r *VerificationRecord) Clone() *VerificationRecord {
	c := *r
	if r.RawResponse != nil {
		c.RawResponse = append(json.RawMessage(nil), r.RawResponse...)
	}
	if r.Audit.Request != nil {
		c.Audit.Request = make(map[string]string, len(r.Audit.Request))
		for k, v := range r.Audit.Request {
			c.Audit.Request[k] = v
		}
	}
	c.ResponseTimestamp = cloneTime(r.ResponseTimestamp)
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.LastReverificationCheckAt = cloneTime(r.LastReverificationCheckAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TypeOutcome is the per-type result of one verify run.
type TypeOutcome struct {
	Type        VerificationType `json:"type"`
	Status      Status           `json:"status,omitempty"`
	RecordID    string           `json:"record_id,omitempty"`
	Unsupported bool             `json:"unsupported,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

type AggregateResult struct {
	SubjectID string             `json:"subject_id"`
	Status    AggregateStatus    `json:"status"`
	Outcomes  []TypeOutcome      `json:"outcomes"`
	Skipped   []VerificationType `json:"skipped,omitempty"`
}

// Aggregate rolls per-type outcomes into a subject status: rejected if any
// outcome is rejected, approved only if every outcome is approved.
func Aggregate(outcomes []TypeOutcome) AggregateStatus {
	if len(outcomes) == 0 {
		return AggregatePending
	}
	allApproved := true
	for _, o := range outcomes {
		if o.Status == StatusRejected {
			return AggregateRejected
		}
		if o.Unsupported || o.Status != StatusApproved {
			allApproved = false
		}
	}
	if allApproved {
		return AggregateApproved
	}
	return AggregatePending
}

// ReverificationJob asks a worker to rerun one verification type for a
// subject after the scheduler flagged RecordID.
type ReverificationJob struct {
	RecordID    string           `json:"record_id"`
	SubjectID   string           `json:"subject_id"`
	Type        VerificationType `json:"type"`
	RequestedAt time.Time        `json:"requested_at"`
}
