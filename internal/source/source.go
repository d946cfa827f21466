package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"driver_verification/internal/model"
)

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

func (o Outcome) Status() model.Status {
	if o == OutcomeApproved {
		return model.StatusApproved
	}
	return model.StatusRejected
}

type Request struct {
	SubjectID string
	Type      model.VerificationType
	// Context carries the subject data the source checks, e.g.
	// identity_number, license_number, full_name, date_of_birth.
	Context map[string]string
}

// Signals are the raw trust signals a source may return for scoring.
type Signals struct {
	OCRResults       map[string]float64
	FaceMatchScore   *float64
	ValidationScores map[string]float64
}

func (s *Signals) Scorable() bool {
	return s != nil && len(s.OCRResults) > 0 && s.FaceMatchScore != nil
}

type Result struct {
	Outcome     Outcome
	RawResponse []byte
	Confidence  *float64
	Signals     *Signals
}

// Adapter is the contract every identity-registry, OCR or face-match
// integration satisfies. Failures are *SourceError values whose Retryable
// flag separates transient from permanent errors.
type Adapter interface {
	Name() string
	Verify(ctx context.Context, req Request) (*Result, error)
}

// Registry maps verification types to their configured adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.VerificationType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.VerificationType]Adapter)}
}

func (r *Registry) Register(t model.VerificationType, a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[t]; exists {
		return fmt.Errorf("adapter for %s already registered", t)
	}
	r.adapters[t] = a
	return nil
}

func (r *Registry) Resolve(t model.VerificationType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return a, nil
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []model.VerificationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.VerificationType, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
