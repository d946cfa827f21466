package source

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driver_verification/internal/model"
)

type stubAdapter struct {
	name string
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Verify(context.Context, Request) (*Result, error) {
	return &Result{Outcome: OutcomeApproved}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(model.VerificationTypeIdentityNumber, &stubAdapter{name: "identity-registry-api"}))
	require.NoError(t, r.Register(model.VerificationTypeBankAccount, &stubAdapter{name: "bank-api"}))

	err := r.Register(model.VerificationTypeIdentityNumber, &stubAdapter{name: "other"})
	assert.Error(t, err)

	a, err := r.Resolve(model.VerificationTypeIdentityNumber)
	require.NoError(t, err)
	assert.Equal(t, "identity-registry-api", a.Name())

	_, err = r.Resolve(model.VerificationTypeReferee)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	assert.Equal(t, []model.VerificationType{
		model.VerificationTypeBankAccount,
		model.VerificationTypeIdentityNumber,
	}, r.Types())
}

func TestSourceErrorClassification(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		transient bool
	}{
		{ErrorTimeout, true},
		{ErrorOutage, true},
		{ErrorRateLimited, true},
		{ErrorBadData, false},
		{ErrorAuthentication, false},
		{ErrorNotFound, false},
		{ErrorDenied, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := fmt.Errorf("call failed: %w", NewSourceError(tt.category, "nin-api", "boom", nil))

			assert.Equal(t, tt.transient, IsTransient(err))
			assert.Equal(t, tt.transient, errors.Is(err, ErrSourceUnavailable))
			assert.Equal(t, !tt.transient, errors.Is(err, ErrSourceRejected))
			assert.Equal(t, tt.category, CategoryOf(err))
		})
	}
}

func TestIsTransientPlainErrors(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(fmt.Errorf("wrapped: %w", ErrSourceRejected)))
	assert.Equal(t, ErrorOutage, CategoryOf(errors.New("unknown")))
}

func TestSourceErrorMessage(t *testing.T) {
	err := NewSourceError(ErrorTimeout, "nin-api", "request timed out", context.DeadlineExceeded)
	assert.Equal(t, "source nin-api [timeout]: request timed out: context deadline exceeded", err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutcomeStatus(t *testing.T) {
	assert.Equal(t, model.StatusApproved, OutcomeApproved.Status())
	assert.Equal(t, model.StatusRejected, OutcomeRejected.Status())
}

func TestSignalsScorable(t *testing.T) {
	face := 0.9
	var nilSignals *Signals
	assert.False(t, nilSignals.Scorable())
	assert.False(t, (&Signals{OCRResults: map[string]float64{"license": 0.9}}).Scorable())
	assert.False(t, (&Signals{FaceMatchScore: &face}).Scorable())
	assert.True(t, (&Signals{OCRResults: map[string]float64{"license": 0.9}, FaceMatchScore: &face}).Scorable())
}
