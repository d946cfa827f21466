package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDuplicateChecker struct {
	licenseInUseFunc func(ctx context.Context, licenseNumber, excludingSubjectID string) (bool, error)
}

func (m *mockDuplicateChecker) LicenseInUse(ctx context.Context, licenseNumber, excludingSubjectID string) (bool, error) {
	if m.licenseInUseFunc != nil {
		return m.licenseInUseFunc(ctx, licenseNumber, excludingSubjectID)
	}
	return false, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, NameSimilarity("John Doe", "john doe"))
	assert.Equal(t, 1.0, NameSimilarity("Doe, John", "John Doe"))
	assert.Equal(t, 1.0, NameSimilarity("", ""))
	assert.InDelta(t, 0.875, NameSimilarity("Ada Obi", "Ada Obii"), 1e-9)
	assert.Less(t, NameSimilarity("Chinedu Okafor", "Mary Smith"), 0.5)
}

func TestScores(t *testing.T) {
	tests := []struct {
		name      string
		claimed   Fields
		extracted Fields
		inUse     bool
		expected  map[string]float64
	}{
		{
			name: "all_rules_pass",
			claimed: Fields{
				FullName:       "Amaka Eze",
				DateOfBirth:    "1990-05-15",
				IdentityNumber: "12345678901",
			},
			extracted: Fields{
				FullName:      "EZE AMAKA",
				DateOfBirth:   "15/05/1990",
				ExpiryDate:    "2028-01-01",
				LicenseNumber: "LAG-12345",
			},
			expected: map[string]float64{
				RuleNameSimilarity:        1,
				RuleDOBMatch:              1,
				RuleExpiryCheck:           1,
				RuleIdentityNumberRegex:   1,
				RuleDuplicateLicenseCheck: 1,
			},
		},
		{
			name:      "expired_document_and_bad_number",
			claimed:   Fields{DateOfBirth: "1990-05-15", IdentityNumber: "1234"},
			extracted: Fields{DateOfBirth: "1991-05-15", ExpiryDate: "2020-01-01"},
			expected: map[string]float64{
				RuleDOBMatch:            0,
				RuleExpiryCheck:         0,
				RuleIdentityNumberRegex: 0,
			},
		},
		{
			name:     "duplicate_license",
			claimed:  Fields{LicenseNumber: "LAG-999"},
			inUse:    true,
			expected: map[string]float64{RuleDuplicateLicenseCheck: 0},
		},
		{
			name:     "no_inputs_no_rules",
			expected: map[string]float64{},
		},
		{
			name:      "unparseable_expiry_fails",
			extracted: Fields{ExpiryDate: "soon"},
			expected:  map[string]float64{RuleExpiryCheck: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := &mockDuplicateChecker{
				licenseInUseFunc: func(_ context.Context, _, subjectID string) (bool, error) {
					assert.Equal(t, "driver-1", subjectID)
					return tt.inUse, nil
				},
			}
			v := NewValidator(checker, fixedNow)

			scores, err := v.Scores(context.Background(), "driver-1", tt.claimed, tt.extracted)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, scores)
		})
	}
}

func TestScoresDuplicateCheckError(t *testing.T) {
	checker := &mockDuplicateChecker{
		licenseInUseFunc: func(context.Context, string, string) (bool, error) {
			return false, errors.New("database connection failed")
		},
	}
	v := NewValidator(checker, fixedNow)

	_, err := v.Scores(context.Background(), "driver-1", Fields{LicenseNumber: "LAG-1"}, Fields{})
	assert.ErrorContains(t, err, "duplicate license check")
}

func TestScoresWithoutDuplicateChecker(t *testing.T) {
	v := NewValidator(nil, fixedNow)
	scores, err := v.Scores(context.Background(), "driver-1", Fields{LicenseNumber: "LAG-1"}, Fields{})
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestFieldsFromMap(t *testing.T) {
	f := FieldsFromMap(map[string]string{
		KeyFullName:       "  Amaka Eze ",
		KeyIdentityNumber: "12345678901",
	})
	assert.Equal(t, Fields{FullName: "Amaka Eze", IdentityNumber: "12345678901"}, f)
}
