package source_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"driver_verification/internal/model"
	"driver_verification/internal/source"
	"driver_verification/internal/source/mocks"
	"driver_verification/internal/validation"
)

//go:generate mockgen -source=document.go -destination=mocks/document_mocks.go -package=mocks OCRProvider,FaceMatcher,Validator
//go:generate mockgen -source=source.go -destination=mocks/source_mocks.go -package=mocks Adapter

func documentRequest() source.Request {
	return source.Request{
		SubjectID: "driver-1",
		Type:      model.VerificationTypeDocumentMatch,
		Context: map[string]string{
			source.KeyDocumentRefs:      "license-front, passport",
			source.KeySelfieRef:         "selfie-1",
			source.KeyReferencePhotoRef: "photo-1",
			validation.KeyFullName:      "Amaka Eze",
		},
	}
}

func TestDocumentMatch_Verify(t *testing.T) {
	tests := []struct {
		name       string
		confidence map[string]float64
		face       float64
		expected   source.Outcome
	}{
		{
			name:       "approved_above_thresholds",
			confidence: map[string]float64{"license-front": 0.9, "passport": 0.8},
			face:       0.88,
			expected:   source.OutcomeApproved,
		},
		{
			name:       "rejected_low_face_score",
			confidence: map[string]float64{"license-front": 0.9, "passport": 0.8},
			face:       0.5,
			expected:   source.OutcomeRejected,
		},
		{
			name:       "rejected_low_ocr_confidence",
			confidence: map[string]float64{"license-front": 0.6, "passport": 0.5},
			face:       0.9,
			expected:   source.OutcomeRejected,
		},
		{
			name:       "rejected_nothing_readable",
			confidence: map[string]float64{},
			face:       0.95,
			expected:   source.OutcomeRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			ocr := mocks.NewMockOCRProvider(ctrl)
			faces := mocks.NewMockFaceMatcher(ctrl)
			validator := mocks.NewMockValidator(ctrl)

			ocr.EXPECT().
				Extract(gomock.Any(), []string{"license-front", "passport"}).
				Return(&source.Extraction{Confidence: tt.confidence, Fields: map[string]string{validation.KeyFullName: "AMAKA EZE"}}, nil)
			faces.EXPECT().Compare(gomock.Any(), "selfie-1", "photo-1").Return(tt.face, nil)
			validator.EXPECT().
				Scores(gomock.Any(), "driver-1", validation.Fields{FullName: "Amaka Eze"}, validation.Fields{FullName: "AMAKA EZE"}).
				Return(map[string]float64{validation.RuleNameSimilarity: 1}, nil)

			adapter := source.NewDocumentMatch("", ocr, faces, validator, source.DefaultDocumentMatchThresholds())
			assert.Equal(t, "document-match", adapter.Name())

			result, err := adapter.Verify(context.Background(), documentRequest())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result.Outcome)

			require.NotNil(t, result.Signals)
			assert.Equal(t, tt.confidence, result.Signals.OCRResults)
			require.NotNil(t, result.Signals.FaceMatchScore)
			assert.Equal(t, tt.face, *result.Signals.FaceMatchScore)
			assert.Equal(t, map[string]float64{validation.RuleNameSimilarity: 1}, result.Signals.ValidationScores)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(result.RawResponse, &raw))
			assert.Equal(t, string(tt.expected), raw["outcome"])
		})
	}
}

func TestDocumentMatch_MissingInputs(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := source.NewDocumentMatch("doc", mocks.NewMockOCRProvider(ctrl), mocks.NewMockFaceMatcher(ctrl), nil, source.DefaultDocumentMatchThresholds())

	req := documentRequest()
	delete(req.Context, source.KeyDocumentRefs)
	_, err := adapter.Verify(context.Background(), req)
	assert.ErrorIs(t, err, source.ErrSourceRejected)
	assert.Equal(t, source.ErrorBadData, source.CategoryOf(err))

	req = documentRequest()
	delete(req.Context, source.KeySelfieRef)
	_, err = adapter.Verify(context.Background(), req)
	assert.ErrorIs(t, err, source.ErrSourceRejected)
}

func TestDocumentMatch_ProviderFailures(t *testing.T) {
	t.Run("plain_error_is_transient", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		ocr := mocks.NewMockOCRProvider(ctrl)
		ocr.EXPECT().Extract(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

		adapter := source.NewDocumentMatch("doc", ocr, mocks.NewMockFaceMatcher(ctrl), nil, source.DefaultDocumentMatchThresholds())
		_, err := adapter.Verify(context.Background(), documentRequest())
		assert.True(t, source.IsTransient(err))
		assert.Equal(t, source.ErrorOutage, source.CategoryOf(err))
	})

	t.Run("source_error_is_kept", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		ocr := mocks.NewMockOCRProvider(ctrl)
		faces := mocks.NewMockFaceMatcher(ctrl)
		ocr.EXPECT().Extract(gomock.Any(), gomock.Any()).Return(&source.Extraction{Confidence: map[string]float64{"a": 0.9}}, nil)
		faces.EXPECT().Compare(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(0.0, source.NewSourceError(source.ErrorAuthentication, "faces", "bad key", nil))

		adapter := source.NewDocumentMatch("doc", ocr, faces, nil, source.DefaultDocumentMatchThresholds())
		_, err := adapter.Verify(context.Background(), documentRequest())
		assert.False(t, source.IsTransient(err))
		assert.Equal(t, source.ErrorAuthentication, source.CategoryOf(err))
	})
}
