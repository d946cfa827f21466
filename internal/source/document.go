package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"driver_verification/internal/validation"
)

// Request context keys read by the document-match adapter.
const (
	KeyDocumentRefs      = "document_refs"
	KeySelfieRef         = "selfie_ref"
	KeyReferencePhotoRef = "reference_photo_ref"
)

// Extraction is the OCR output for a set of documents. Documents the
// provider could not read are absent from Confidence.
type Extraction struct {
	Confidence map[string]float64 `json:"confidence"`
	Fields     map[string]string  `json:"fields"`
}

type OCRProvider interface {
	Extract(ctx context.Context, documentRefs []string) (*Extraction, error)
}

type FaceMatcher interface {
	Compare(ctx context.Context, liveRef, referenceRef string) (float64, error)
}

type Validator interface {
	Scores(ctx context.Context, subjectID string, claimed, extracted validation.Fields) (map[string]float64, error)
}

type DocumentMatchThresholds struct {
	FaceMatch     float64 `mapstructure:"face_threshold"`
	OCRConfidence float64 `mapstructure:"ocr_threshold"`
}

func DefaultDocumentMatchThresholds() DocumentMatchThresholds {
	return DocumentMatchThresholds{FaceMatch: 0.75, OCRConfidence: 0.7}
}

// DocumentMatch verifies uploaded documents by combining OCR, face matching
// and field validation. It always reports the signals it gathered.
type DocumentMatch struct {
	name       string
	ocr        OCRProvider
	faces      FaceMatcher
	validator  Validator
	thresholds DocumentMatchThresholds
}

func NewDocumentMatch(name string, ocr OCRProvider, faces FaceMatcher, validator Validator, thresholds DocumentMatchThresholds) *DocumentMatch {
	if name == "" {
		name = "document-match"
	}
	return &DocumentMatch{
		name:       name,
		ocr:        ocr,
		faces:      faces,
		validator:  validator,
		thresholds: thresholds,
	}
}

func (d *DocumentMatch) Name() string {
	return d.name
}

type documentMatchResponse struct {
	Outcome          Outcome            `json:"outcome"`
	OCRResults       map[string]float64 `json:"ocr_results"`
	MeanOCR          float64            `json:"mean_ocr_confidence"`
	FaceMatchScore   float64            `json:"face_match_score"`
	ValidationScores map[string]float64 `json:"validation_scores"`
	ExtractedFields  map[string]string  `json:"extracted_fields,omitempty"`
}

func (d *DocumentMatch) Verify(ctx context.Context, req Request) (*Result, error) {
	refs := splitRefs(req.Context[KeyDocumentRefs])
	if len(refs) == 0 {
		return nil, NewSourceError(ErrorBadData, d.name, "no document references supplied", nil)
	}
	selfie, reference := req.Context[KeySelfieRef], req.Context[KeyReferencePhotoRef]
	if selfie == "" || reference == "" {
		return nil, NewSourceError(ErrorBadData, d.name, "selfie and reference photo are required", nil)
	}

	extraction, err := d.ocr.Extract(ctx, refs)
	if err != nil {
		return nil, d.wrap("ocr extraction failed", err)
	}
	face, err := d.faces.Compare(ctx, selfie, reference)
	if err != nil {
		return nil, d.wrap("face comparison failed", err)
	}

	validationScores := map[string]float64{}
	if d.validator != nil {
		validationScores, err = d.validator.Scores(ctx, req.SubjectID,
			validation.FieldsFromMap(req.Context), validation.FieldsFromMap(extraction.Fields))
		if err != nil {
			return nil, d.wrap("field validation failed", err)
		}
	}

	meanOCR := meanConfidence(extraction.Confidence)
	outcome := OutcomeRejected
	if face >= d.thresholds.FaceMatch && len(extraction.Confidence) > 0 && meanOCR >= d.thresholds.OCRConfidence {
		outcome = OutcomeApproved
	}

	raw, err := json.Marshal(documentMatchResponse{
		Outcome:          outcome,
		OCRResults:       extraction.Confidence,
		MeanOCR:          meanOCR,
		FaceMatchScore:   face,
		ValidationScores: validationScores,
		ExtractedFields:  extraction.Fields,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document match response: %w", err)
	}

	return &Result{
		Outcome:     outcome,
		RawResponse: raw,
		Confidence:  &face,
		Signals: &Signals{
			OCRResults:       extraction.Confidence,
			FaceMatchScore:   &face,
			ValidationScores: validationScores,
		},
	}, nil
}

// wrap keeps SourceErrors from the providers and classifies anything else
// as an outage.
func (d *DocumentMatch) wrap(msg string, err error) error {
	var se *SourceError
	if errors.As(err, &se) {
		return err
	}
	return NewSourceError(ErrorOutage, d.name, msg, err)
}

func splitRefs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func meanConfidence(values map[string]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += values[k]
	}
	return sum / float64(len(values))
}
