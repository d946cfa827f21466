package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrInvalidInput is returned for malformed weights or out-of-range signals.
// It is always a caller bug and is never retried.
var ErrInvalidInput = errors.New("invalid scoring input")

// weightEpsilon is the tolerance for the weights-sum-to-one check.
const weightEpsilon = 1e-9

type Factor string

const (
	FactorOCRAccuracy           Factor = "ocr_accuracy"
	FactorFaceMatch             Factor = "face_match"
	FactorValidationConsistency Factor = "validation_consistency"
)

// Factors lists the recognized factors in breakdown order.
var Factors = []Factor{FactorOCRAccuracy, FactorFaceMatch, FactorValidationConsistency}

// Breakdown flags.
const (
	FlagNoDocuments       = "no documents OCR'd"
	FlagFaceMatchMissing  = "face match score missing"
	FlagNoValidationRules = "no validation rules run"
)

type Weights struct {
	OCRAccuracy           float64 `json:"ocr_accuracy" mapstructure:"ocr_accuracy"`
	FaceMatch             float64 `json:"face_match" mapstructure:"face_match"`
	ValidationConsistency float64 `json:"validation_consistency" mapstructure:"validation_consistency"`
}

func DefaultWeights() Weights {
	return Weights{OCRAccuracy: 0.4, FaceMatch: 0.4, ValidationConsistency: 0.2}
}

func (w Weights) Of(f Factor) float64 {
	switch f {
	case FactorOCRAccuracy:
		return w.OCRAccuracy
	case FactorFaceMatch:
		return w.FaceMatch
	case FactorValidationConsistency:
		return w.ValidationConsistency
	}
	return 0
}

// Override returns a copy of w with the given factors replaced. Unknown
// factor names are rejected.
func (w Weights) Override(overrides map[Factor]float64) (Weights, error) {
	out := w
	for f, v := range overrides {
		switch f {
		case FactorOCRAccuracy:
			out.OCRAccuracy = v
		case FactorFaceMatch:
			out.FaceMatch = v
		case FactorValidationConsistency:
			out.ValidationConsistency = v
		default:
			return Weights{}, fmt.Errorf("%w: unknown weight %q", ErrInvalidInput, f)
		}
	}
	return out, nil
}

// Validate checks every weight is in [0,1] and that they sum to 1.0.
func (w Weights) Validate() error {
	sum := 0.0
	for _, f := range Factors {
		v := w.Of(f)
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: weight %s=%v outside [0,1]", ErrInvalidInput, f, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightEpsilon {
		return fmt.Errorf("%w: weights sum to %v, want 1.0", ErrInvalidInput, sum)
	}
	return nil
}

// Input carries the raw signals for one computation. A document without a
// confidence is simply absent from OCRResults.
type Input struct {
	OCRResults       map[string]float64 `json:"ocr_results"`
	FaceMatchScore   *float64           `json:"face_match_score,omitempty"`
	ValidationScores map[string]float64 `json:"validation_scores"`
	Weights          map[Factor]float64 `json:"weights,omitempty"`
}

type FactorScore struct {
	RawScore             float64 `json:"raw_score"`
	Weight               float64 `json:"weight"`
	WeightedContribution float64 `json:"weighted_contribution"`
	Missing              bool    `json:"missing,omitempty"`
}

type Result struct {
	CompositeScore float64                `json:"composite_score"`
	Breakdown      map[Factor]FactorScore `json:"breakdown"`
	Flags          []string               `json:"flags,omitempty"`
}

// Engine holds the base weights callers override per computation. It has no
// mutable state and is safe for concurrent use.
type Engine struct {
	weights Weights
}

func NewEngine(weights Weights) (*Engine, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Engine{weights: weights}, nil
}

func (e *Engine) Weights() Weights {
	return e.weights
}

func (e *Engine) Compute(in Input) (*Result, error) {
	return Compute(e.weights, in)
}

// Compute combines the OCR, face-match and validation signals into a 0-100
// composite score. Rounding to two decimals is applied to the composite and
// to each contribution independently, after all arithmetic.
func Compute(base Weights, in Input) (*Result, error) {
	weights, err := base.Override(in.Weights)
	if err != nil {
		return nil, err
	}
	if err := weights.Validate(); err != nil {
		return nil, err
	}

	var flags []string

	ocr, err := mean("ocr", in.OCRResults)
	if err != nil {
		return nil, err
	}
	if len(in.OCRResults) == 0 {
		flags = append(flags, FlagNoDocuments)
	}

	face := 0.0
	faceMissing := in.FaceMatchScore == nil
	if faceMissing {
		flags = append(flags, FlagFaceMatchMissing)
	} else {
		face = *in.FaceMatchScore
		if err := checkUnit("face match score", face); err != nil {
			return nil, err
		}
	}

	validation, err := mean("validation", in.ValidationScores)
	if err != nil {
		return nil, err
	}
	if len(in.ValidationScores) == 0 {
		flags = append(flags, FlagNoValidationRules)
	}

	raw := map[Factor]float64{
		FactorOCRAccuracy:           ocr,
		FactorFaceMatch:             face,
		FactorValidationConsistency: validation,
	}

	res := &Result{
		Breakdown: make(map[Factor]FactorScore, len(Factors)),
		Flags:     flags,
	}
	total := 0.0
	for _, f := range Factors {
		contribution := raw[f] * weights.Of(f) * 100
		total += contribution
		res.Breakdown[f] = FactorScore{
			RawScore:             raw[f],
			Weight:               weights.Of(f),
			WeightedContribution: round2(contribution),
			Missing:              f == FactorFaceMatch && faceMissing,
		}
	}
	res.CompositeScore = round2(total)
	return res, nil
}

// mean averages values in sorted key order so repeated calls are
// bit-identical regardless of map iteration order.
func mean(name string, values map[string]float64) (float64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sum := 0.0
	for _, k := range keys {
		if err := checkUnit(name+" "+k, values[k]); err != nil {
			return 0, err
		}
		sum += values[k]
	}
	avg := sum / float64(len(keys))
	if err := checkUnit(name+" aggregate", avg); err != nil {
		return 0, err
	}
	return avg, nil
}

func checkUnit(name string, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return fmt.Errorf("%w: %s=%v outside [0,1]", ErrInvalidInput, name, v)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
