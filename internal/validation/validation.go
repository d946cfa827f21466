package validation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Rule names reported in validation scores.
const (
	RuleNameSimilarity        = "name_similarity"
	RuleDOBMatch              = "dob_match"
	RuleExpiryCheck           = "expiry_check"
	RuleIdentityNumberRegex   = "identity_number_regex"
	RuleDuplicateLicenseCheck = "duplicate_license_check"
)

// Context keys shared with the verification request context.
const (
	KeyFullName       = "full_name"
	KeyDateOfBirth    = "date_of_birth"
	KeyExpiryDate     = "expiry_date"
	KeyIdentityNumber = "identity_number"
	KeyLicenseNumber  = "license_number"
)

var identityNumberPattern = regexp.MustCompile(`^\d{11}$`)

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "2 Jan 2006", "January 2, 2006"}

type Fields struct {
	FullName       string
	DateOfBirth    string
	ExpiryDate     string
	IdentityNumber string
	LicenseNumber  string
}

func FieldsFromMap(m map[string]string) Fields {
	return Fields{
		FullName:       strings.TrimSpace(m[KeyFullName]),
		DateOfBirth:    strings.TrimSpace(m[KeyDateOfBirth]),
		ExpiryDate:     strings.TrimSpace(m[KeyExpiryDate]),
		IdentityNumber: strings.TrimSpace(m[KeyIdentityNumber]),
		LicenseNumber:  strings.TrimSpace(m[KeyLicenseNumber]),
	}
}

// DuplicateChecker reports whether a licence number already belongs to
// another subject.
type DuplicateChecker interface {
	LicenseInUse(ctx context.Context, licenseNumber, excludingSubjectID string) (bool, error)
}

type Validator struct {
	duplicates DuplicateChecker
	now        func() time.Time
}

func NewValidator(duplicates DuplicateChecker, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{duplicates: duplicates, now: now}
}

// Scores runs every rule whose inputs are present and returns a score in
// [0,1] per rule. Rules without inputs are omitted rather than scored zero.
func (v *Validator) Scores(ctx context.Context, subjectID string, claimed, extracted Fields) (map[string]float64, error) {
	scores := make(map[string]float64)

	if claimed.FullName != "" && extracted.FullName != "" {
		scores[RuleNameSimilarity] = NameSimilarity(claimed.FullName, extracted.FullName)
	}

	if claimed.DateOfBirth != "" && extracted.DateOfBirth != "" {
		scores[RuleDOBMatch] = boolScore(sameDate(claimed.DateOfBirth, extracted.DateOfBirth))
	}

	if extracted.ExpiryDate != "" {
		exp, ok := parseDate(extracted.ExpiryDate)
		scores[RuleExpiryCheck] = boolScore(ok && exp.After(v.now()))
	}

	number := firstNonEmpty(extracted.IdentityNumber, claimed.IdentityNumber)
	if number != "" {
		scores[RuleIdentityNumberRegex] = boolScore(identityNumberPattern.MatchString(number))
	}

	license := firstNonEmpty(extracted.LicenseNumber, claimed.LicenseNumber)
	if license != "" && v.duplicates != nil {
		inUse, err := v.duplicates.LicenseInUse(ctx, license, subjectID)
		if err != nil {
			return nil, fmt.Errorf("duplicate license check: %w", err)
		}
		scores[RuleDuplicateLicenseCheck] = boolScore(!inUse)
	}

	return scores, nil
}

// NameSimilarity compares two names ignoring case, punctuation and token
// order, returning 1 - editDistance/maxLength.
func NameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" && nb == "" {
		return 1
	}
	longest := utf8.RuneCountInString(na)
	if n := utf8.RuneCountInString(nb); n > longest {
		longest = n
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(longest)
}

func normalizeName(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		if r == '.' || r == ',' || r == '-' || r == '\'' {
			return ' '
		}
		return r
	}, s)
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func sameDate(a, b string) bool {
	da, okA := parseDate(a)
	db, okB := parseDate(b)
	return okA && okB && da.Equal(db)
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
