package model

import (
	"fmt"
	"strings"
)

type VerificationType string

const (
	VerificationTypeIdentityNumber VerificationType = "identity-number"
	VerificationTypeDrivingLicense VerificationType = "driving-license"
	VerificationTypeBankAccount    VerificationType = "bank-account"
	VerificationTypeReferee        VerificationType = "referee"
	VerificationTypeDocumentMatch  VerificationType = "document-match"
)

var AllVerificationTypes = []VerificationType{
	VerificationTypeIdentityNumber,
	VerificationTypeDrivingLicense,
	VerificationTypeBankAccount,
	VerificationTypeReferee,
	VerificationTypeDocumentMatch,
}

var typeAliases = map[string]VerificationType{
	"identity-number": VerificationTypeIdentityNumber,
	"identity_number": VerificationTypeIdentityNumber,
	"nin":             VerificationTypeIdentityNumber,
	"driving-license": VerificationTypeDrivingLicense,
	"driving_license": VerificationTypeDrivingLicense,
	"drivers_license": VerificationTypeDrivingLicense,
	"license":         VerificationTypeDrivingLicense,
	"bank-account":    VerificationTypeBankAccount,
	"bank_account":    VerificationTypeBankAccount,
	"bvn":             VerificationTypeBankAccount,
	"referee":         VerificationTypeReferee,
	"guarantor":       VerificationTypeReferee,
	"document-match":  VerificationTypeDocumentMatch,
	"document_match":  VerificationTypeDocumentMatch,
	"face_match":      VerificationTypeDocumentMatch,
}

// ParseVerificationType normalizes casing and legacy names.
func ParseVerificationType(s string) (VerificationType, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown verification type %q", s)
}

func (t VerificationType) String() string { return string(t) }

// Status is the stored state of one verification attempt. StatusExpired is
// never persisted; it is derived by EffectiveStatus.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

var statusAliases = map[string]Status{
	"pending":     StatusPending,
	"in_progress": StatusPending,
	"approved":    StatusApproved,
	"verified":    StatusApproved,
	"rejected":    StatusRejected,
	"failed":      StatusRejected,
	"expired":     StatusExpired,
}

func ParseStatus(s string) (Status, error) {
	if st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("unknown verification status %q", s)
}

func (s Status) String() string { return string(s) }

func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// AggregateStatus is the subject-level rollup written to the driver record.
type AggregateStatus string

const (
	AggregatePending  AggregateStatus = "pending"
	AggregateApproved AggregateStatus = "approved"
	AggregateRejected AggregateStatus = "rejected"
)

func ParseAggregateStatus(s string) (AggregateStatus, error) {
	st, err := ParseStatus(s)
	if err != nil {
		return "", err
	}
	switch st {
	case StatusApproved:
		return AggregateApproved, nil
	case StatusRejected:
		return AggregateRejected, nil
	}
	return AggregatePending, nil
}
