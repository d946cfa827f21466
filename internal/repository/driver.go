package repository

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"driver_verification/internal/model"
)

// DriverRepository writes to the driver read model. The driver row is owned
// elsewhere; this package only updates the verification-derived columns
// and creates a bare row when none exists yet.
type DriverRepository interface {
	SetAggregateVerificationStatus(ctx context.Context, subjectID string, status model.AggregateStatus) error
	SyncIdentityNumber(ctx context.Context, subjectID, identityNumber string) error
	LicenseInUse(ctx context.Context, licenseNumber, excludingSubjectID string) (bool, error)
}

type driverRepository struct {
	db     DB
	logger *zap.Logger
}

func NewDriverRepository(db DB, logger *zap.Logger) DriverRepository {
	return &driverRepository{
		db:     db,
		logger: logger,
	}
}

func (r *driverRepository) SetAggregateVerificationStatus(ctx context.Context, subjectID string, status model.AggregateStatus) error {
	query := `
		INSERT INTO drivers (id, verification_status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET verification_status = EXCLUDED.verification_status, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, subjectID, string(status)); err != nil {
		r.logger.Error("failed to set driver verification status", zap.Error(err), zap.String("subject_id", subjectID))
		return fmt.Errorf("failed to set verification status for %s: %w", subjectID, err)
	}

	r.logger.Debug("driver verification status updated",
		zap.String("subject_id", subjectID), zap.String("status", string(status)))
	return nil
}

func (r *driverRepository) SyncIdentityNumber(ctx context.Context, subjectID, identityNumber string) error {
	query := `
		INSERT INTO drivers (id, identity_number, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET identity_number = EXCLUDED.identity_number, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, subjectID, identityNumber); err != nil {
		r.logger.Error("failed to sync identity number", zap.Error(err), zap.String("subject_id", subjectID))
		return fmt.Errorf("failed to sync identity number for %s: %w", subjectID, err)
	}
	return nil
}

func (r *driverRepository) LicenseInUse(ctx context.Context, licenseNumber, excludingSubjectID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM drivers WHERE license_number = $1 AND id <> $2)`

	var inUse bool
	if err := r.db.QueryRow(ctx, query, licenseNumber, excludingSubjectID).Scan(&inUse); err != nil {
		r.logger.Error("failed to check licence usage", zap.Error(err))
		return false, fmt.Errorf("failed to check license usage: %w", err)
	}
	return inUse, nil
}
