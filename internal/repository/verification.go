package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"driver_verification/internal/model"
)

// Filter selects verification records. Zero-valued fields do not constrain
// the result.
type Filter struct {
	SubjectID string
	Statuses  []model.Status
	Types     []model.VerificationType
	// ExpiresBefore matches records with expires_at <= the instant.
	ExpiresBefore          *time.Time
	RequiresReverification *bool
	// CheckedBefore matches records never checked or last checked before
	// the instant.
	CheckedBefore *time.Time
	// CreatedBefore matches records created strictly before the instant.
	CreatedBefore *time.Time
	Limit         int
}

type VerificationRepository interface {
	Create(ctx context.Context, record *model.VerificationRecord) error
	GetByID(ctx context.Context, id string) (*model.VerificationRecord, error)
	// Update persists record if its Version matches the stored one and
	// bumps Version on success.
	Update(ctx context.Context, record *model.VerificationRecord) error
	Find(ctx context.Context, filter Filter) ([]*model.VerificationRecord, error)
	// ListBySubject returns the subject's records, newest first.
	ListBySubject(ctx context.Context, subjectID string) ([]*model.VerificationRecord, error)
}

type verificationRepository struct {
	db     DB
	logger *zap.Logger
}

func NewVerificationRepository(db DB, logger *zap.Logger) VerificationRepository {
	return &verificationRepository{
		db:     db,
		logger: logger,
	}
}

const recordColumns = `id, subject_id, type, source, status, raw_response, audit, response_timestamp,
	response_latency_ms, expires_at, requires_reverification, last_reverification_check_at,
	version, created_at, updated_at`

func (r *verificationRepository) Create(ctx context.Context, record *model.VerificationRecord) error {
	audit, err := json.Marshal(record.Audit)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	if record.Version == 0 {
		record.Version = 1
	}

	query := `
		INSERT INTO verification_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err = r.db.Exec(ctx, query,
		record.ID, record.SubjectID, string(record.Type), record.Source, string(record.Status),
		[]byte(record.RawResponse), audit, record.ResponseTimestamp, record.ResponseLatencyMs,
		record.ExpiresAt, record.RequiresReverification, record.LastReverificationCheckAt,
		record.Version, record.CreatedAt, record.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("failed to create verification record", zap.Error(err), zap.String("id", record.ID))
		return fmt.Errorf("failed to create verification record: %w", err)
	}
	return nil
}

func (r *verificationRepository) GetByID(ctx context.Context, id string) (*model.VerificationRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM verification_records WHERE id = $1`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		r.logger.Error("failed to get verification record", zap.Error(err), zap.String("id", id))
		return nil, fmt.Errorf("failed to get verification record: %w", err)
	}
	return record, nil
}

func (r *verificationRepository) Update(ctx context.Context, record *model.VerificationRecord) error {
	audit, err := json.Marshal(record.Audit)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	query := `
		UPDATE verification_records
		SET status = $3, raw_response = $4, audit = $5, response_timestamp = $6,
			response_latency_ms = $7, expires_at = $8, requires_reverification = $9,
			last_reverification_check_at = $10, updated_at = $11, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`
	var version int64
	err = r.db.QueryRow(ctx, query,
		record.ID, record.Version, string(record.Status), []byte(record.RawResponse), audit,
		record.ResponseTimestamp, record.ResponseLatencyMs, record.ExpiresAt,
		record.RequiresReverification, record.LastReverificationCheckAt, record.UpdatedAt,
	).Scan(&version)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Error("failed to update verification record", zap.Error(err), zap.String("id", record.ID))
			return fmt.Errorf("failed to update verification record: %w", err)
		}
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM verification_records WHERE id = $1)`, record.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check verification record: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, record.ID)
		}
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentModification, record.ID, record.Version)
	}
	record.Version = version
	return nil
}

func (r *verificationRepository) Find(ctx context.Context, filter Filter) ([]*model.VerificationRecord, error) {
	query, args := buildFindQuery(filter)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("failed to find verification records", zap.Error(err))
		return nil, fmt.Errorf("failed to find verification records: %w", err)
	}
	defer rows.Close()

	var records []*model.VerificationRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate verification records: %w", err)
	}
	return records, nil
}

func (r *verificationRepository) ListBySubject(ctx context.Context, subjectID string) ([]*model.VerificationRecord, error) {
	return r.Find(ctx, Filter{SubjectID: subjectID})
}

func buildFindQuery(filter Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.SubjectID != "" {
		where = append(where, "subject_id = "+arg(filter.SubjectID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		where = append(where, "type = ANY("+arg(types)+")")
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= "+arg(*filter.ExpiresBefore))
	}
	if filter.RequiresReverification != nil {
		where = append(where, "requires_reverification = "+arg(*filter.RequiresReverification))
	}
	if filter.CheckedBefore != nil {
		where = append(where, "(last_reverification_check_at IS NULL OR last_reverification_check_at < "+arg(*filter.CheckedBefore)+")")
	}
	if filter.CreatedBefore != nil {
		where = append(where, "created_at < "+arg(*filter.CreatedBefore))
	}

	query := `SELECT ` + recordColumns + ` FROM verification_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	return query, args
}

func scanRecord(row pgx.Row) (*model.VerificationRecord, error) {
	var (
		record      model.VerificationRecord
		recordType  string
		status      string
		rawResponse []byte
		audit       []byte
	)
	err := row.Scan(
		&record.ID, &record.SubjectID, &recordType, &record.Source, &status, &rawResponse, &audit,
		&record.ResponseTimestamp, &record.ResponseLatencyMs, &record.ExpiresAt,
		&record.RequiresReverification, &record.LastReverificationCheckAt,
		&record.Version, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Type = model.VerificationType(recordType)
	record.Status = model.Status(status)
	if len(rawResponse) > 0 {
		record.RawResponse = json.RawMessage(rawResponse)
	}
	if len(audit) > 0 {
		if err := json.Unmarshal(audit, &record.Audit); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
		}
	}
	return &record, nil
}
