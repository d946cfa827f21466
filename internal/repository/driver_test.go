package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap/zaptest"

	"driver_verification/internal/model"
)

// mockDB stands in for *pgxpool.Pool.
type mockDB struct {
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return nil, errors.New("query not configured")
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	if m.scanFunc != nil {
		return m.scanFunc(dest...)
	}
	return nil
}

func TestSetAggregateVerificationStatus(t *testing.T) {
	tests := []struct {
		name          string
		execError     error
		expectedError string
	}{
		{
			name: "successful_update",
		},
		{
			name:          "database_error",
			execError:     errors.New("database connection failed"),
			expectedError: "failed to set verification status for driver-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotArgs []any
			db := &mockDB{
				execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					if !strings.Contains(sql, "verification_status") {
						t.Errorf("unexpected query: %s", sql)
					}
					gotArgs = args
					return pgconn.NewCommandTag("INSERT 0 1"), tt.execError
				},
			}

			repo := NewDriverRepository(db, zaptest.NewLogger(t))
			err := repo.SetAggregateVerificationStatus(context.Background(), "driver-1", model.AggregateApproved)

			if tt.expectedError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("expected error containing '%s', but got %v", tt.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if len(gotArgs) != 2 || gotArgs[0] != "driver-1" || gotArgs[1] != "approved" {
				t.Errorf("unexpected args: %v", gotArgs)
			}
		})
	}
}

func TestSyncIdentityNumber(t *testing.T) {
	var gotArgs []any
	db := &mockDB{
		execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return pgconn.NewCommandTag("UPDATE 1"), nil
		},
	}

	repo := NewDriverRepository(db, zaptest.NewLogger(t))
	if err := repo.SyncIdentityNumber(context.Background(), "driver-1", "12345678901"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gotArgs) != 2 || gotArgs[1] != "12345678901" {
		t.Errorf("unexpected args: %v", gotArgs)
	}
}

func TestLicenseInUse(t *testing.T) {
	tests := []struct {
		name          string
		inUse         bool
		mockError     error
		expected      bool
		expectedError string
	}{
		{name: "license_free", inUse: false, expected: false},
		{name: "license_taken", inUse: true, expected: true},
		{
			name:          "database_error",
			mockError:     errors.New("database connection failed"),
			expectedError: "failed to check license usage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDB{
				queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
					if args[0] != "LAG-123" || args[1] != "driver-1" {
						t.Errorf("unexpected args: %v", args)
					}
					return &mockRow{
						scanFunc: func(dest ...any) error {
							if tt.mockError != nil {
								return tt.mockError
							}
							if p, ok := dest[0].(*bool); ok {
								*p = tt.inUse
							}
							return nil
						},
					}
				},
			}

			repo := NewDriverRepository(db, zaptest.NewLogger(t))
			got, err := repo.LicenseInUse(context.Background(), "LAG-123", "driver-1")

			if tt.expectedError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("expected error containing '%s', but got %v", tt.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}
