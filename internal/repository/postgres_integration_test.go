//go:build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap/zaptest"

	"driver_verification/internal/model"
)

func newPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("driver_verification"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := zaptest.NewLogger(t)
	require.NoError(t, Migrate(ctx, pool, os.DirFS("../../migrations"), log))
	// A second run must be a no-op.
	require.NoError(t, Migrate(ctx, pool, os.DirFS("../../migrations"), log))
	return pool
}

func TestPostgresRepositories(t *testing.T) {
	pool := newPostgresPool(t)
	log := zaptest.NewLogger(t)

	t.Run("verification_records", func(t *testing.T) {
		testVerificationRepository(t, NewVerificationRepository(pool, log))
	})

	t.Run("drivers", func(t *testing.T) {
		ctx := context.Background()
		repo := NewDriverRepository(pool, log)

		require.NoError(t, repo.SetAggregateVerificationStatus(ctx, "driver-1", model.AggregateRejected))
		require.NoError(t, repo.SyncIdentityNumber(ctx, "driver-1", "12345678901"))
		_, err := pool.Exec(ctx, `INSERT INTO drivers (id, license_number) VALUES ('driver-2', 'LAG-42')`)
		require.NoError(t, err)

		var status, number string
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT verification_status, identity_number FROM drivers WHERE id = 'driver-1'`).Scan(&status, &number))
		assert.Equal(t, "rejected", status)
		assert.Equal(t, "12345678901", number)

		inUse, err := repo.LicenseInUse(ctx, "LAG-42", "driver-1")
		require.NoError(t, err)
		assert.True(t, inUse)

		inUse, err = repo.LicenseInUse(ctx, "LAG-42", "driver-2")
		require.NoError(t, err)
		assert.False(t, inUse)
	})

	t.Run("terminal_constraint", func(t *testing.T) {
		ctx := context.Background()
		repo := NewVerificationRepository(pool, log)
		r := model.NewPendingRecord("driver-9", model.VerificationTypeReferee, "referee-api", nil, time.Now().UTC())
		require.NoError(t, repo.Create(ctx, r))

		r.RequiresReverification = true
		assert.Error(t, repo.Update(ctx, r))
	})
}
