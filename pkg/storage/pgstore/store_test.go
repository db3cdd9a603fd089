package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/stockmatch/pkg/app/core"
	"github.com/uhyunpark/stockmatch/pkg/storage"
	"github.com/uhyunpark/stockmatch/pkg/storage/storagetest"
)

// dsnEnv names a scratch database. Its tables are truncated by the tests.
const dsnEnv = "STOCKMATCH_TEST_POSTGRES_DSN"

func TestConformance(t *testing.T) {
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	storagetest.Run(t, func(t *testing.T, lockTimeout time.Duration) storage.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn, lockTimeout)
		require.NoError(t, err)
		require.NoError(t, s.Migrate(ctx))
		_, err = s.pool.Exec(ctx, `TRUNCATE trades, daily_prices, positions, orders, instruments, accounts RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
		return s
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   error
	}{
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, core.ErrLockTimeout},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, core.ErrLockTimeout},
		{"serialization", &pgconn.PgError{Code: "40001"}, core.ErrLockTimeout},
		{"unique", &pgconn.PgError{Code: "23505"}, core.ErrAlreadyExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(errors.Wrap(tt.err, "query"))
			assert.True(t, errors.Is(err, tt.is), "got %v", err)
		})
	}

	plain := errors.New("syntax")
	assert.Equal(t, plain, classify(plain))
	assert.NoError(t, classify(nil))

	check := classify(&pgconn.PgError{Code: "23514"})
	assert.False(t, core.IsTransient(check))
}

func TestPositionLockKey(t *testing.T) {
	assert.NotEqual(t, positionLockKey(1, 2), positionLockKey(2, 1))
	assert.NotEqual(t, positionLockKey(1, 2), positionLockKey(1, 3))
	assert.Equal(t, positionLockKey(7, 9), positionLockKey(7, 9))
}
