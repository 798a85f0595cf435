package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
)

// Queries are matched with sqlmock.QueryMatcherRegexp against short
// fragments, so ORDER BY/LIMIT clauses and column order added by gorm do not
// break the expectations.

const (
	testClientID = "client-test-123"
	testLeadID   = "lead-abc-456"
)

// AnyTime matches any time.Time argument
type AnyTime struct{}

// Match satisfies sqlmock.Argument interface
func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

// SameTime matches a time.Time argument equal to T
type SameTime struct{ T time.Time }

// Match satisfies sqlmock.Argument interface
func (a SameTime) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && t.Equal(a.T)
}

// AnyJSON matches jsonb arguments
type AnyJSON struct{}

// Match satisfies sqlmock.Argument interface
func (a AnyJSON) Match(v driver.Value) bool {
	switch v.(type) {
	case []byte, string, nil:
		return true
	default:
		return false
	}
}

// newTestRepo returns a repo backed by sqlmock. Expectations are verified on cleanup.
func newTestRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return &PostgresRepo{db: gormDB}, mock
}

func tenantCtx() context.Context {
	return tenant.WithClientID(context.Background(), testClientID)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"serialization", &pgconn.PgError{Code: "40001"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"wrapped broken pipe", fmt.Errorf("write: %w", errors.New("broken pipe")), true},
		{"plain error", errors.New("syntax error at or near"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientError(tt.err))
		})
	}
}

func TestCheckConstraintViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", gorm.ErrRecordNotFound, apperrors.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505", ConstraintName: "uniq"}, apperrors.ErrDuplicate},
		{"foreign key", &pgconn.PgError{Code: "23503"}, apperrors.ErrBadRequest},
		{"not null", &pgconn.PgError{Code: "23502", ColumnName: "user_id"}, apperrors.ErrBadRequest},
		{"other pg", &pgconn.PgError{Code: "XX000"}, apperrors.ErrDatabase},
		{"generic", errors.New("boom"), apperrors.ErrDatabase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, checkConstraintViolation(tt.err), tt.want)
		})
	}
	assert.NoError(t, checkConstraintViolation(nil))
}

func TestClientFromContext_MissingTenant(t *testing.T) {
	_, err := clientFromContext(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestSchemaNamer_QualifiesTables(t *testing.T) {
	n := schemaNamer{schemaName: "sdr"}
	assert.Equal(t, `"sdr".leads`, n.TableName("leads"))
}

func TestRetryableOperation_RetriesTransientErrors(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: "08006"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryableOperation_ConflictIsPermanent(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
		attempts++
		return fmt.Errorf("%w: stale", apperrors.ErrConflict)
	})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 1, attempts)
}
