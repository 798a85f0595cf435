package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/apperrors"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/model"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/observer"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/internal/tenant"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/logger"
	"gitlab.com/timkado/api/sdr-lifecycle-engine/pkg/utils"
)

const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second
	commitRetryMaxElapsedTime   = 15 * time.Second
)

// newRetryPolicy creates a new exponential backoff policy with context awareness.
func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation retries operation while it fails with a transient error.
// Conflicts and not-found results are permanent.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) ||
			errors.Is(err, apperrors.ErrConflict) ||
			errors.Is(err, apperrors.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError checks if the error suggests a temporary issue like a network problem.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 53 insufficient resources, 40001/40P01 rollback
		if strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001" {
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// PostgresRepo implements every repository of the engine on one gorm handle.
type PostgresRepo struct {
	db *gorm.DB
}

// schemaNamer qualifies every table with the engine schema.
type schemaNamer struct {
	schema.NamingStrategy
	schemaName string
}

func (n schemaNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", n.schemaName, table)
}

func migratedModels() []interface{} {
	return []interface{}{
		&model.Client{},
		&model.Lead{},
		&model.Message{},
		&model.Meeting{},
		&model.Notification{},
		&model.Campaign{},
		&model.ExhaustedEvent{},
	}
}

// NewPostgresRepo connects with retries, ensures the schema exists and, when
// autoMigrate is set, migrates every model and the scan indexes.
func NewPostgresRepo(dsn, schemaName string, autoMigrate bool) (*PostgresRepo, error) {
	if schemaName == "" {
		schemaName = "public"
	}

	connect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			NamingStrategy: schemaNamer{schemaName: schemaName},
			Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		})
		if err != nil {
			if isTransientError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres: %w", err))
		}
		return db, nil
	}
	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 1 * time.Minute

	db, err := backoff.RetryNotifyWithData(connect, b, notify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}

	repo := &PostgresRepo{db: db}

	logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", schemaName))
	if err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error; err != nil {
		_ = repo.Close(context.Background())
		return nil, fmt.Errorf("failed to create schema %s: %w", schemaName, err)
	}

	if autoMigrate {
		if err := db.AutoMigrate(migratedModels()...); err != nil {
			_ = repo.Close(context.Background())
			return nil, fmt.Errorf("failed to auto-migrate schema %s: %w", schemaName, err)
		}
		for _, ddl := range scanIndexes(schemaName) {
			if err := db.Exec(ddl).Error; err != nil {
				logger.Log.Warn("Failed to create index", zap.String("ddl", ddl), zap.Error(err))
			}
		}
		logger.Log.Info("Database migration complete", zap.String("schema", schemaName))
	}

	return repo, nil
}

// scanIndexes backs the periodic candidate queries.
func scanIndexes(schemaName string) []string {
	return []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_leads_awaiting_reply ON %q.leads (last_outgoing_message_at) WHERE ai_status = 'active'`, schemaName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_meetings_upcoming ON %q.meetings (scheduled_at) WHERE status = 'scheduled'`, schemaName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_leads_campaign_new ON %q.leads (campaign_id) WHERE status = 'NEW'`, schemaName),
	}
}

// Ping checks connectivity for readiness probes.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// Close closes the database connection
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// observedOperation runs operation through retryableOperation and records its
// duration under the (op, entity) labels.
func observedOperation(ctx context.Context, maxElapsed time.Duration, opName, op, entity, clientID string, operation func() error) error {
	startTime := utils.Now()
	err := retryableOperation(ctx, newRetryPolicy(ctx, maxElapsed), opName, operation)
	observer.ObserveDbOperationDuration(op, entity, clientID, time.Since(startTime), err)
	return err
}

// table returns the schema-qualified name used in raw SQL.
func (r *PostgresRepo) table(name string) string {
	return r.db.NamingStrategy.TableName(name)
}

// clientFromContext returns the tenant of ctx or an ErrUnauthorized wrap.
func clientFromContext(ctx context.Context) (string, error) {
	clientID, err := tenant.FromContext(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to get client ID: %w", apperrors.ErrUnauthorized, err)
	}
	return clientID, nil
}

// checkConstraintViolation inspects database errors and maps them to standard apperrors.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "23514": // check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
		default:
			return fmt.Errorf("%w: pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}
