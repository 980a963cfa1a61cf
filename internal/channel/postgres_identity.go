package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresIdentityTableName = "channel_identity_bindings"
)

// PostgresIdentityRegistry enforces the uniqueness invariant at the storage
// layer: external_id is the primary key, and a bind is one conditional
// upsert, so two concurrent claims on the same id resolve to exactly one
// winner inside postgres.
type PostgresIdentityRegistry struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresIdentityRegistry(dsn string) (*PostgresIdentityRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresIdentityRegistry{
		dsn:       dsn,
		tableName: postgresIdentityTableName,
		openDB:    sql.Open,
	}, nil
}

func (r *PostgresIdentityRegistry) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				external_id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL,
				bound BOOLEAN NOT NULL DEFAULT TRUE,
				bound_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		indexName := r.tableName + "_tenant_idx"
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id) WHERE bound",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(r.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func (r *PostgresIdentityRegistry) Bind(ctx context.Context, tenantID, externalID string) error {
	tenantID = strings.TrimSpace(tenantID)
	externalID = strings.TrimSpace(externalID)
	if tenantID == "" || externalID == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// Single statement: claims the row when it is new, tombstoned, or
	// already held by the same tenant. Zero rows affected means another
	// tenant holds a live binding.
	query := fmt.Sprintf(`
		INSERT INTO %s (external_id, tenant_id, bound, bound_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (external_id)
		DO UPDATE SET tenant_id = EXCLUDED.tenant_id, bound = TRUE, bound_at = NOW()
		WHERE %s.bound = FALSE OR %s.tenant_id = EXCLUDED.tenant_id`,
		postgresQuoteIdentifier(r.tableName),
		postgresQuoteIdentifier(r.tableName),
		postgresQuoteIdentifier(r.tableName),
	)
	result, err := r.db.ExecContext(opCtx, query, externalID, tenantID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		holder, _ := r.Holder(ctx, externalID)
		return &BindConflictError{
			ExternalID:    externalID,
			HolderTenant:  holder,
			ClaimerTenant: tenantID,
		}
	}
	return nil
}

func (r *PostgresIdentityRegistry) Unbind(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET bound = FALSE WHERE tenant_id = $1 AND bound",
		postgresQuoteIdentifier(r.tableName),
	)
	_, err := r.db.ExecContext(opCtx, query, tenantID)
	return err
}

func (r *PostgresIdentityRegistry) Holder(ctx context.Context, externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return "", err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT tenant_id FROM %s WHERE external_id = $1 AND bound",
		postgresQuoteIdentifier(r.tableName),
	)
	var tenantID string
	err := r.db.QueryRowContext(opCtx, query, externalID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tenantID, nil
}

func (r *PostgresIdentityRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ IdentityRegistry = (*PostgresIdentityRegistry)(nil)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
