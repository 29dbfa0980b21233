package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"clublink/internal/membership/models"
	dErrors "clublink/pkg/domain-errors"
	"clublink/pkg/platform/sentinel"
	txcontext "clublink/pkg/platform/tx"
)

// registerLockKey is the advisory lock id that serializes Register across
// all connections and replicas.
const registerLockKey int64 = 0x636c75626c696e6b

const pgUniqueViolation = "23505"

// PostgresStore persists memberships and referral clicks in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed membership store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) execer(ctx context.Context) txcontext.Executor {
	return txcontext.Exec(ctx, s.db)
}

// Register replaces any membership sharing orgID or platformID with a new
// row. The delete and insert run in one transaction holding a
// transaction-scoped advisory lock, so overlapping Registers never
// interleave between the two statements.
func (s *PostgresStore) Register(ctx context.Context, orgID, platformID string, expiryYear int) error {
	m, err := models.NewMembership(orgID, platformID, expiryYear)
	if err != nil {
		return err
	}

	err = txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		exec := s.execer(ctx)
		if _, err := exec.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, registerLockKey); err != nil {
			return fmt.Errorf("acquire register lock: %w", err)
		}
		if _, err := exec.ExecContext(ctx,
			`DELETE FROM memberships WHERE org_id = $1 OR platform_id = $2`,
			m.OrgID, m.PlatformID,
		); err != nil {
			return fmt.Errorf("delete previous links: %w", err)
		}
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO memberships (org_id, platform_id, exp) VALUES ($1, $2, $3)`,
			m.OrgID, m.PlatformID, m.ExpiryYear,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("insert membership: %w", sentinel.ErrConflict)
			}
			return fmt.Errorf("insert membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStore, "register membership")
	}
	return nil
}

func (s *PostgresStore) GetByOrgID(ctx context.Context, orgID string) (*models.Membership, error) {
	m, err := s.getOne(ctx, `SELECT org_id, platform_id, exp FROM memberships WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStore, "get membership by org id")
	}
	return m, nil
}

func (s *PostgresStore) GetByPlatformID(ctx context.Context, platformID string) (*models.Membership, error) {
	m, err := s.getOne(ctx, `SELECT org_id, platform_id, exp FROM memberships WHERE platform_id = $1`, platformID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStore, "get membership by platform id")
	}
	return m, nil
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg string) (*models.Membership, error) {
	var m models.Membership
	err := s.execer(ctx).QueryRowContext(ctx, query, arg).Scan(&m.OrgID, &m.PlatformID, &m.ExpiryYear)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Remove deletes the membership for orgID and reports how many rows went.
func (s *PostgresStore) Remove(ctx context.Context, orgID string) (int64, error) {
	n, err := s.delete(ctx, `DELETE FROM memberships WHERE org_id = $1`, orgID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStore, "remove membership")
	}
	return n, nil
}

func (s *PostgresStore) RemoveByPlatformID(ctx context.Context, platformID string) (int64, error) {
	n, err := s.delete(ctx, `DELETE FROM memberships WHERE platform_id = $1`, platformID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStore, "remove membership by platform id")
	}
	return n, nil
}

func (s *PostgresStore) delete(ctx context.Context, query, arg string) (int64, error) {
	res, err := s.execer(ctx).ExecContext(ctx, query, arg)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.Membership, error) {
	ms, err := s.list(ctx, `SELECT org_id, platform_id, exp FROM memberships ORDER BY org_id`)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStore, "list memberships")
	}
	return ms, nil
}

// ListExpiredAtOrBefore returns memberships whose expiry year is <= year.
func (s *PostgresStore) ListExpiredAtOrBefore(ctx context.Context, year int) ([]*models.Membership, error) {
	ms, err := s.list(ctx, `SELECT org_id, platform_id, exp FROM memberships WHERE exp <= $1 ORDER BY exp, org_id`, year)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStore, "list expired memberships")
	}
	return ms, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Membership, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.OrgID, &m.PlatformID, &m.ExpiryYear); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReferralClick records that platformID followed a referral link. Repeat
// clicks are ignored.
func (s *PostgresStore) ReferralClick(ctx context.Context, platformID string) error {
	if platformID == "" {
		return dErrors.New(dErrors.CodeValidation, "platform id is required")
	}
	_, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO referrals (platform_id) VALUES ($1) ON CONFLICT (platform_id) DO NOTHING`,
		platformID,
	)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStore, "record referral click")
	}
	return nil
}

func (s *PostgresStore) ReferralCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.execer(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM referrals`).Scan(&n); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStore, "count referrals")
	}
	return n, nil
}

// Ping checks database connectivity for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
