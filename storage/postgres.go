package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"houseplans.app/cloud/models"
)

const downloadTokenConstraint = "purchases_download_token_key"

type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	if err := migratePostgres(dsn); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewPostgresStorageFromPool(pool), nil
}

// NewPostgresStorageFromPool wraps an already migrated pool.
func NewPostgresStorageFromPool(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) CreateClaim(ctx context.Context, claim *models.Claim) error {
	const stmt = `
INSERT INTO purchases (id, product_id, phone, amount, external_id, download_token, status, rejection_reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, stmt,
		claim.ID,
		claim.ProductID,
		claim.Phone,
		claim.Amount,
		claim.ExternalID,
		claim.DownloadToken,
		string(claim.Status),
		claim.RejectionReason,
		claim.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, downloadTokenConstraint) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("create claim: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	const query = `SELECT ` + claimColumns + ` FROM purchases WHERE id = $1`
	return s.queryClaim(ctx, query, id)
}

func (s *PostgresStorage) FindClaimByToken(ctx context.Context, token string) (*models.Claim, error) {
	const query = `SELECT ` + claimColumns + ` FROM purchases WHERE download_token = $1`
	return s.queryClaim(ctx, query, token)
}

func (s *PostgresStorage) queryClaim(ctx context.Context, query string, arg any) (*models.Claim, error) {
	claim, err := scanPgClaim(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return claim, nil
}

func (s *PostgresStorage) ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM purchases`
	var args []any
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()

	var claims []*models.Claim
	for rows.Next() {
		claim, err := scanPgClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, claim)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate claims: %w", rows.Err())
	}
	return claims, nil
}

func (s *PostgresStorage) TransitionClaim(ctx context.Context, id string, status models.ClaimStatus, reason string, at time.Time) (bool, error) {
	const stmt = `
UPDATE purchases
SET status = $1, rejection_reason = $2, reviewed_at = $3
WHERE id = $4 AND status = 'pending'`
	tag, err := s.pool.Exec(ctx, stmt, string(status), reason, at, id)
	if err != nil {
		return false, fmt.Errorf("update claim status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	const query = `SELECT id, title, asset_key, status FROM products WHERE id = $1`

	var product models.Product
	err := s.pool.QueryRow(ctx, query, id).Scan(&product.ID, &product.Title, &product.AssetKey, &product.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &product, nil
}

func (s *PostgresStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	const stmt = `
INSERT INTO products (id, title, asset_key, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	asset_key = EXCLUDED.asset_key,
	status = EXCLUDED.status`
	if _, err := s.pool.Exec(ctx, stmt, product.ID, product.Title, product.AssetKey, product.Status); err != nil {
		return fmt.Errorf("save product: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func scanPgClaim(row pgx.Row) (*models.Claim, error) {
	var (
		claim  models.Claim
		status string
	)
	err := row.Scan(
		&claim.ID,
		&claim.ProductID,
		&claim.Phone,
		&claim.Amount,
		&claim.ExternalID,
		&claim.DownloadToken,
		&status,
		&claim.RejectionReason,
		&claim.CreatedAt,
		&claim.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	claim.Status = models.ClaimStatus(status)
	return &claim, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
