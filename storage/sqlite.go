package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/models"
)

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

const claimColumns = `id, product_id, phone, amount, external_id, download_token, status, rejection_reason, created_at, reviewed_at`

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers; the conditional UPDATE in
	// TransitionClaim stays atomic either way.
	db.SetMaxOpenConns(1)

	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStorage{
		db:   db,
		path: path,
	}, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_foreign_keys=on"
}

func (s *SQLiteStorage) CreateClaim(ctx context.Context, claim *models.Claim) error {
	query := `INSERT INTO purchases (id, product_id, phone, amount, external_id, download_token, status, rejection_reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		claim.ID,
		claim.ProductID,
		claim.Phone,
		claim.Amount.String(),
		claim.ExternalID,
		claim.DownloadToken,
		string(claim.Status),
		claim.RejectionReason,
		claim.CreatedAt.UTC(),
	)
	if err != nil {
		if isSQLiteUnique(err, "download_token") {
			return ErrDuplicateToken
		}
		return fmt.Errorf("failed to save claim: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM purchases WHERE id = ?`
	return s.queryClaim(ctx, query, id)
}

func (s *SQLiteStorage) FindClaimByToken(ctx context.Context, token string) (*models.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM purchases WHERE download_token = ?`
	return s.queryClaim(ctx, query, token)
}

func (s *SQLiteStorage) queryClaim(ctx context.Context, query string, arg interface{}) (*models.Claim, error) {
	claim, err := scanClaim(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return claim, nil
}

func (s *SQLiteStorage) ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM purchases`
	var args []interface{}
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var claims []*models.Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, claim)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claims: %w", err)
	}

	return claims, nil
}

func (s *SQLiteStorage) TransitionClaim(ctx context.Context, id string, status models.ClaimStatus, reason string, at time.Time) (bool, error) {
	query := `UPDATE purchases SET status = ?, rejection_reason = ?, reviewed_at = ? WHERE id = ? AND status = 'pending'`

	result, err := s.db.ExecContext(ctx, query, string(status), reason, at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to update claim status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows == 1, nil
}

func (s *SQLiteStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	query := `SELECT id, title, asset_key, status FROM products WHERE id = ?`

	var product models.Product
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.Title,
		&product.AssetKey,
		&product.Status,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &product, nil
}

func (s *SQLiteStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	query := `INSERT OR REPLACE INTO products (id, title, asset_key, status) VALUES (?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		product.ID,
		product.Title,
		product.AssetKey,
		product.Status,
	)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*models.Claim, error) {
	var (
		claim      models.Claim
		status     string
		reviewedAt sql.NullTime
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
		&reviewedAt,
	)
	if err != nil {
		return nil, err
	}

	claim.Status = models.ClaimStatus(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		claim.ReviewedAt = &t
	}
	return &claim, nil
}

func isSQLiteUnique(err error, column string) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique && strings.Contains(sqliteErr.Error(), column)
}
