package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/models"
)

// ErrDuplicateToken is returned by CreateClaim when the download token is
// already held by another claim.
var ErrDuplicateToken = errors.New("download token already in use")

// Storage persists purchase claims and reads the product catalog.
// Lookups return (nil, nil) when nothing matches.
type Storage interface {
	CreateClaim(ctx context.Context, claim *models.Claim) error
	GetClaim(ctx context.Context, id string) (*models.Claim, error)
	FindClaimByToken(ctx context.Context, token string) (*models.Claim, error)
	ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error)
	// TransitionClaim moves a pending claim to status. It reports false,
	// without error, when no pending claim with that id exists.
	TransitionClaim(ctx context.Context, id string, status models.ClaimStatus, reason string, at time.Time) (bool, error)

	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	SaveProduct(ctx context.Context, product *models.Product) error

	Close() error
}

// Open picks a backend from the DSN scheme: postgres:// or postgresql://
// for Postgres, memory: for the in-process store, anything else is a SQLite path.
func Open(ctx context.Context, dsn string) (Storage, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStorage(ctx, dsn)
	case dsn == "memory:":
		return NewMemoryStorage(), nil
	default:
		return NewSQLiteStorage(strings.TrimPrefix(dsn, "sqlite3://"))
	}
}

type MemoryStorage struct {
	mu       sync.Mutex
	claims   map[string]models.Claim
	tokens   map[string]string
	order    []string
	products map[int64]models.Product
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		claims:   make(map[string]models.Claim),
		tokens:   make(map[string]string),
		products: make(map[int64]models.Product),
	}
}

func (m *MemoryStorage) CreateClaim(ctx context.Context, claim *models.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[claim.DownloadToken]; exists {
		return ErrDuplicateToken
	}
	if _, exists := m.claims[claim.ID]; exists {
		return fmt.Errorf("claim %s already exists", claim.ID)
	}

	m.claims[claim.ID] = *claim
	m.tokens[claim.DownloadToken] = claim.ID
	m.order = append(m.order, claim.ID)
	return nil
}

func (m *MemoryStorage) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, exists := m.claims[id]
	if !exists {
		return nil, nil
	}
	return &claim, nil
}

func (m *MemoryStorage) FindClaimByToken(ctx context.Context, token string) (*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, exists := m.tokens[token]
	if !exists {
		return nil, nil
	}
	claim := m.claims[id]
	return &claim, nil
}

func (m *MemoryStorage) ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claims := make([]*models.Claim, 0, len(m.order))
	// Walk insertion order backwards so equal timestamps still list newest first.
	for i := len(m.order) - 1; i >= 0; i-- {
		claim := m.claims[m.order[i]]
		if filter.Status != nil && claim.Status != *filter.Status {
			continue
		}
		claims = append(claims, &claim)
	}
	sort.SliceStable(claims, func(i, j int) bool {
		return claims[i].CreatedAt.After(claims[j].CreatedAt)
	})

	if filter.Limit > 0 && len(claims) > filter.Limit {
		claims = claims[:filter.Limit]
	}
	return claims, nil
}

func (m *MemoryStorage) TransitionClaim(ctx context.Context, id string, status models.ClaimStatus, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	claim, exists := m.claims[id]
	if !exists || claim.Status != models.StatusPending {
		return false, nil
	}

	reviewedAt := at
	claim.Status = status
	claim.RejectionReason = reason
	claim.ReviewedAt = &reviewedAt
	m.claims[id] = claim
	return true, nil
}

func (m *MemoryStorage) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	product, exists := m.products[id]
	if !exists {
		return nil, nil
	}
	return &product, nil
}

func (m *MemoryStorage) SaveProduct(ctx context.Context, product *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.products[product.ID] = *product
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// LoadCatalog seeds the product table from a JSON array of products. Product
// management lives elsewhere; this keeps a fresh deployment or a test fixture
// able to serve downloads.
func LoadCatalog(ctx context.Context, store Storage, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("catalog file does not exist, skipping seed", map[string]interface{}{
				"path": path,
			})
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warn("failed to close catalog file", map[string]interface{}{"error": err.Error()})
		}
	}()

	var products []models.Product
	if err := json.NewDecoder(file).Decode(&products); err != nil {
		return 0, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}

	for i := range products {
		if products[i].ID <= 0 {
			return i, fmt.Errorf("catalog entry %d has no id", i)
		}
		if products[i].Status == "" {
			products[i].Status = models.ProductActive
		}
		if err := store.SaveProduct(ctx, &products[i]); err != nil {
			return i, fmt.Errorf("failed to save product %d: %w", products[i].ID, err)
		}
	}

	return len(products), nil
}
