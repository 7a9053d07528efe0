// Package ledger records purchase claims and moves them through review.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"houseplans.app/cloud/internal/credential"
	"houseplans.app/cloud/internal/logger"
	"houseplans.app/cloud/internal/metrics"
	"houseplans.app/cloud/models"
	"houseplans.app/cloud/storage"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500

	// tokenAttempts bounds regeneration after a token collision.
	tokenAttempts = 3
)

// Notifier is told about every newly recorded claim.
type Notifier interface {
	NotifyNewClaim(ctx context.Context, claim models.Claim) error
}

type noopNotifier struct{}

func (noopNotifier) NotifyNewClaim(context.Context, models.Claim) error { return nil }

type CreateClaimInput struct {
	ProductID  int64
	Phone      string
	Amount     decimal.Decimal
	ExternalID string
}

type Service struct {
	store    storage.Storage
	tokens   credential.Generator
	notifier Notifier
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(store storage.Storage, tokens credential.Generator, opts ...Option) *Service {
	s := &Service{
		store:    store,
		tokens:   tokens,
		notifier: noopNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateClaim(ctx context.Context, in CreateClaimInput) (*models.Claim, error) {
	phone := strings.TrimSpace(in.Phone)
	switch {
	case in.ProductID <= 0:
		return nil, fmt.Errorf("%w: product_id is required", models.ErrValidation)
	case phone == "":
		return nil, fmt.Errorf("%w: phone is required", models.ErrValidation)
	case !in.Amount.IsPositive():
		return nil, fmt.Errorf("%w: amount must be greater than zero", models.ErrValidation)
	case !in.Amount.Round(2).Equal(in.Amount):
		return nil, fmt.Errorf("%w: amount must have at most 2 decimal places", models.ErrValidation)
	}

	claim := models.Claim{
		ID:         uuid.NewString(),
		ProductID:  in.ProductID,
		Phone:      phone,
		Amount:     in.Amount,
		ExternalID: strings.TrimSpace(in.ExternalID),
		Status:     models.StatusPending,
		CreatedAt:  s.now().UTC(),
	}

	var err error
	for attempt := 1; attempt <= tokenAttempts; attempt++ {
		claim.DownloadToken, err = s.tokens.Generate()
		if err != nil {
			return nil, fmt.Errorf("generate download token: %w", err)
		}

		err = s.store.CreateClaim(ctx, &claim)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateToken) {
			return nil, fmt.Errorf("create claim: %w", err)
		}
		logger.Warn("download token collision, regenerating", map[string]interface{}{
			"attempt": attempt,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("create claim after %d token attempts: %w", tokenAttempts, err)
	}

	metrics.ClaimEvents.WithLabelValues("created").Inc()
	logger.Info("purchase claim recorded", map[string]interface{}{
		"claim_id":   claim.ID,
		"product_id": claim.ProductID,
	})

	if err := s.notifier.NotifyNewClaim(ctx, claim); err != nil {
		logger.Warn("failed to notify about new claim", map[string]interface{}{
			"claim_id": claim.ID,
			"error":    err.Error(),
		})
	}

	return &claim, nil
}

func (s *Service) ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}

	claims, err := s.store.ListClaims(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	return claims, nil
}

// GetClaim returns ErrNotFound for an unknown id.
func (s *Service) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	claim, err := s.store.GetClaim(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	if claim == nil {
		return nil, fmt.Errorf("%w: claim %s", models.ErrNotFound, id)
	}
	return claim, nil
}

// GetByToken returns (nil, nil) when no claim holds the token.
func (s *Service) GetByToken(ctx context.Context, token string) (*models.Claim, error) {
	if token == "" {
		return nil, nil
	}
	claim, err := s.store.FindClaimByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("find claim by token: %w", err)
	}
	return claim, nil
}

func (s *Service) Approve(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusApproved, "")
}

func (s *Service) Reject(ctx context.Context, id, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", models.ErrValidation)
	}
	return s.transition(ctx, id, models.StatusRejected, reason)
}

func (s *Service) transition(ctx context.Context, id string, status models.ClaimStatus, reason string) error {
	ok, err := s.store.TransitionClaim(ctx, id, status, reason, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update claim status: %w", err)
	}

	if !ok {
		// Either the id is unknown or another reviewer got there first.
		current, err := s.store.GetClaim(ctx, id)
		if err != nil {
			return fmt.Errorf("reload claim: %w", err)
		}
		if current == nil {
			return fmt.Errorf("%w: claim %s", models.ErrNotFound, id)
		}
		return fmt.Errorf("%w: claim %s is already %s", models.ErrInvalidState, id, current.Status)
	}

	metrics.ClaimEvents.WithLabelValues(string(status)).Inc()
	logger.Info("purchase claim reviewed", map[string]interface{}{
		"claim_id": id,
		"status":   string(status),
	})
	return nil
}

// IsEntitled reports whether token unlocks productID: the claim must exist,
// name exactly this product, be approved, and the product must still be on
// sale. Every mismatch is a plain false; errors mean the lookup itself failed.
func (s *Service) IsEntitled(ctx context.Context, productID int64, token string) (bool, error) {
	if productID <= 0 || token == "" {
		return false, nil
	}

	claim, err := s.store.FindClaimByToken(ctx, token)
	if err != nil {
		return false, fmt.Errorf("find claim by token: %w", err)
	}
	if !claim.Entitles(productID) {
		return false, nil
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("get product: %w", err)
	}
	return product.Active(), nil
}

// Product returns the catalog entry for id, or ErrNotFound.
func (s *Service) Product(ctx context.Context, id int64) (*models.Product, error) {
	product, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, fmt.Errorf("%w: product %d", models.ErrNotFound, id)
	}
	return product, nil
}
