package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// OverrideService é a superfície de gestão dos overrides.
type OverrideService struct {
	store      ports.OverrideStore
	resolver   *OverrideResolver
	namespaces domain.Namespaces
	now        func() time.Time
}

func NewOverrideService(store ports.OverrideStore, resolver *OverrideResolver, namespaces domain.Namespaces) (*OverrideService, error) {
	if store == nil {
		return nil, fmt.Errorf("override store is required")
	}
	return &OverrideService{
		store:      store,
		resolver:   resolver,
		namespaces: namespaces,
		now:        time.Now,
	}, nil
}

// SetOverride faz upsert; escritas concorrentes na mesma chave: vence a última.
func (s *OverrideService) SetOverride(ctx context.Context, namespace, pattern string, limit int64, duration time.Duration) (domain.Override, error) {
	o := domain.Override{
		NamespaceID:       namespace,
		IdentifierPattern: strings.TrimSpace(pattern),
		Limit:             limit,
		Duration:          duration,
	}
	if err := o.Validate(); err != nil {
		return domain.Override{}, err
	}
	if _, err := s.namespaces.Lookup(namespace); err != nil {
		return domain.Override{}, err
	}

	now := s.now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	saved, err := s.store.Set(ctx, o)
	if err != nil {
		return domain.Override{}, fmt.Errorf("set override: %w", err)
	}
	s.resolver.Invalidate(namespace)
	return saved, nil
}

func (s *OverrideService) GetOverride(ctx context.Context, namespace, pattern string) (domain.Override, error) {
	if err := s.checkKey(namespace, pattern); err != nil {
		return domain.Override{}, err
	}
	return s.store.Get(ctx, namespace, pattern)
}

// DeleteOverride é idempotente: apagar um override inexistente não é erro.
func (s *OverrideService) DeleteOverride(ctx context.Context, namespace, pattern string) error {
	if err := s.checkKey(namespace, pattern); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, namespace, pattern); err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	s.resolver.Invalidate(namespace)
	return nil
}

func (s *OverrideService) ListOverrides(ctx context.Context, namespace, cursor string, limit int) ([]domain.Override, string, error) {
	if _, err := s.namespaces.Lookup(namespace); err != nil {
		return nil, "", err
	}
	if limit < 0 {
		return nil, "", fmt.Errorf("%w: limit must not be negative", domain.ErrValidation)
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.List(ctx, namespace, cursor, limit)
}

func (s *OverrideService) checkKey(namespace, pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: identifier is required", domain.ErrValidation)
	}
	_, err := s.namespaces.Lookup(namespace)
	return err
}
