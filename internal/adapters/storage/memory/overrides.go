// Package memory disponibiliza implementações em memória dos ports de storage.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

// OverrideStore mantém overrides em memória. Serve para um único nó e para testes.
type OverrideStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]domain.Override
}

var _ ports.OverrideStore = (*OverrideStore)(nil)

func NewOverrideStore() *OverrideStore {
	return &OverrideStore{namespaces: make(map[string]map[string]domain.Override)}
}

func (s *OverrideStore) Set(_ context.Context, o domain.Override) (domain.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.namespaces[o.NamespaceID]
	if !ok {
		ns = make(map[string]domain.Override)
		s.namespaces[o.NamespaceID] = ns
	}
	if prev, ok := ns[o.IdentifierPattern]; ok {
		o.CreatedAt = prev.CreatedAt
	}
	ns[o.IdentifierPattern] = o
	return o, nil
}

func (s *OverrideStore) Get(_ context.Context, namespace, pattern string) (domain.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.namespaces[namespace][pattern]
	if !ok {
		return domain.Override{}, domain.ErrOverrideNotFound
	}
	return o, nil
}

func (s *OverrideStore) Delete(_ context.Context, namespace, pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.namespaces[namespace], pattern)
	return nil
}

// List ordena por padrão e usa o último padrão devolvido como cursor.
func (s *OverrideStore) List(_ context.Context, namespace, cursor string, limit int) ([]domain.Override, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.namespaces[namespace]
	patterns := make([]string, 0, len(ns))
	for p := range ns {
		if cursor == "" || p > cursor {
			patterns = append(patterns, p)
		}
	}
	sort.Strings(patterns)

	next := ""
	if limit > 0 && len(patterns) > limit {
		patterns = patterns[:limit]
		next = patterns[limit-1]
	}

	page := make([]domain.Override, 0, len(patterns))
	for _, p := range patterns {
		page = append(page, ns[p])
	}
	return page, next, nil
}
