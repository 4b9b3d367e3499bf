package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

const resolverPageSize = 100

// OverrideResolver encontra o override ativo para um identificador.
//
// Os overrides de cada namespace ficam em cache por ttl; escritas feitas pelo
// OverrideService local invalidam o namespace na hora.
type OverrideResolver struct {
	store ports.OverrideStore
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedOverrides
}

type cachedOverrides struct {
	overrides []domain.Override
	loadedAt  time.Time
}

func NewOverrideResolver(store ports.OverrideStore, ttl time.Duration) *OverrideResolver {
	return &OverrideResolver{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cachedOverrides),
	}
}

// Resolve devolve o override que vence para identifier, ou ok=false.
//
// Precedência: match exato; senão o padrão com mais caracteres literais;
// empates vão para o updatedAt mais recente e, por fim, ordem lexical.
func (r *OverrideResolver) Resolve(ctx context.Context, namespace, identifier string) (domain.Override, bool, error) {
	if r == nil || r.store == nil {
		return domain.Override{}, false, nil
	}
	overrides, err := r.load(ctx, namespace)
	if err != nil {
		return domain.Override{}, false, err
	}

	var (
		best      domain.Override
		bestScore = -1
	)
	for _, o := range overrides {
		if o.IdentifierPattern == identifier {
			return o, true, nil
		}
		if !isPattern(o.IdentifierPattern) || !matchPattern(o.IdentifierPattern, identifier) {
			continue
		}
		score := specificity(o.IdentifierPattern)
		switch {
		case score > bestScore:
		case score == bestScore && o.UpdatedAt.After(best.UpdatedAt):
		case score == bestScore && o.UpdatedAt.Equal(best.UpdatedAt) && o.IdentifierPattern < best.IdentifierPattern:
		default:
			continue
		}
		best, bestScore = o, score
	}
	return best, bestScore >= 0, nil
}

// Invalidate descarta o cache de um namespace.
func (r *OverrideResolver) Invalidate(namespace string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.cache, namespace)
	r.mu.Unlock()
}

func (r *OverrideResolver) load(ctx context.Context, namespace string) ([]domain.Override, error) {
	r.mu.Lock()
	entry, ok := r.cache[namespace]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.loadedAt) < r.ttl {
		return entry.overrides, nil
	}

	var (
		all    []domain.Override
		cursor string
	)
	for {
		page, next, err := r.store.List(ctx, namespace, cursor, resolverPageSize)
		if err != nil {
			return nil, fmt.Errorf("list overrides: %w", err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[namespace] = cachedOverrides{overrides: all, loadedAt: r.now()}
		r.mu.Unlock()
	}
	return all, nil
}

func isPattern(p string) bool {
	return strings.Contains(p, "*")
}

func specificity(p string) int {
	return len(p) - strings.Count(p, "*")
}

// matchPattern implementa glob com '*' casando qualquer sequência, inclusive vazia.
func matchPattern(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return len(s) >= len(last) && strings.HasSuffix(s, last)
}
