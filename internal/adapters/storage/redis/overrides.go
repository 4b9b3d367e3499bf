package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

const maxSetAttempts = 3

// OverrideStore guarda os overrides de cada namespace em um hash
// (padrão -> JSON) mais um sorted set com score zero usado como índice
// lexicográfico para a paginação.
type OverrideStore struct {
	client *redis.Client
	prefix string
}

var _ ports.OverrideStore = (*OverrideStore)(nil)

type overrideRecord struct {
	NamespaceID       string `json:"namespaceId"`
	IdentifierPattern string `json:"identifier"`
	Limit             int64  `json:"limit"`
	DurationMs        int64  `json:"durationMs"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

func toRecord(o domain.Override) overrideRecord {
	return overrideRecord{
		NamespaceID:       o.NamespaceID,
		IdentifierPattern: o.IdentifierPattern,
		Limit:             o.Limit,
		DurationMs:        o.Duration.Milliseconds(),
		CreatedAt:         o.CreatedAt.UnixMilli(),
		UpdatedAt:         o.UpdatedAt.UnixMilli(),
	}
}

func (r overrideRecord) toDomain() domain.Override {
	return domain.Override{
		NamespaceID:       r.NamespaceID,
		IdentifierPattern: r.IdentifierPattern,
		Limit:             r.Limit,
		Duration:          time.Duration(r.DurationMs) * time.Millisecond,
		CreatedAt:         time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:         time.UnixMilli(r.UpdatedAt).UTC(),
	}
}

func NewOverrideStore(client *redis.Client) (*OverrideStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &OverrideStore{client: client, prefix: "overrides:"}, nil
}

func (s *OverrideStore) hashKey(namespace string) string  { return s.prefix + namespace }
func (s *OverrideStore) indexKey(namespace string) string { return s.prefix + namespace + ":idx" }

// Set faz upsert preservando o createdAt existente. Escritas concorrentes na
// mesma chave: vence a última.
func (s *OverrideStore) Set(ctx context.Context, o domain.Override) (domain.Override, error) {
	hash := s.hashKey(o.NamespaceID)
	index := s.indexKey(o.NamespaceID)

	var saved domain.Override
	txf := func(tx *redis.Tx) error {
		saved = o
		prev, err := tx.HGet(ctx, hash, o.IdentifierPattern).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var rec overrideRecord
			if err := json.Unmarshal([]byte(prev), &rec); err == nil {
				saved.CreatedAt = time.UnixMilli(rec.CreatedAt).UTC()
			}
		}

		payload, err := json.Marshal(toRecord(saved))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hash, o.IdentifierPattern, payload)
			pipe.ZAdd(ctx, index, redis.Z{Score: 0, Member: o.IdentifierPattern})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSetAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, hash)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return domain.Override{}, fmt.Errorf("redis set override: %w", err)
		}
	}
	return domain.Override{}, fmt.Errorf("redis set override: too much contention on %s", hash)
}

func (s *OverrideStore) Get(ctx context.Context, namespace, pattern string) (domain.Override, error) {
	raw, err := s.client.HGet(ctx, s.hashKey(namespace), pattern).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Override{}, domain.ErrOverrideNotFound
	}
	if err != nil {
		return domain.Override{}, fmt.Errorf("redis get override: %w", err)
	}
	var rec overrideRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.Override{}, fmt.Errorf("decode override %s/%s: %w", namespace, pattern, err)
	}
	return rec.toDomain(), nil
}

func (s *OverrideStore) Delete(ctx context.Context, namespace, pattern string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.hashKey(namespace), pattern)
		pipe.ZRem(ctx, s.indexKey(namespace), pattern)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete override: %w", err)
	}
	return nil
}

// List percorre o índice em ordem lexicográfica a partir do padrão seguinte ao
// cursor.
func (s *OverrideStore) List(ctx context.Context, namespace, cursor string, limit int) ([]domain.Override, string, error) {
	lower := "-"
	if cursor != "" {
		lower = "(" + cursor
	}
	by := &redis.ZRangeBy{Min: lower, Max: "+"}
	if limit > 0 {
		by.Count = int64(limit) + 1
	}

	patterns, err := s.client.ZRangeByLex(ctx, s.indexKey(namespace), by).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis list overrides: %w", err)
	}

	next := ""
	if limit > 0 && len(patterns) > limit {
		patterns = patterns[:limit]
		next = patterns[limit-1]
	}
	if len(patterns) == 0 {
		return []domain.Override{}, "", nil
	}

	values, err := s.client.HMGet(ctx, s.hashKey(namespace), patterns...).Result()
	if err != nil {
		return nil, "", fmt.Errorf("redis list overrides: %w", err)
	}

	page := make([]domain.Override, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// índice e hash divergem apenas durante um delete concorrente
			continue
		}
		var rec overrideRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, "", fmt.Errorf("decode override %s/%s: %w", namespace, patterns[i], err)
		}
		page = append(page, rec.toDomain())
	}
	return page, next, nil
}
