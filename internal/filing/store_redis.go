package filing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"erigate/pkg/platform/sentinel"

	"erigate/internal/domain"
)

const (
	filingKeyPrefix    = "filing:"
	arnKeyPrefix       = "filing:arn:"
	panIndexPrefix     = "filing:pan:"
	onboardedKeyPrefix = "onboarded:"

	// Update retries the optimistic WATCH transaction this many times before
	// giving up; contention on a single filing is expected to be rare because
	// the orchestrator serializes operations per filing.
	maxTxRetries = 5
)

// RedisStore shares filing state across instances. Filings are stored as JSON
// documents; Update runs under WATCH so a concurrent writer forces a retry
// instead of a lost update.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func filingRedisKey(key domain.FilingKey) string {
	return filingKeyPrefix + key.String()
}

func (s *RedisStore) Create(ctx context.Context, f *Filing) error {
	key := filingRedisKey(f.Key())
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal filing: %w", err)
	}

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing Filing
			if err := json.Unmarshal([]byte(raw), &existing); err != nil {
				return fmt.Errorf("unmarshal filing: %w", err)
			}
			if !existing.State.Terminal() {
				return sentinel.ErrConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, panIndexPrefix+string(f.PAN), string(f.AssessmentYear))
			return nil
		})
		return err
	}
	return s.watch(ctx, txn, key)
}

func (s *RedisStore) Get(ctx context.Context, key domain.FilingKey) (*Filing, error) {
	raw, err := s.client.Get(ctx, filingRedisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get filing: %w", err)
	}
	var f Filing
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("unmarshal filing: %w", err)
	}
	return &f, nil
}

func (s *RedisStore) GetByARN(ctx context.Context, arn string) (*Filing, error) {
	raw, err := s.client.Get(ctx, arnKeyPrefix+arn).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve arn: %w", err)
	}
	var key domain.FilingKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, fmt.Errorf("unmarshal filing key: %w", err)
	}
	return s.Get(ctx, key)
}

func (s *RedisStore) ListByPAN(ctx context.Context, pan domain.PAN) ([]*Filing, error) {
	years, err := s.client.SMembers(ctx, panIndexPrefix+string(pan)).Result()
	if err != nil {
		return nil, fmt.Errorf("list filings: %w", err)
	}
	var out []*Filing
	for _, year := range years {
		f, err := s.Get(ctx, domain.FilingKey{PAN: pan, AssessmentYear: domain.AssessmentYear(year)})
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *RedisStore) Update(ctx context.Context, key domain.FilingKey, fn func(*Filing) error) (*Filing, error) {
	redisKey := filingRedisKey(key)
	var updated *Filing

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return err
		}
		var f Filing
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return fmt.Errorf("unmarshal filing: %w", err)
		}
		if err := fn(&f); err != nil {
			return err
		}
		data, err := json.Marshal(&f)
		if err != nil {
			return fmt.Errorf("marshal filing: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, 0)
			if f.Record != nil && f.Record.ARN != "" {
				keyJSON, err := json.Marshal(key)
				if err != nil {
					return err
				}
				pipe.Set(ctx, arnKeyPrefix+f.Record.ARN, keyJSON, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = &f
		return nil
	}
	if err := s.watch(ctx, txn, redisKey); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) MarkOnboarded(ctx context.Context, pan domain.PAN) error {
	return s.client.Set(ctx, onboardedKeyPrefix+string(pan), "1", 0).Err()
}

func (s *RedisStore) IsOnboarded(ctx context.Context, pan domain.PAN) (bool, error) {
	_, err := s.client.Get(ctx, onboardedKeyPrefix+string(pan)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) RevokeOnboarding(ctx context.Context, pan domain.PAN) error {
	return s.client.Del(ctx, onboardedKeyPrefix+string(pan)).Err()
}

func (s *RedisStore) watch(ctx context.Context, txn func(*redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("filing update contention exhausted retries: %w", err)
}
