// redis.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"secure.seal/internal/models"
)

var _ MetadataStore = (*RedisStore)(nil)

const maxTxRetries = 3

// RedisStore keeps each seal as one CBOR value. Records with an ExpiresAt
// carry a matching key expiry, which is how the retention sweep happens for
// this backend. Read-modify-write operations run as WATCH/MULTI optimistic
// transactions so concurrent instances never lose an update.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(options *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) CreateRecord(ctx context.Context, seal *models.Seal) error {
	data, err := encode(seal)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if seal.ExpiresAt != nil {
		ttl = time.Until(*seal.ExpiresAt)
		if ttl <= 0 {
			return ErrExpired
		}
	}

	ok, err := r.client.SetNX(ctx, sealKey(seal.ID), data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (r *RedisStore) GetRecord(ctx context.Context, id string) (*models.Seal, error) {
	data, err := r.client.Get(ctx, sealKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

func (r *RedisStore) DeleteRecord(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, sealKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) UpdateUnlockTime(ctx context.Context, id string, unlockTime time.Time) error {
	return r.update(ctx, id, func(seal *models.Seal) bool {
		seal.UnlockTime = unlockTime
		return true
	})
}

func (r *RedisStore) UpdatePulseAndUnlock(ctx context.Context, id string, u models.PulseUpdate) error {
	return r.update(ctx, id, func(seal *models.Seal) bool {
		lastPulse := u.LastPulseAt
		seal.LastPulseAt = &lastPulse
		seal.UnlockTime = u.UnlockTime
		seal.PulseTokenHash = u.PulseTokenHash
		return true
	})
}

func (r *RedisStore) IncrementAccessCount(ctx context.Context, id string) error {
	return r.update(ctx, id, func(seal *models.Seal) bool {
		seal.AccessCount++
		return true
	})
}

func (r *RedisStore) RecordViewAndCheck(ctx context.Context, id string, now time.Time) (models.ViewResult, error) {
	var res models.ViewResult
	err := r.update(ctx, id, func(seal *models.Seal) bool {
		res = recordView(seal, now)
		return res.Allowed && seal.Mode == models.ModeEphemeral
	})
	if err != nil {
		return models.ViewResult{}, err
	}
	return res, nil
}

func (r *RedisStore) DecrementViewCount(ctx context.Context, id string) error {
	return r.update(ctx, id, func(seal *models.Seal) bool {
		decrementView(seal)
		return true
	})
}

func (r *RedisStore) TryConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return r.client.SetNX(ctx, nonceKey(nonce), 1, ttl).Result()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// update runs fn inside an optimistic transaction on the seal key. fn returns
// false when nothing needs to be written back.
func (r *RedisStore) update(ctx context.Context, id string, fn func(*models.Seal) bool) error {
	key := sealKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		seal, err := decode(data)
		if err != nil {
			return err
		}
		if !fn(seal) {
			return nil
		}

		newData, err := encode(seal)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return redis.TxFailedErr
}

// Helpers

func sealKey(id string) string {
	return "seal:" + id
}

func nonceKey(nonce string) string {
	return "nonce:" + nonce
}
