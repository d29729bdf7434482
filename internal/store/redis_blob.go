package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ BlobStore   = (*RedisBlobStore)(nil)
	_ BlobSweeper = (*RedisBlobStore)(nil)
)

const sweepBatch = 100

// RedisBlobStore keeps payloads in a Redis deployment of their own, so it
// fails independently of the metadata store. A blob with a retention instant
// expires BlobGrace after it, shortly after its record does.
type RedisBlobStore struct {
	client *redis.Client
}

func NewRedisBlobStore(options *redis.Options) (*RedisBlobStore, error) {
	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisBlobStore{client: client}, nil
}

func (b *RedisBlobStore) Put(ctx context.Context, id string, data []byte, retainUntil time.Time) error {
	key := blobKey(id)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if retainUntil.IsZero() {
			pipe.HSet(ctx, key, "data", data)
			return nil
		}
		pipe.HSet(ctx, key, "data", data, "retain_until", retainUntil.UnixMilli())
		ttl := time.Until(retainUntil) + BlobGrace
		if ttl < time.Second {
			ttl = time.Second
		}
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	return err
}

func (b *RedisBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := b.client.HGet(ctx, blobKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *RedisBlobStore) Delete(ctx context.Context, id string) error {
	return b.client.Del(ctx, blobKey(id)).Err()
}

// SweepBlobs removes blobs whose record is gone. Retention is enforced by key
// expiry, so now is unused.
func (b *RedisBlobStore) SweepBlobs(ctx context.Context, now time.Time, live LiveFunc) (int, error) {
	if live == nil {
		return 0, nil
	}

	removed := 0
	var errs []error
	iter := b.client.Scan(ctx, 0, blobKey("*"), sweepBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ok, err := live(ctx, strings.TrimPrefix(key, blobKey("")))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			continue
		}
		n, err := b.client.Del(ctx, key).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

func (b *RedisBlobStore) Close() error {
	return b.client.Close()
}

func blobKey(id string) string {
	return "blob:" + id
}
