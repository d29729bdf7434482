package resilience

import (
	"context"
	"time"

	"secure.seal/internal/store"
)

var _ store.BlobStore = (*BlobStore)(nil)

// BlobStore decorates a store.BlobStore so every call goes through a Breaker.
type BlobStore struct {
	inner   store.BlobStore
	breaker *Breaker
}

func NewBlobStore(inner store.BlobStore, breaker *Breaker) *BlobStore {
	return &BlobStore{inner: inner, breaker: breaker}
}

func (b *BlobStore) Put(ctx context.Context, id string, data []byte, retainUntil time.Time) error {
	return b.breaker.Do(ctx, func(ctx context.Context) error {
		return b.inner.Put(ctx, id, data, retainUntil)
	})
}

func (b *BlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	return b.breaker.Fetch(ctx, func(ctx context.Context) ([]byte, error) {
		return b.inner.Get(ctx, id)
	})
}

func (b *BlobStore) Delete(ctx context.Context, id string) error {
	return b.breaker.Do(ctx, func(ctx context.Context) error {
		return b.inner.Delete(ctx, id)
	})
}

func (b *BlobStore) Close() error {
	return b.inner.Close()
}

// State reports the breaker state for health checks.
func (b *BlobStore) State() string {
	return b.breaker.State()
}
