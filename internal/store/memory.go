package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"secure.seal/internal/models"
)

// Compile-time interface checks
var (
	_ MetadataStore = (*MemoryStore)(nil)
	_ BlobStore     = (*MemoryBlobStore)(nil)
	_ BlobSweeper   = (*MemoryBlobStore)(nil)
)

// MemoryStore is the in-process MetadataStore used for development and tests.
// Every method holds the mutex for its whole body, which gives the same
// per-call atomicity the Redis store gets from WATCH/MULTI and SET NX.
type MemoryStore struct {
	seals         map[string]*models.Seal
	nonces        map[string]time.Time
	mu            sync.Mutex
	cleanupCancel context.CancelFunc
}

// NewMemoryStore starts a background sweep every cleanupInterval. A zero
// interval disables the loop; callers may still call Sweep directly.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	store := &MemoryStore{
		seals:  make(map[string]*models.Seal),
		nonces: make(map[string]time.Time),
	}
	if cleanupInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		store.cleanupCancel = cancel
		go store.cleanupLoop(ctx, cleanupInterval)
	}
	return store
}

func (s *MemoryStore) CreateRecord(ctx context.Context, seal *models.Seal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seals[seal.ID]; ok {
		return ErrExists
	}
	s.seals[seal.ID] = seal.Clone()
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, id string) (*models.Seal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seal, ok := s.seals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return seal.Clone(), nil
}

func (s *MemoryStore) DeleteRecord(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seals[id]; !ok {
		return ErrNotFound
	}
	delete(s.seals, id)
	return nil
}

func (s *MemoryStore) UpdateUnlockTime(ctx context.Context, id string, unlockTime time.Time) error {
	return s.update(id, func(seal *models.Seal) {
		seal.UnlockTime = unlockTime
	})
}

func (s *MemoryStore) UpdatePulseAndUnlock(ctx context.Context, id string, u models.PulseUpdate) error {
	return s.update(id, func(seal *models.Seal) {
		lastPulse := u.LastPulseAt
		seal.LastPulseAt = &lastPulse
		seal.UnlockTime = u.UnlockTime
		seal.PulseTokenHash = u.PulseTokenHash
	})
}

func (s *MemoryStore) IncrementAccessCount(ctx context.Context, id string) error {
	return s.update(id, func(seal *models.Seal) {
		seal.AccessCount++
	})
}

func (s *MemoryStore) RecordViewAndCheck(ctx context.Context, id string, now time.Time) (models.ViewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seal, ok := s.seals[id]
	if !ok {
		return models.ViewResult{}, ErrNotFound
	}
	res := recordView(seal, now)
	res.Seal = seal.Clone()
	return res, nil
}

func (s *MemoryStore) DecrementViewCount(ctx context.Context, id string) error {
	return s.update(id, decrementView)
}

func (s *MemoryStore) TryConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nonces[nonce]; ok {
		return false, nil
	}
	s.nonces[nonce] = expiresAt
	return true, nil
}

func (s *MemoryStore) Close() error {
	if s.cleanupCancel != nil {
		s.cleanupCancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seals = make(map[string]*models.Seal)
	s.nonces = make(map[string]time.Time)
	return nil
}

// Sweep removes records past their ExpiresAt and nonces past their expiry.
func (s *MemoryStore) Sweep(now time.Time) (seals, nonces int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, seal := range s.seals {
		if seal.ExpiresAt != nil && now.After(*seal.ExpiresAt) {
			delete(s.seals, id)
			seals++
		}
	}
	for nonce, expiresAt := range s.nonces {
		if now.After(expiresAt) {
			delete(s.nonces, nonce)
			nonces++
		}
	}
	return seals, nonces
}

func (s *MemoryStore) update(id string, fn func(*models.Seal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seal, ok := s.seals[id]
	if !ok {
		return ErrNotFound
	}
	fn(seal)
	return nil
}

func (s *MemoryStore) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(time.Now())
		}
	}
}

type memoryBlob struct {
	data        []byte
	retainUntil time.Time
}

// MemoryBlobStore is the in-process BlobStore.
type MemoryBlobStore struct {
	blobs map[string]memoryBlob
	mu    sync.RWMutex
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string]memoryBlob)}
}

func (b *MemoryBlobStore) Put(ctx context.Context, id string, data []byte, retainUntil time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blobs[id] = memoryBlob{data: append([]byte(nil), data...), retainUntil: retainUntil}
	return nil
}

func (b *MemoryBlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	blob, ok := b.blobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob.data...), nil
}

func (b *MemoryBlobStore) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.blobs, id)
	return nil
}

// SweepBlobs drops blobs past retainUntil plus BlobGrace, then blobs whose
// record live reports gone. live may be nil. It is called without the blob
// lock held so it can reach into another store.
func (b *MemoryBlobStore) SweepBlobs(ctx context.Context, now time.Time, live LiveFunc) (int, error) {
	b.mu.Lock()
	removed := 0
	ids := make([]string, 0, len(b.blobs))
	for id, blob := range b.blobs {
		if !blob.retainUntil.IsZero() && now.After(blob.retainUntil.Add(BlobGrace)) {
			delete(b.blobs, id)
			removed++
			continue
		}
		ids = append(ids, id)
	}
	b.mu.Unlock()

	if live == nil {
		return removed, nil
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := live(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			continue
		}
		b.mu.Lock()
		if _, exists := b.blobs[id]; exists {
			delete(b.blobs, id)
			removed++
		}
		b.mu.Unlock()
	}
	return removed, errors.Join(errs...)
}

// RetainUntil returns the retention instant recorded for id.
func (b *MemoryBlobStore) RetainUntil(id string) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	blob, ok := b.blobs[id]
	return blob.retainUntil, ok
}

func (b *MemoryBlobStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.blobs = make(map[string]memoryBlob)
	return nil
}
