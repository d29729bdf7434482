package store

import (
	"context"
	"errors"
	"time"

	"secure.seal/internal/models"
)

var (
	ErrNotFound = errors.New("seal not found")
	ErrExists   = errors.New("seal already exists")
	ErrExpired  = errors.New("seal has expired")
)

// MetadataStore holds seal records and consumed nonces. It is the single
// source of truth shared by every service instance, so each mutating call is
// atomic on its own.
type MetadataStore interface {
	CreateRecord(ctx context.Context, seal *models.Seal) error
	GetRecord(ctx context.Context, id string) (*models.Seal, error)
	DeleteRecord(ctx context.Context, id string) error

	UpdateUnlockTime(ctx context.Context, id string, unlockTime time.Time) error
	// UpdatePulseAndUnlock writes every field of u or none of them.
	UpdatePulseAndUnlock(ctx context.Context, id string, u models.PulseUpdate) error
	IncrementAccessCount(ctx context.Context, id string) error

	// RecordViewAndCheck increments the view counter of an ephemeral seal and
	// reports whether the view is allowed and whether it exhausted the quota.
	RecordViewAndCheck(ctx context.Context, id string, now time.Time) (models.ViewResult, error)
	DecrementViewCount(ctx context.Context, id string) error

	TryConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)

	Close() error
}

// BlobGrace is how long a blob outlives its retention instant, so a reader
// that loaded the record just before it expired can still fetch the payload.
const BlobGrace = time.Minute

// BlobStore holds encrypted payloads by seal id. retainUntil is the instant
// after which the blob may be dropped (plus BlobGrace); the zero time keeps it
// until Delete.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte, retainUntil time.Time) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// LiveFunc reports whether the seal owning a blob still exists.
type LiveFunc func(ctx context.Context, id string) (bool, error)

// BlobSweeper is implemented by blob stores that can enumerate their blobs.
// SweepBlobs drops blobs past retention and blobs whose record is gone. A
// blob whose liveness cannot be determined is kept.
type BlobSweeper interface {
	SweepBlobs(ctx context.Context, now time.Time, live LiveFunc) (int, error)
}

// RecordLive builds a LiveFunc over a metadata store.
func RecordLive(meta MetadataStore) LiveFunc {
	return func(ctx context.Context, id string) (bool, error) {
		_, err := meta.GetRecord(ctx, id)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrNotFound):
			return false, nil
		default:
			return false, err
		}
	}
}

// recordView applies one view to s in place. Shared by every MetadataStore so
// the quota rule lives in one place.
func recordView(s *models.Seal, now time.Time) models.ViewResult {
	if s.Mode != models.ModeEphemeral {
		return models.ViewResult{Allowed: true, ViewCount: s.ViewCount, Seal: s}
	}
	if s.MaxViews != nil && s.ViewCount >= *s.MaxViews {
		return models.ViewResult{Allowed: false, ViewCount: s.ViewCount, MaxViews: s.MaxViews, Seal: s}
	}

	s.ViewCount++
	if s.FirstViewedAt == nil {
		t := now
		s.FirstViewedAt = &t
	}
	return models.ViewResult{
		Allowed:      true,
		ShouldDelete: s.MaxViews != nil && s.ViewCount >= *s.MaxViews,
		ViewCount:    s.ViewCount,
		MaxViews:     s.MaxViews,
		Seal:         s,
	}
}

func decrementView(s *models.Seal) {
	if s.ViewCount > 0 {
		s.ViewCount--
	}
	if s.ViewCount == 0 {
		s.FirstViewedAt = nil
	}
}
