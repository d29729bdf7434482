package seal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
	"secure.seal/internal/store"
)

// Create validates req, stores the record and then the blob. A failed blob
// upload deletes the record again; if that also fails the error is
// ErrStorageInconsistent.
func (e *Engine) Create(ctx context.Context, req models.CreateRequest, caller models.Caller) (models.CreateResult, error) {
	now := e.clock.Now()
	mode, err := e.validateCreate(req, now)
	if err != nil {
		return models.CreateResult{}, err
	}

	id, err := crypto.GenerateID()
	if err != nil {
		return models.CreateResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	unlockTime := req.UnlockTime
	if mode == models.ModeEphemeral {
		unlockTime = now
	}

	wrapped, err := crypto.WrapKeyShare(req.KeyShare, e.keys.Current(), id)
	if err != nil {
		return models.CreateResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	seal := &models.Seal{
		ID:                id,
		EncryptedKeyShare: wrapped,
		IV:                req.IV,
		UnlockTime:        unlockTime,
		CreatedAt:         now,
		Mode:              mode,
		BlobHash:          crypto.Hash(req.EncryptedBlob),
		UnlockMessage:     req.UnlockMessage,
	}
	if req.ExpiresAfter > 0 {
		exp := unlockTime.Add(req.ExpiresAfter)
		seal.ExpiresAt = &exp
	}

	var actionToken string
	switch mode {
	case models.ModeDeadMansSwitch:
		actionToken, err = e.tokens.Issue(id)
		if err != nil {
			return models.CreateResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
		}
		last := now
		seal.PulseInterval = req.PulseInterval
		seal.LastPulseAt = &last
		seal.PulseTokenHash = crypto.Hash([]byte(actionToken))
	case models.ModeEphemeral:
		if req.MaxViews != nil {
			v := *req.MaxViews
			seal.MaxViews = &v
		}
	}

	if err := e.meta.CreateRecord(ctx, seal); err != nil {
		return models.CreateResult{}, storageErr("create record", err)
	}

	// The blob goes when the record does; a seal without expiry keeps it
	// until an explicit delete.
	var retainUntil time.Time
	if seal.ExpiresAt != nil {
		retainUntil = *seal.ExpiresAt
	}
	if err := e.blobs.Put(ctx, id, req.EncryptedBlob, retainUntil); err != nil {
		rbErr := e.meta.DeleteRecord(rollbackCtx(ctx), id)
		if rbErr != nil && !errors.Is(rbErr, store.ErrNotFound) {
			e.logger.Error("seal creation rollback failed", "seal_id", id, "error", rbErr, "cause", err)
			e.emit(ctx, Event{Type: EventRollbackFailed, SealID: id, Mode: mode, Caller: caller, Detail: "create", Err: rbErr})
			return models.CreateResult{}, inconsistent("create", err, rbErr)
		}
		e.logger.Warn("blob upload failed, record removed", "seal_id", id, "error", err)
		e.emit(ctx, Event{Type: EventRollback, SealID: id, Mode: mode, Caller: caller, Detail: "create", Err: err})
		return models.CreateResult{}, storageErr("upload blob", err)
	}

	e.emit(ctx, Event{Type: EventSealCreated, SealID: id, Mode: mode, Caller: caller})

	return models.CreateResult{
		SealID:      id,
		IV:          req.IV,
		ActionToken: actionToken,
		Receipt:     e.signReceipt(seal),
	}, nil
}
