package seal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
	"secure.seal/internal/store"
	"secure.seal/internal/token"
)

// honeypotLock is how far in the future a honeypot claims to unlock.
const honeypotLock = 999999999999 * time.Millisecond

// Disclose returns the seal's public view. Key share and blob are only
// included once the unlock time has passed and, for ephemeral seals, while
// views remain. A view is only counted if the reader actually receives the
// content.
func (e *Engine) Disclose(ctx context.Context, id string, caller models.Caller) (*models.SealView, error) {
	if !token.ValidSealID(id) {
		return nil, invalidf("seal id must be 32 lowercase hex characters")
	}

	release, err := e.admission.Admit(caller.IP)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer release()

	if e.IsHoneypot(id) {
		e.emit(ctx, Event{Type: EventHoneypot, SealID: id, Caller: caller})
		e.pause(ctx)
		now := e.clock.Now()
		return &models.SealView{
			ID:            id,
			Status:        models.StatusLocked,
			Mode:          models.ModeTimed,
			UnlockTime:    now.Add(honeypotLock),
			TimeRemaining: honeypotLock,
		}, nil
	}

	seal, err := e.meta.GetRecord(ctx, id)
	if err != nil {
		return nil, storageErr("get record", err)
	}

	now := e.clock.Now()
	if now.Before(seal.UnlockTime) {
		e.emit(ctx, Event{Type: EventAccessDenied, SealID: id, Mode: seal.Mode, Caller: caller})
		e.pause(ctx)
		return lockedView(seal, now), nil
	}

	var view models.ViewResult
	counted := false
	if seal.Mode == models.ModeEphemeral {
		view, err = e.meta.RecordViewAndCheck(ctx, id, now)
		if err != nil {
			return nil, storageErr("record view", err)
		}
		if !view.Allowed {
			e.emit(ctx, Event{Type: EventExhaustedRefused, SealID: id, Mode: seal.Mode, Caller: caller})
			e.pause(ctx)
			return exhaustedView(seal, view), nil
		}
		counted = true
		if view.Seal != nil {
			seal = view.Seal
		}
	}

	blob, err := e.blobs.Get(ctx, id)
	if err != nil {
		return nil, e.abortView(ctx, seal, counted, caller, storageErr("fetch blob", err))
	}

	if e.limits.VerifyBlobHash && crypto.Hash(blob) != seal.BlobHash {
		e.logger.Error("blob integrity check failed", "seal_id", id)
		return nil, e.abortView(ctx, seal, counted, caller, fmt.Errorf("%w: seal %s", ErrIntegrity, id))
	}

	keyShare, err := crypto.UnwrapKeyShare(seal.EncryptedKeyShare, id, e.keys.Candidates())
	if err != nil {
		e.logger.Error("key share unwrap failed", "seal_id", id, "error", err)
		return nil, e.abortView(ctx, seal, counted, caller, fmt.Errorf("%w: %w", ErrInternal, err))
	}

	if view.ShouldDelete {
		if err := e.destroyExhausted(ctx, seal, caller); err != nil {
			return nil, err
		}
	}

	if seal.Mode != models.ModeEphemeral {
		if err := e.meta.IncrementAccessCount(ctx, id); err != nil {
			e.logger.Warn("access count update failed", "seal_id", id, "error", err)
			e.emit(ctx, Event{Type: EventNonCriticalFailure, SealID: id, Mode: seal.Mode, Caller: caller, Detail: "increment access count", Err: err})
		} else {
			seal.AccessCount++
		}
	}

	e.emit(ctx, Event{Type: EventSealDisclosed, SealID: id, Mode: seal.Mode, Caller: caller})

	v := baseView(seal, now)
	v.Status = models.StatusDisclosed
	v.KeyShare = keyShare
	v.IV = seal.IV
	v.Blob = blob
	v.UnlockMessage = seal.UnlockMessage
	return v, nil
}

// abortView gives back a counted view after a failure later in Disclose.
func (e *Engine) abortView(ctx context.Context, seal *models.Seal, counted bool, caller models.Caller, cause error) error {
	if !counted {
		return cause
	}
	// A missing record means the seal was exhausted by a concurrent reader;
	// there is no view left to give back.
	if err := e.meta.DecrementViewCount(rollbackCtx(ctx), seal.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("view rollback failed", "seal_id", seal.ID, "error", err, "cause", cause)
		e.emit(ctx, Event{Type: EventRollbackFailed, SealID: seal.ID, Mode: seal.Mode, Caller: caller, Detail: "view", Err: err})
		return inconsistent("view rollback", cause, err)
	}
	e.emit(ctx, Event{Type: EventRollback, SealID: seal.ID, Mode: seal.Mode, Caller: caller, Detail: "view", Err: cause})
	return cause
}

// destroyExhausted removes a seal whose last view was just served. seal is
// the record as it stood after that view was counted.
func (e *Engine) destroyExhausted(ctx context.Context, seal *models.Seal, caller models.Caller) error {
	if err := e.meta.DeleteRecord(ctx, seal.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return e.abortView(ctx, seal, true, caller, storageErr("delete exhausted record", err))
	}

	if err := e.blobs.Delete(ctx, seal.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		restored := seal.Clone()
		restored.ViewCount--
		if restored.ViewCount <= 0 {
			restored.ViewCount = 0
			restored.FirstViewedAt = nil
		}
		if rbErr := e.meta.CreateRecord(rollbackCtx(ctx), restored); rbErr != nil {
			e.logger.Error("exhausted seal restore failed", "seal_id", seal.ID, "error", rbErr, "cause", err)
			e.emit(ctx, Event{Type: EventRollbackFailed, SealID: seal.ID, Mode: seal.Mode, Caller: caller, Detail: "exhaust", Err: rbErr})
			return inconsistent("delete exhausted blob", err, rbErr)
		}
		e.logger.Warn("blob delete failed, record restored", "seal_id", seal.ID, "error", err)
		e.emit(ctx, Event{Type: EventRollback, SealID: seal.ID, Mode: seal.Mode, Caller: caller, Detail: "exhaust", Err: err})
		return storageErr("delete exhausted blob", err)
	}

	e.emit(ctx, Event{Type: EventSealExhausted, SealID: seal.ID, Mode: seal.Mode, Caller: caller})
	return nil
}

func baseView(seal *models.Seal, now time.Time) *models.SealView {
	v := &models.SealView{
		ID:             seal.ID,
		Mode:           seal.Mode,
		UnlockTime:     seal.UnlockTime,
		BlobHash:       seal.BlobHash,
		AccessCount:    seal.AccessCount,
		ViewCount:      seal.ViewCount,
		RemainingViews: seal.RemainingViews(),
		FirstViewedAt:  seal.FirstViewedAt,
	}
	if seal.MaxViews != nil {
		m := *seal.MaxViews
		v.MaxViews = &m
	}
	if remaining := seal.UnlockTime.Sub(now); remaining > 0 {
		v.TimeRemaining = remaining
	}
	return v
}

func lockedView(seal *models.Seal, now time.Time) *models.SealView {
	v := baseView(seal, now)
	v.Status = models.StatusLocked
	return v
}

func exhaustedView(seal *models.Seal, view models.ViewResult) *models.SealView {
	v := baseView(seal, seal.UnlockTime)
	v.Status = models.StatusExhausted
	v.ViewCount = view.ViewCount
	zero := 0
	v.RemainingViews = &zero
	return v
}
