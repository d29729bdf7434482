package seal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
	"secure.seal/internal/store"
	"secure.seal/internal/token"
)

// Namespaces for consumed nonces. Token nonces and operation nonces never
// collide.
const (
	nsToken = "token"
	nsOp    = "op"
)

// authorize runs the action-token checks shared by Pulse, UnlockNow and
// Burn. Nonces are consumed before the signature is checked, so a token
// presented twice is rejected even if the first attempt failed later on.
func (e *Engine) authorize(ctx context.Context, raw, op, opNonce string, caller models.Caller) (*models.Seal, error) {
	tok, err := token.Parse(raw)
	if err != nil {
		return nil, e.rejectToken(ctx, "", op, caller)
	}
	if opNonce != "" && !token.ValidNonce(opNonce) {
		return nil, invalidf("operation nonce must be a UUID v4")
	}

	if err := e.tokens.Consume(ctx, e.meta, nsToken, tok.Nonce); err != nil {
		return nil, e.consumeErr(ctx, tok.SealID, op, caller, err)
	}
	if opNonce != "" {
		if err := e.tokens.Consume(ctx, e.meta, nsOp+":"+op, opNonce); err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				return nil, invalidf("operation already processed")
			}
			return nil, storageErr("consume operation nonce", err)
		}
	}

	if _, err := e.tokens.Verify(raw, tok.SealID); err != nil {
		return nil, e.rejectToken(ctx, tok.SealID, op, caller)
	}
	return e.boundSeal(ctx, raw, tok.SealID, op, caller)
}

// boundSeal loads the seal a verified token names and checks the token is
// the one most recently issued for it.
func (e *Engine) boundSeal(ctx context.Context, raw, id, op string, caller models.Caller) (*models.Seal, error) {
	seal, err := e.meta.GetRecord(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, e.rejectToken(ctx, id, op, caller)
	}
	if err != nil {
		return nil, storageErr("get record", err)
	}
	if seal.Mode != models.ModeDeadMansSwitch {
		return nil, e.rejectToken(ctx, id, op, caller)
	}
	if subtle.ConstantTimeCompare([]byte(seal.PulseTokenHash), []byte(crypto.Hash([]byte(raw)))) != 1 {
		return nil, e.rejectToken(ctx, id, op, caller)
	}
	return seal, nil
}

func (e *Engine) consumeErr(ctx context.Context, id, op string, caller models.Caller, err error) error {
	if errors.Is(err, token.ErrInvalidToken) {
		return e.rejectToken(ctx, id, op, caller)
	}
	return storageErr("consume token nonce", err)
}

func (e *Engine) rejectToken(ctx context.Context, id, op string, caller models.Caller) error {
	e.emit(ctx, Event{Type: EventTokenRejected, SealID: id, Caller: caller, Detail: op})
	e.pause(ctx)
	return ErrInvalidToken
}

// Pulse postpones a dead man's switch seal by one interval and rotates its
// action token. The previous token stops working.
func (e *Engine) Pulse(ctx context.Context, req models.PulseRequest, caller models.Caller) (models.PulseResult, error) {
	// Checked before the token is spent so a typo does not cost the owner it.
	if req.NewInterval != 0 {
		if err := e.checkPulseInterval(req.NewInterval); err != nil {
			return models.PulseResult{}, err
		}
	}

	if err := e.pulseRefusal(ctx, req.Token, req.NewInterval); err != nil {
		return models.PulseResult{}, err
	}

	seal, err := e.authorize(ctx, req.Token, "pulse", req.OperationNonce, caller)
	if err != nil {
		return models.PulseResult{}, err
	}

	now := e.clock.Now()
	newUnlock, err := e.nextUnlock(seal, now, req.NewInterval)
	if err != nil {
		return models.PulseResult{}, err
	}

	newToken, err := e.tokens.Issue(seal.ID)
	if err != nil {
		return models.PulseResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}

	update := models.PulseUpdate{
		LastPulseAt:    now,
		UnlockTime:     newUnlock,
		PulseTokenHash: crypto.Hash([]byte(newToken)),
	}
	if err := e.meta.UpdatePulseAndUnlock(ctx, seal.ID, update); err != nil {
		return models.PulseResult{}, storageErr("update pulse", err)
	}

	e.emit(ctx, Event{Type: EventPulseReceived, SealID: seal.ID, Mode: seal.Mode, Caller: caller})
	return models.PulseResult{NewUnlockTime: newUnlock, NewToken: newToken}, nil
}

// nextUnlock applies the pulse rules that depend only on seal state.
func (e *Engine) nextUnlock(seal *models.Seal, now time.Time, override time.Duration) (time.Time, error) {
	if !now.Before(seal.UnlockTime) {
		return time.Time{}, invalidf("seal is already unlocked")
	}

	interval := seal.PulseInterval
	if override != 0 {
		interval = override
	}
	if err := e.checkPulseInterval(interval); err != nil {
		return time.Time{}, err
	}

	newUnlock := now.Add(interval)
	if newUnlock.Sub(seal.CreatedAt) > e.limits.MaxSealAge {
		return time.Time{}, invalidf("seal cannot stay locked longer than %s", e.limits.MaxSealAge)
	}
	return newUnlock, nil
}

// pulseRefusal rejects a pulse that seal state alone would refuse, before
// any nonce is spent, so the owner keeps a token that still works for Burn
// and UnlockNow. It only speaks up for the seal's current token; anything
// else falls through to the full checks in authorize.
func (e *Engine) pulseRefusal(ctx context.Context, raw string, override time.Duration) error {
	tok, err := token.Parse(raw)
	if err != nil {
		return nil
	}
	seal, err := e.meta.GetRecord(ctx, tok.SealID)
	if err != nil || seal.Mode != models.ModeDeadMansSwitch {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(seal.PulseTokenHash), []byte(crypto.Hash([]byte(raw)))) != 1 {
		return nil
	}
	_, err = e.nextUnlock(seal, e.clock.Now(), override)
	return err
}

// UnlockNow moves the unlock time of a dead man's switch seal to now. It
// cannot be undone.
func (e *Engine) UnlockNow(ctx context.Context, req models.ActionRequest, caller models.Caller) error {
	seal, err := e.authorize(ctx, req.Token, "unlock", req.OperationNonce, caller)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	if now.Before(seal.UnlockTime) {
		if err := e.meta.UpdateUnlockTime(ctx, seal.ID, now); err != nil {
			return storageErr("update unlock time", err)
		}
	}

	e.emit(ctx, Event{Type: EventUnlockedEarly, SealID: seal.ID, Mode: seal.Mode, Caller: caller})
	return nil
}

// Burn destroys a dead man's switch seal. Once the record is gone the seal
// is unreachable, so a failed blob delete is only logged.
func (e *Engine) Burn(ctx context.Context, req models.ActionRequest, caller models.Caller) error {
	seal, err := e.authorize(ctx, req.Token, "burn", req.OperationNonce, caller)
	if err != nil {
		return err
	}

	if err := e.meta.DeleteRecord(ctx, seal.ID); err != nil {
		return storageErr("delete record", err)
	}
	if err := e.blobs.Delete(ctx, seal.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("blob delete failed after burn", "seal_id", seal.ID, "error", err)
		e.emit(ctx, Event{Type: EventNonCriticalFailure, SealID: seal.ID, Mode: seal.Mode, Caller: caller, Detail: "burn blob delete", Err: err})
	}

	e.emit(ctx, Event{Type: EventSealBurned, SealID: seal.ID, Mode: seal.Mode, Caller: caller})
	return nil
}

// PulseStatus reports the schedule of a dead man's switch seal. The token is
// verified but not consumed.
func (e *Engine) PulseStatus(ctx context.Context, raw string, caller models.Caller) (models.PulseStatus, error) {
	tok, err := token.Parse(raw)
	if err != nil {
		return models.PulseStatus{}, e.rejectToken(ctx, "", "status", caller)
	}
	if _, err := e.tokens.Verify(raw, tok.SealID); err != nil {
		return models.PulseStatus{}, e.rejectToken(ctx, tok.SealID, "status", caller)
	}
	seal, err := e.boundSeal(ctx, raw, tok.SealID, "status", caller)
	if err != nil {
		return models.PulseStatus{}, err
	}

	st := models.PulseStatus{
		SealID:        seal.ID,
		UnlockTime:    seal.UnlockTime,
		PulseInterval: seal.PulseInterval,
		LastPulseAt:   seal.LastPulseAt,
		ExpiresAt:     seal.ExpiresAt,
	}
	if remaining := seal.UnlockTime.Sub(e.clock.Now()); remaining > 0 {
		st.TimeRemaining = remaining
	}
	return st, nil
}
