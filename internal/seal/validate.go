package seal

import (
	"time"

	"secure.seal/internal/models"
)

func (e *Engine) validateCreate(req models.CreateRequest, now time.Time) (models.Mode, error) {
	l := e.limits

	if req.IsDMS && req.IsEphemeral {
		return "", invalidf("a seal cannot be both ephemeral and a dead man's switch")
	}

	if len(req.EncryptedBlob) == 0 {
		return "", invalidf("encrypted blob is required")
	}
	if len(req.EncryptedBlob) > l.MaxBlobBytes {
		return "", invalidf("encrypted blob exceeds %d bytes", l.MaxBlobBytes)
	}
	if len(req.KeyShare) == 0 || len(req.KeyShare) > l.MaxKeyShareBytes {
		return "", invalidf("key share must be 1 to %d bytes", l.MaxKeyShareBytes)
	}
	if req.IV == "" || len(req.IV) > l.MaxIVLength {
		return "", invalidf("iv must be 1 to %d characters", l.MaxIVLength)
	}
	if len(req.UnlockMessage) > l.MaxUnlockMessage {
		return "", invalidf("unlock message exceeds %d characters", l.MaxUnlockMessage)
	}
	if req.ExpiresAfter < 0 || req.ExpiresAfter > l.MaxRetention {
		return "", invalidf("retention must be between 0 and %s", l.MaxRetention)
	}

	mode := models.ModeTimed
	switch {
	case req.IsEphemeral:
		mode = models.ModeEphemeral
	case req.IsDMS:
		mode = models.ModeDeadMansSwitch
	}

	if mode != models.ModeEphemeral {
		if req.UnlockTime.IsZero() {
			return "", invalidf("unlock time is required")
		}
		if req.UnlockTime.Before(now.Add(l.MinUnlockDelay)) {
			return "", invalidf("unlock time must be at least %s in the future", l.MinUnlockDelay)
		}
		if req.UnlockTime.After(now.Add(l.MaxUnlockWindow)) {
			return "", invalidf("unlock time must be within %s", l.MaxUnlockWindow)
		}
	}

	if mode == models.ModeDeadMansSwitch {
		if err := e.checkPulseInterval(req.PulseInterval); err != nil {
			return "", err
		}
	} else if req.PulseInterval != 0 {
		return "", invalidf("pulse interval requires a dead man's switch seal")
	}

	if req.MaxViews != nil {
		if mode != models.ModeEphemeral {
			return "", invalidf("view limits require an ephemeral seal")
		}
		if *req.MaxViews < 1 || *req.MaxViews > l.MaxViews {
			return "", invalidf("max views must be between 1 and %d", l.MaxViews)
		}
	}

	return mode, nil
}

func (e *Engine) checkPulseInterval(d time.Duration) error {
	if d < e.limits.MinPulseInterval || d > e.limits.MaxPulseInterval {
		return invalidf("pulse interval must be between %s and %s",
			e.limits.MinPulseInterval, e.limits.MaxPulseInterval)
	}
	return nil
}
