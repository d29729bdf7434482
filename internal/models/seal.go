package models

import "time"

type Mode string

const (
	ModeTimed          Mode = "timed"
	ModeDeadMansSwitch Mode = "dms"
	ModeEphemeral      Mode = "ephemeral"
)

// Seal is the metadata record of a sealed payload. The payload itself lives in
// the blob store under the same id.
type Seal struct {
	ID                string     `json:"id"`
	EncryptedKeyShare string     `json:"key_share"` // wrapped under the master secret
	IV                string     `json:"iv"`
	UnlockTime        time.Time  `json:"unlock_time"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"` // fixed at creation
	Mode              Mode       `json:"mode"`
	BlobHash          string     `json:"blob_hash"`
	UnlockMessage     string     `json:"unlock_message,omitempty"`
	AccessCount       int        `json:"access_count"`

	// Dead man's switch
	PulseTokenHash string        `json:"pulse_token_hash,omitempty"`
	PulseInterval  time.Duration `json:"pulse_interval,omitempty"`
	LastPulseAt    *time.Time    `json:"last_pulse_at,omitempty"`

	// Ephemeral
	MaxViews      *int       `json:"max_views,omitempty"` // nil means unbounded
	ViewCount     int        `json:"view_count"`
	FirstViewedAt *time.Time `json:"first_viewed_at,omitempty"`
}

// Clone returns a deep copy so stores never share pointers with callers.
func (s *Seal) Clone() *Seal {
	if s == nil {
		return nil
	}
	c := *s
	c.ExpiresAt = cloneTime(s.ExpiresAt)
	c.LastPulseAt = cloneTime(s.LastPulseAt)
	c.FirstViewedAt = cloneTime(s.FirstViewedAt)
	if s.MaxViews != nil {
		v := *s.MaxViews
		c.MaxViews = &v
	}
	return &c
}

// RemainingViews returns nil for seals without a view quota.
func (s *Seal) RemainingViews() *int {
	if s.Mode != ModeEphemeral || s.MaxViews == nil {
		return nil
	}
	r := *s.MaxViews - s.ViewCount
	if r < 0 {
		r = 0
	}
	return &r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ViewResult is the outcome of an atomic record-view-and-check.
type ViewResult struct {
	Allowed      bool
	ShouldDelete bool
	ViewCount    int
	MaxViews     *int
	// Seal is the record as it stands after the view was recorded.
	Seal *Seal
}

// PulseUpdate is applied to a dead man's switch seal as a single write.
type PulseUpdate struct {
	LastPulseAt    time.Time
	UnlockTime     time.Time
	PulseTokenHash string
}
