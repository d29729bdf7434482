package models

import "time"

type Status string

const (
	StatusLocked    Status = "locked"
	StatusDisclosed Status = "disclosed"
	StatusExhausted Status = "exhausted"
)

// CreateRequest carries everything a client submits to seal a payload. The
// blob is already encrypted client side; KeyShare is the server half.
type CreateRequest struct {
	EncryptedBlob []byte
	KeyShare      []byte
	IV            string
	UnlockTime    time.Time
	UnlockMessage string

	IsDMS         bool
	PulseInterval time.Duration

	IsEphemeral bool
	MaxViews    *int

	// ExpiresAfter, when positive, fixes ExpiresAt to UnlockTime+ExpiresAfter.
	ExpiresAfter time.Duration
}

type CreateResult struct {
	SealID      string
	IV          string
	ActionToken string // dead man's switch only
	Receipt     Receipt
}

// Receipt is an independently verifiable proof of what was sealed and when.
type Receipt struct {
	SealID     string    `json:"seal_id"`
	BlobHash   string    `json:"blob_hash"`
	UnlockTime time.Time `json:"unlock_time"`
	CreatedAt  time.Time `json:"created_at"`
	Signature  string    `json:"signature"`
}

// SealView is what a reader gets back from Disclose. Key material and blob
// are only set when Status is StatusDisclosed.
type SealView struct {
	ID             string
	Status         Status
	Mode           Mode
	UnlockTime     time.Time
	TimeRemaining  time.Duration
	BlobHash       string
	AccessCount    int
	ViewCount      int
	MaxViews       *int
	RemainingViews *int
	FirstViewedAt  *time.Time

	KeyShare      []byte
	IV            string
	Blob          []byte
	UnlockMessage string
}

type PulseRequest struct {
	Token          string
	NewInterval    time.Duration // zero keeps the seal's configured interval
	OperationNonce string
}

type PulseResult struct {
	NewUnlockTime time.Time
	NewToken      string
}

type PulseStatus struct {
	SealID        string
	UnlockTime    time.Time
	TimeRemaining time.Duration
	PulseInterval time.Duration
	LastPulseAt   *time.Time
	ExpiresAt     *time.Time
}

// Caller identifies the party behind a request for admission control and audit.
type Caller struct {
	IP          string
	Fingerprint string
}

// ActionRequest authorizes UnlockNow and Burn.
type ActionRequest struct {
	Token          string
	OperationNonce string
}
