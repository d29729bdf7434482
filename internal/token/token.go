// Package token issues and verifies action tokens for dead man's switch
// seals. A token has the form
//
//	sealId:timestampMs:nonce:signature
//
// where signature is base64url(HMAC-SHA-256(sealId:timestampMs:nonce)). Every
// verification failure is reported as ErrInvalidToken regardless of which
// check failed.
package token

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"secure.seal/internal/clock"
	"secure.seal/internal/crypto"
)

var ErrInvalidToken = errors.New("invalid token")

var (
	sealIDPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)
	noncePattern  = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-4[a-f0-9]{3}-[89ab][a-f0-9]{3}-[a-f0-9]{12}$`)
)

// NonceStore is an atomic check-and-insert set. TryConsumeNonce returns false
// when the nonce was already present. expiresAt only bounds storage growth.
type NonceStore interface {
	TryConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// Token is the parsed form of an action token.
type Token struct {
	SealID    string
	Timestamp int64 // unix milliseconds
	Nonce     string
	Signature string
	raw       string
}

func (t Token) String() string { return t.raw }

func (t Token) signedData() string {
	return t.SealID + ":" + strconv.FormatInt(t.Timestamp, 10) + ":" + t.Nonce
}

// Parse performs the structural checks only. It never touches secrets.
func Parse(raw string) (Token, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 4 {
		return Token{}, ErrInvalidToken
	}
	sealID, ts, nonce, sig := parts[0], parts[1], parts[2], parts[3]

	if !ValidSealID(sealID) {
		return Token{}, ErrInvalidToken
	}
	if !ValidNonce(nonce) {
		return Token{}, ErrInvalidToken
	}
	millis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || millis < 0 || strconv.FormatInt(millis, 10) != ts {
		return Token{}, ErrInvalidToken
	}
	if sig == "" {
		return Token{}, ErrInvalidToken
	}

	return Token{SealID: sealID, Timestamp: millis, Nonce: nonce, Signature: sig, raw: raw}, nil
}

// ValidSealID reports whether s is 32 lowercase hex characters.
func ValidSealID(s string) bool {
	return sealIDPattern.MatchString(s)
}

// ValidNonce reports whether s has the shape of a lowercase UUID v4.
func ValidNonce(s string) bool {
	return noncePattern.MatchString(s)
}

// Protocol signs and verifies tokens against a key ring.
type Protocol struct {
	keys   crypto.KeyRing
	clock  clock.Clock
	maxAge time.Duration
}

func NewProtocol(keys crypto.KeyRing, clk clock.Clock, maxAge time.Duration) *Protocol {
	return &Protocol{keys: keys, clock: clk, maxAge: maxAge}
}

// MaxAge is the freshness window of issued tokens.
func (p *Protocol) MaxAge() time.Duration { return p.maxAge }

// Issue returns a fresh token for sealID signed with the current secret.
func (p *Protocol) Issue(sealID string) (string, error) {
	nonce, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("token nonce: %w", err)
	}
	t := Token{
		SealID:    sealID,
		Timestamp: p.clock.Now().UnixMilli(),
		Nonce:     nonce.String(),
	}
	mac := crypto.Sign([]byte(t.signedData()), p.keys.Current())
	return t.signedData() + ":" + base64.RawURLEncoding.EncodeToString(mac), nil
}

// Verify checks structure, seal binding, freshness and signature.
func (p *Protocol) Verify(raw, expectedSealID string) (Token, error) {
	t, err := Parse(raw)
	if err != nil {
		return Token{}, err
	}
	if t.SealID != expectedSealID {
		return Token{}, ErrInvalidToken
	}

	age := p.clock.Now().UnixMilli() - t.Timestamp
	if age < 0 || age > p.maxAge.Milliseconds() {
		return Token{}, ErrInvalidToken
	}

	mac, err := base64.RawURLEncoding.DecodeString(t.Signature)
	if err != nil {
		return Token{}, ErrInvalidToken
	}
	for _, secret := range p.keys.Candidates() {
		if crypto.VerifyMAC([]byte(t.signedData()), mac, secret) {
			return t, nil
		}
	}
	return Token{}, ErrInvalidToken
}

// Consume marks nonce as used under namespace. It returns ErrInvalidToken when
// the nonce was seen before. Storage failures are returned unchanged.
func (p *Protocol) Consume(ctx context.Context, store NonceStore, namespace, nonce string) error {
	key := nonce
	if namespace != "" {
		key = namespace + ":" + nonce
	}
	ok, err := store.TryConsumeNonce(ctx, key, p.clock.Now().Add(p.maxAge))
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidToken
	}
	return nil
}
