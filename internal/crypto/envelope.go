// Package crypto wraps the server-held key share of a seal and provides the
// hashing and MAC primitives shared by receipts and action tokens.
//
// The client-held key share never reaches this package. Only the server half
// can be reconstructed here, so the master secret alone cannot decrypt a seal.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	idLength  = 16
	keyLength = 32
	nonceSize = 12 // GCM standard nonce size

	wrapInfo = "secure.seal/keyshare/v1"
)

var (
	ErrCrypto          = errors.New("crypto: malformed input")
	ErrKeyUnwrapFailed = errors.New("crypto: key share unwrap failed")
)

// GenerateID returns a 128-bit random seal id rendered as lowercase hex.
func GenerateID() (string, error) {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// WrapKeyShare encrypts keyShare under a key derived from masterSecret with the
// seal id as HKDF salt. The seal id is also bound as GCM additional data, so a
// wrapped share cannot be replayed onto another seal.
func WrapKeyShare(keyShare, masterSecret []byte, sealID string) (string, error) {
	if len(keyShare) == 0 || len(masterSecret) == 0 || sealID == "" {
		return "", ErrCrypto
	}

	gcm, err := newGCM(masterSecret, sealID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, keyShare, []byte(sealID))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// UnwrapKeyShare tries each candidate secret in order and returns the first
// successful decryption. Callers pass the current secret first and previous
// secrets after it.
func UnwrapKeyShare(encrypted, sealID string, candidates [][]byte) ([]byte, error) {
	if encrypted == "" || sealID == "" {
		return nil, ErrCrypto
	}

	raw, err := base64.RawURLEncoding.DecodeString(encrypted)
	if err != nil || len(raw) <= nonceSize {
		return nil, ErrCrypto
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	for _, secret := range candidates {
		if len(secret) == 0 {
			continue
		}
		gcm, err := newGCM(secret, sealID)
		if err != nil {
			continue
		}
		plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(sealID))
		if err == nil {
			return plaintext, nil
		}
	}

	return nil, ErrKeyUnwrapFailed
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign returns HMAC-SHA-256 of data keyed by secret.
func Sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyMAC reports whether mac is the HMAC of data under secret. The
// comparison is constant time.
func VerifyMAC(data, mac, secret []byte) bool {
	return hmac.Equal(Sign(data, secret), mac)
}

func newGCM(secret []byte, sealID string) (cipher.AEAD, error) {
	key := make([]byte, keyLength)
	kdf := hkdf.New(sha256.New, secret, []byte(sealID), []byte(wrapInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("GCM creation failed: %w", err)
	}
	return gcm, nil
}
