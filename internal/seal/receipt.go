package seal

import (
	"encoding/hex"
	"fmt"

	"secure.seal/internal/crypto"
	"secure.seal/internal/models"
)

func receiptData(r models.Receipt) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d:%d",
		r.SealID, r.BlobHash, r.UnlockTime.UnixMilli(), r.CreatedAt.UnixMilli()))
}

func (e *Engine) signReceipt(s *models.Seal) models.Receipt {
	r := models.Receipt{
		SealID:     s.ID,
		BlobHash:   s.BlobHash,
		UnlockTime: s.UnlockTime,
		CreatedAt:  s.CreatedAt,
	}
	r.Signature = hex.EncodeToString(crypto.Sign(receiptData(r), e.keys.Current()))
	return r
}

// VerifyReceipt reports whether r was signed by this service under the
// current or a previous master secret. Receipts describe the seal at creation
// and stay valid after pulses move its unlock time.
func (e *Engine) VerifyReceipt(r models.Receipt) bool {
	mac, err := hex.DecodeString(r.Signature)
	if err != nil || len(mac) == 0 {
		return false
	}
	data := receiptData(r)
	for _, secret := range e.keys.Candidates() {
		if crypto.VerifyMAC(data, mac, secret) {
			return true
		}
	}
	return false
}
