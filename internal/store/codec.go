package store

import (
	"github.com/fxamacker/cbor/v2"

	"secure.seal/internal/models"
)

// Records are stored as deterministic CBOR. Times keep nanosecond precision so
// a record read back compares equal to the one written.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(seal *models.Seal) ([]byte, error) {
	return encMode.Marshal(seal)
}

func decode(data []byte) (*models.Seal, error) {
	var seal models.Seal
	if err := decMode.Unmarshal(data, &seal); err != nil {
		return nil, err
	}
	return &seal, nil
}
