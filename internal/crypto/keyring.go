package crypto

import "errors"

// KeyRing provides the master secret used for new material and the list of
// secrets still honored when reading old material.
type KeyRing interface {
	Current() []byte
	Candidates() [][]byte
}

// StaticKeyRing is a KeyRing fixed at startup. Rotation is done by moving the
// old current secret into Previous and restarting with a new Current.
type StaticKeyRing struct {
	current  []byte
	previous [][]byte
}

var _ KeyRing = (*StaticKeyRing)(nil)

func NewStaticKeyRing(current string, previous ...string) (*StaticKeyRing, error) {
	if current == "" {
		return nil, errors.New("master secret is required")
	}
	ring := &StaticKeyRing{current: []byte(current)}
	for _, p := range previous {
		if p == "" || p == current {
			continue
		}
		ring.previous = append(ring.previous, []byte(p))
	}
	return ring, nil
}

func (k *StaticKeyRing) Current() []byte {
	return k.current
}

// Candidates returns the current secret followed by previous secrets.
func (k *StaticKeyRing) Candidates() [][]byte {
	out := make([][]byte, 0, 1+len(k.previous))
	out = append(out, k.current)
	return append(out, k.previous...)
}
