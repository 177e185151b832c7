// Package prepare turns caller-supplied data into the payload committed on
// chain. The encoding lives behind an interface so deployments can plug in
// their own pipeline; the built-in implementation embeds the raw bytes and a
// Keccak commitment.
package prepare

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// MaxPayloadBytes bounds what fits in settlement calldata
const MaxPayloadBytes = 128 << 10

var (
	ErrEmptyPayload = errors.New("prepare: empty payload")
	ErrTooLarge     = errors.New("prepare: payload exceeds size limit")
)

// Result is the prepared settlement payload. Commitment is the on-chain
// anchor for the data; DataRef is an opaque reference returned to the caller.
type Result struct {
	Payload    []byte
	Commitment [32]byte
	DataRef    string
}

// Preparer encodes caller data for settlement
type Preparer interface {
	Prepare(ctx context.Context, data []byte) (*Result, error)
}

// Keccak is the built-in preparer: the payload is the data itself and the
// commitment is its Keccak-256 hash.
type Keccak struct {
	maxBytes int
}

// NewKeccak creates the built-in preparer. maxBytes <= 0 selects
// MaxPayloadBytes.
func NewKeccak(maxBytes int) *Keccak {
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}
	return &Keccak{maxBytes: maxBytes}
}

func (k *Keccak) Prepare(_ context.Context, data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(data) > k.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), k.maxBytes)
	}

	var commitment [32]byte
	copy(commitment[:], crypto.Keccak256(data))

	return &Result{
		Payload:    data,
		Commitment: commitment,
		DataRef:    fmt.Sprintf("keccak256:0x%x", commitment),
	}, nil
}
