package prepare

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestKeccakPrepare(t *testing.T) {
	p := NewKeccak(0)
	data := []byte("hello, chain")

	result, err := p.Prepare(context.Background(), data)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !bytes.Equal(result.Payload, data) {
		t.Error("payload does not match input")
	}

	want := crypto.Keccak256(data)
	if !bytes.Equal(result.Commitment[:], want) {
		t.Errorf("commitment = %x, want %x", result.Commitment, want)
	}
	if !strings.HasPrefix(result.DataRef, "keccak256:0x") {
		t.Errorf("dataRef = %s", result.DataRef)
	}
}

func TestKeccakEmptyPayload(t *testing.T) {
	p := NewKeccak(0)
	if _, err := p.Prepare(context.Background(), nil); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("got %v, want ErrEmptyPayload", err)
	}
}

func TestKeccakSizeLimit(t *testing.T) {
	p := NewKeccak(0)

	at := make([]byte, MaxPayloadBytes)
	if _, err := p.Prepare(context.Background(), at); err != nil {
		t.Errorf("payload at exact limit rejected: %v", err)
	}

	over := make([]byte, MaxPayloadBytes+1)
	if _, err := p.Prepare(context.Background(), over); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}

func TestKeccakCustomLimit(t *testing.T) {
	p := NewKeccak(16)
	if _, err := p.Prepare(context.Background(), make([]byte, 17)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
}
