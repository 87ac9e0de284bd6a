package ratchet

import (
	"bytes"
	"testing"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		Version:       constants.EncryptionVersion,
		Algorithm:     algorithm.MLKEM768,
		RatchetKey:    bytes.Repeat([]byte{0xA1}, 32),
		PrevCounter:   7,
		Counter:       3,
		KEMPublicKey:  bytes.Repeat([]byte{0xB2}, constants.MLKEM768PublicKeySize),
		KEMCiphertext: bytes.Repeat([]byte{0xC3}, constants.MLKEM768CiphertextSize),
		Payload:       []byte("sealed bytes"),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	src := sampleEnvelope()
	wire, err := src.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(wire)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if got.Version != src.Version || got.Algorithm != src.Algorithm {
		t.Errorf("header mismatch: %+v", got)
	}
	if got.PrevCounter != 7 || got.Counter != 3 {
		t.Errorf("counters = (%d, %d)", got.PrevCounter, got.Counter)
	}
	if !bytes.Equal(got.RatchetKey, src.RatchetKey) ||
		!bytes.Equal(got.KEMPublicKey, src.KEMPublicKey) ||
		!bytes.Equal(got.KEMCiphertext, src.KEMCiphertext) ||
		!bytes.Equal(got.Payload, src.Payload) {
		t.Error("field bytes mismatch after round trip")
	}
}

func TestEnvelopeClassicalOmitsKEMFields(t *testing.T) {
	src := sampleEnvelope()
	src.Algorithm = algorithm.RSA4096OAEP
	src.KEMPublicKey = nil
	src.KEMCiphertext = nil

	wire, err := src.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	withKEM, _ := sampleEnvelope().Marshal()
	if len(wire) >= len(withKEM) {
		t.Errorf("classical envelope (%d bytes) not smaller than quantum (%d)", len(wire), len(withKEM))
	}
}

func TestEnvelopeHeaderIsMarshalPrefix(t *testing.T) {
	src := sampleEnvelope()
	wire, err := src.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	header := src.Header()
	if !bytes.HasPrefix(wire, header) {
		t.Error("Header() is not a prefix of the marshaled envelope")
	}
}

func TestUnmarshalEnvelopeRejectsMalformed(t *testing.T) {
	valid, err := sampleEnvelope().Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "empty",
			mutate:  func([]byte) []byte { return nil },
			wantErr: qerrors.ErrInvalidEnvelope,
		},
		{
			name:    "truncated header",
			mutate:  func(b []byte) []byte { return b[:10] },
			wantErr: qerrors.ErrInvalidEnvelope,
		},
		{
			name:    "truncated payload",
			mutate:  func(b []byte) []byte { return b[:len(b)-4] },
			wantErr: qerrors.ErrInvalidEnvelope,
		},
		{
			name: "trailing garbage",
			mutate: func(b []byte) []byte {
				return append(append([]byte(nil), b...), 0xFF)
			},
			wantErr: qerrors.ErrInvalidEnvelope,
		},
		{
			name: "unknown flag bit",
			mutate: func(b []byte) []byte {
				out := append([]byte(nil), b...)
				out[2] |= 0x80
				return out
			},
			wantErr: qerrors.ErrInvalidEnvelope,
		},
		{
			name: "version zero",
			mutate: func(b []byte) []byte {
				out := append([]byte(nil), b...)
				out[0] = 0
				return out
			},
			wantErr: qerrors.ErrUnsupportedVersion,
		},
		{
			name: "version from the future",
			mutate: func(b []byte) []byte {
				out := append([]byte(nil), b...)
				out[0] = constants.EncryptionVersion + 1
				return out
			},
			wantErr: qerrors.ErrUnsupportedVersion,
		},
		{
			name: "unknown algorithm",
			mutate: func(b []byte) []byte {
				out := append([]byte(nil), b...)
				out[1] = 0x7F
				return out
			},
			wantErr: qerrors.ErrInvalidEnvelope,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalEnvelope(tc.mutate(append([]byte(nil), valid...)))
			if !qerrors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestUnmarshalEnvelopeKEMFlagWithEmptyFields(t *testing.T) {
	src := sampleEnvelope()
	src.KEMPublicKey = nil
	src.KEMCiphertext = nil
	// Marshal would clear the flag, so build the wire form by hand.
	wire := src.Header()
	wire[2] |= flagHasKEM
	wire = append(wire, 0, 0, 0, 0)       // two empty u16 fields
	wire = append(wire, 0, 0, 0, 1, 0x42) // payload

	if _, err := UnmarshalEnvelope(wire); !qerrors.Is(err, qerrors.ErrInvalidEnvelope) {
		t.Errorf("KEM flag with empty fields: got %v, want ErrInvalidEnvelope", err)
	}
}

func TestMarshalRejectsBadRatchetKey(t *testing.T) {
	src := sampleEnvelope()
	src.RatchetKey = []byte{1, 2, 3}
	if _, err := src.Marshal(); !qerrors.Is(err, qerrors.ErrInvalidEnvelope) {
		t.Errorf("short ratchet key: got %v, want ErrInvalidEnvelope", err)
	}
}

func TestMarshalRejectsOversizedEnvelope(t *testing.T) {
	src := sampleEnvelope()
	src.Payload = make([]byte, constants.MaxEnvelopeSize)
	if _, err := src.Marshal(); !qerrors.Is(err, qerrors.ErrMessageTooLarge) {
		t.Errorf("oversized envelope: got %v, want ErrMessageTooLarge", err)
	}
}
