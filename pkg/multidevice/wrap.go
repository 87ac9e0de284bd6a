package multidevice

import (
	"context"
	"encoding/binary"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/crypto"
	"github.com/ratchetmesh/ratchetmesh/pkg/keystore"
	"github.com/ratchetmesh/ratchetmesh/pkg/provider"
)

// Wrapped key layouts, by algorithm family:
//
//	classical  rsaCiphertext
//	kem        u16 kemCtLen | kemCt | aeadBlob
//	hybrid     u16 kemCtLen | kemCt | u16 rsaCtLen | rsaCt | aeadBlob
//
// The AEAD key is derived from the shared secret(s) and a transcript binding
// the conversation and target device, so a blob replayed against another
// device or conversation fails authentication.

func wrapTranscript(conversationID, deviceID string) []byte {
	return crypto.TranscriptHash([]byte(conversationID), []byte(deviceID))
}

var wrapLabel = []byte(constants.DomainSeparatorKeyWrap)

// wrapContentKey seals contentKey for the identified device under alg.
func wrapContentKey(ctx context.Context, kem provider.KEM, ident *keystore.IdentityKey, alg algorithm.ID, contentKey []byte, conversationID string) ([]byte, error) {
	transcript := wrapTranscript(conversationID, ident.DeviceID)

	if !alg.UsesKEM() {
		pub, err := crypto.ParseRSAPublicKey(ident.WrapPublic)
		if err != nil {
			return nil, err
		}
		return crypto.RSAEncrypt(pub, contentKey, wrapLabel)
	}

	if !ident.HasQuantum() {
		return nil, qerrors.ErrAlgorithmMismatch
	}
	kemCt, kemSecret, err := kem.Encapsulate(ctx, alg, ident.QuantumPublic)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(kemSecret)

	var blob []byte
	var wrapKey []byte
	if alg.IsHybrid() {
		classicalSecret, err := crypto.SecureRandomBytes(constants.AEADKeySize)
		if err != nil {
			return nil, err
		}
		defer crypto.Zeroize(classicalSecret)

		pub, err := crypto.ParseRSAPublicKey(ident.WrapPublic)
		if err != nil {
			return nil, err
		}
		rsaCt, err := crypto.RSAEncrypt(pub, classicalSecret, wrapLabel)
		if err != nil {
			return nil, err
		}
		if wrapKey, err = crypto.CombineHybrid(classicalSecret, kemSecret, transcript); err != nil {
			return nil, err
		}
		blob = appendU16Field(blob, kemCt)
		blob = appendU16Field(blob, rsaCt)
	} else {
		if wrapKey, err = crypto.DeriveWrapKey(kemSecret, transcript); err != nil {
			return nil, err
		}
		blob = appendU16Field(blob, kemCt)
	}
	defer crypto.Zeroize(wrapKey)

	sealed, err := crypto.AEADSeal(wrapKey, contentKey, transcript)
	if err != nil {
		return nil, err
	}
	return append(blob, sealed...), nil
}

// unwrapContentKey recovers a content key using the device's private
// material. It is the inverse of wrapContentKey; a receiving device runs it
// when accepting a key share.
func unwrapContentKey(ctx context.Context, kem provider.KEM, ident *keystore.IdentityKey, alg algorithm.ID, wrapped []byte, conversationID string) ([]byte, error) {
	transcript := wrapTranscript(conversationID, ident.DeviceID)

	if !alg.UsesKEM() {
		priv, err := crypto.ParseRSAPrivateKey(ident.WrapPrivate)
		if err != nil {
			return nil, err
		}
		return crypto.RSADecrypt(priv, wrapped, wrapLabel)
	}

	kemCt, rest, err := readU16Field(wrapped)
	if err != nil {
		return nil, err
	}
	kemSecret, err := kem.Decapsulate(ctx, alg, ident.QuantumPrivate, kemCt)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(kemSecret)

	var wrapKey []byte
	if alg.IsHybrid() {
		rsaCt, sealed, err := readU16Field(rest)
		if err != nil {
			return nil, err
		}
		priv, err := crypto.ParseRSAPrivateKey(ident.WrapPrivate)
		if err != nil {
			return nil, err
		}
		classicalSecret, err := crypto.RSADecrypt(priv, rsaCt, wrapLabel)
		if err != nil {
			return nil, err
		}
		defer crypto.Zeroize(classicalSecret)
		if wrapKey, err = crypto.CombineHybrid(classicalSecret, kemSecret, transcript); err != nil {
			return nil, err
		}
		rest = sealed
	} else {
		if wrapKey, err = crypto.DeriveWrapKey(kemSecret, transcript); err != nil {
			return nil, err
		}
	}
	defer crypto.Zeroize(wrapKey)

	return crypto.AEADOpen(wrapKey, rest, transcript)
}

func appendU16Field(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(field)))
	return append(buf, field...)
}

func readU16Field(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, qerrors.ErrInvalidCiphertext
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf)-2 < n {
		return nil, nil, qerrors.ErrInvalidCiphertext
	}
	return buf[2 : 2+n], buf[2+n:], nil
}
