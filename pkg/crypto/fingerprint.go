package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/ratchetmesh/ratchetmesh/internal/constants"
)

// Fingerprint computes the SHA3-256 fingerprint of an identity public key.
// The fingerprint is stable across algorithm migrations: it is taken over the
// classical identity key only, so users comparing safety numbers are not
// disrupted when a device gains post-quantum keys.
func Fingerprint(identityPublicKey []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(constants.ProtocolName))
	h.Write(identityPublicKey)
	return h.Sum(nil)
}

// FingerprintHex returns the fingerprint as a lowercase hex string for
// display and logging.
func FingerprintHex(identityPublicKey []byte) string {
	return hex.EncodeToString(Fingerprint(identityPublicKey))
}
