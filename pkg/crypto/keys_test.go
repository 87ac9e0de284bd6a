package crypto

import (
	"bytes"
	"testing"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/kem/mlkem/mlkem512"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	qerrors "github.com/ratchetmesh/ratchetmesh/internal/errors"
)

func TestX25519Agreement(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}
	bob, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}

	s1, err := X25519Bytes(alice.PrivateKeyBytes(), bob.PublicKeyBytes())
	if err != nil {
		t.Fatalf("X25519Bytes failed: %v", err)
	}
	s2, err := X25519Bytes(bob.PrivateKeyBytes(), alice.PublicKeyBytes())
	if err != nil {
		t.Fatalf("X25519Bytes failed: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Error("shared secrets differ")
	}
}

func TestX25519RejectsBadPublicKey(t *testing.T) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}
	if _, err := X25519Bytes(kp.PrivateKeyBytes(), []byte("short")); err == nil {
		t.Error("accepted undersized peer public key")
	}
}

func TestKEMRoundTripAllSets(t *testing.T) {
	schemes := []kem.Scheme{mlkem512.Scheme(), mlkem768.Scheme(), mlkem1024.Scheme()}

	for _, scheme := range schemes {
		scheme := scheme
		t.Run(scheme.Name(), func(t *testing.T) {
			pub, priv, err := GenerateKEMKeyPair(scheme)
			if err != nil {
				t.Fatalf("GenerateKEMKeyPair failed: %v", err)
			}
			if len(pub) != scheme.PublicKeySize() {
				t.Errorf("public key size = %d, want %d", len(pub), scheme.PublicKeySize())
			}

			ct, ss1, err := KEMEncapsulate(scheme, pub)
			if err != nil {
				t.Fatalf("KEMEncapsulate failed: %v", err)
			}
			if len(ct) != scheme.CiphertextSize() {
				t.Errorf("ciphertext size = %d, want %d", len(ct), scheme.CiphertextSize())
			}

			ss2, err := KEMDecapsulate(scheme, priv, ct)
			if err != nil {
				t.Fatalf("KEMDecapsulate failed: %v", err)
			}
			if !bytes.Equal(ss1, ss2) {
				t.Error("encapsulated and decapsulated secrets differ")
			}
		})
	}
}

func TestKEMDeriveDeterministic(t *testing.T) {
	scheme := mlkem768.Scheme()
	seed := MustSecureRandomBytes(scheme.SeedSize())

	pub1, _, err := DeriveKEMKeyPair(scheme, seed)
	if err != nil {
		t.Fatalf("DeriveKEMKeyPair failed: %v", err)
	}
	pub2, _, err := DeriveKEMKeyPair(scheme, seed)
	if err != nil {
		t.Fatalf("DeriveKEMKeyPair failed: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Error("same seed derived different key pairs")
	}
}

func TestKEMRejectsWrongSizes(t *testing.T) {
	scheme := mlkem768.Scheme()
	pub, priv, err := GenerateKEMKeyPair(scheme)
	if err != nil {
		t.Fatalf("GenerateKEMKeyPair failed: %v", err)
	}

	if _, _, err := KEMEncapsulate(scheme, pub[:len(pub)-1]); !qerrors.Is(err, qerrors.ErrInvalidPublicKey) {
		t.Errorf("truncated public key: got %v, want ErrInvalidPublicKey", err)
	}
	if _, err := KEMDecapsulate(scheme, priv, []byte("short")); !qerrors.Is(err, qerrors.ErrInvalidCiphertext) {
		t.Errorf("truncated ciphertext: got %v, want ErrInvalidCiphertext", err)
	}

	// A key from one parameter set must be rejected by another.
	pub512, _, err := GenerateKEMKeyPair(mlkem512.Scheme())
	if err != nil {
		t.Fatalf("GenerateKEMKeyPair failed: %v", err)
	}
	if _, _, err := KEMEncapsulate(scheme, pub512); err == nil {
		t.Error("ML-KEM-768 encapsulation accepted an ML-KEM-512 key")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateEd25519KeyPair failed: %v", err)
	}

	msg := []byte("signed prekey bytes")
	sig, err := Sign(kp.PrivateKey, msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !Verify(kp.PublicKey, msg, sig) {
		t.Error("valid signature rejected")
	}
	if Verify(kp.PublicKey, []byte("other message"), sig) {
		t.Error("signature accepted for different message")
	}
	sig[0] ^= 0x01
	if Verify(kp.PublicKey, msg, sig) {
		t.Error("corrupted signature accepted")
	}
}

func TestFingerprintStable(t *testing.T) {
	kp, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}

	f1 := Fingerprint(kp.PublicKeyBytes())
	f2 := Fingerprint(kp.PublicKeyBytes())
	if !bytes.Equal(f1, f2) {
		t.Error("fingerprint not stable")
	}

	other, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}
	if bytes.Equal(f1, Fingerprint(other.PublicKeyBytes())) {
		t.Error("distinct keys share a fingerprint")
	}
}

func TestRSAWrapRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 4096-bit RSA key generation in short mode")
	}

	kp, err := GenerateRSAKeyPair()
	if err != nil {
		t.Fatalf("GenerateRSAKeyPair failed: %v", err)
	}

	secret := MustSecureRandomBytes(32)
	label := []byte("conversation-key")

	ct, err := RSAEncrypt(&kp.PrivateKey.PublicKey, secret, label)
	if err != nil {
		t.Fatalf("RSAEncrypt failed: %v", err)
	}
	got, err := RSADecrypt(kp.PrivateKey, ct, label)
	if err != nil {
		t.Fatalf("RSADecrypt failed: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("decrypted secret mismatch")
	}

	if _, err := RSADecrypt(kp.PrivateKey, ct, []byte("wrong-label")); err == nil {
		t.Error("decryption succeeded with wrong label")
	}

	der, err := RSAPublicKeyBytes(&kp.PrivateKey.PublicKey)
	if err != nil {
		t.Fatalf("RSAPublicKeyBytes failed: %v", err)
	}
	parsed, err := ParseRSAPublicKey(der)
	if err != nil {
		t.Fatalf("ParseRSAPublicKey failed: %v", err)
	}
	if parsed.N.Cmp(kp.PrivateKey.PublicKey.N) != 0 {
		t.Error("round-tripped public key mismatch")
	}
}
