package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	if len(kp.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("PublicKey length = %d, want %d", len(kp.PublicKey), ed25519.PublicKeySize)
	}
	if len(kp.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("PrivateKey length = %d, want %d", len(kp.PrivateKey), ed25519.PrivateKeySize)
	}

	kp2, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() second call error = %v", err)
	}
	if kp.PublicKey.Equal(kp2.PublicKey) {
		t.Error("two generated keys should not be equal")
	}
}

func TestKeyPairFromPrivateKey(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)

	kp, err := KeyPairFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("KeyPairFromPrivateKey() error = %v", err)
	}
	if !kp.PublicKey.Equal(pub) {
		t.Error("reconstructed public key does not match original")
	}

	if _, err := KeyPairFromPrivateKey(make([]byte, 32)); !errors.Is(err, ErrInvalidPrivKeySize) {
		t.Errorf("error = %v, want %v", err, ErrInvalidPrivKeySize)
	}
}

func TestKeyPairNodeID(t *testing.T) {
	kp, _ := GenerateKeyPair()
	id := kp.NodeID()
	for i := range id {
		if id[i] != kp.PublicKey[i] {
			t.Fatalf("NodeID differs from public key at byte %d", i)
		}
	}
}

func TestValidatePublicKey(t *testing.T) {
	kp, _ := GenerateKeyPair()
	if err := ValidatePublicKey(kp.PublicKey); err != nil {
		t.Errorf("ValidatePublicKey(valid) = %v", err)
	}
	if err := ValidatePublicKey(make([]byte, 16)); !errors.Is(err, ErrInvalidPubKeySize) {
		t.Errorf("ValidatePublicKey(short) = %v, want %v", err, ErrInvalidPubKeySize)
	}
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "identity.json")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() create error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("identity file not written: %v", err)
	}

	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() load error = %v", err)
	}
	if first.NodeID() != second.NodeID() {
		t.Errorf("NodeID changed across loads: %s != %s", first.NodeID(), second.NodeID())
	}
}

func TestLoadIdentity_Errors(t *testing.T) {
	dir := t.TempDir()

	garbled := filepath.Join(dir, "garbled.json")
	os.WriteFile(garbled, []byte("{not json"), 0o600)
	if _, err := LoadIdentity(garbled); err == nil {
		t.Error("expected error for malformed file")
	}

	kp, _ := GenerateKeyPair()
	other, _ := GenerateKeyPair()
	mismatch := filepath.Join(dir, "mismatch.json")
	SaveIdentity(mismatch, kp)
	data, _ := os.ReadFile(mismatch)
	data = []byte(strings.Replace(string(data), kp.NodeID().String(), other.NodeID().String(), 1))
	os.WriteFile(mismatch, data, 0o600)
	if _, err := LoadIdentity(mismatch); !errors.Is(err, ErrKeyMismatch) {
		t.Errorf("error = %v, want %v", err, ErrKeyMismatch)
	}

	if _, err := LoadOrCreateIdentity(garbled); err == nil {
		t.Error("LoadOrCreateIdentity should not overwrite a malformed file")
	}
}
