// Package crypto manages the Ed25519 key pair that identifies an SOS mesh
// device. The public key doubles as the device's NodeID.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"github.com/kabili207/sosmesh-go/core"
)

var (
	ErrInvalidPubKeySize  = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("invalid private key size: expected 64 bytes")
	ErrKeyMismatch        = errors.New("public key does not match private key")
)

// KeyPair holds an Ed25519 key pair used for node identity.
type KeyPair struct {
	PublicKey  ed25519.PublicKey  // 32 bytes
	PrivateKey ed25519.PrivateKey // 64 bytes
}

// GenerateKeyPair generates a new Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// KeyPairFromPrivateKey reconstructs a KeyPair from a 64-byte Ed25519 private key.
func KeyPairFromPrivateKey(privKey []byte) (*KeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	copy(priv, privKey)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// NodeID returns the node identifier derived from the public key.
func (kp *KeyPair) NodeID() core.NodeID {
	var id core.NodeID
	copy(id[:], kp.PublicKey)
	return id
}

// ValidatePublicKey checks that key is a canonical encoding of a point on
// the Ed25519 curve.
func ValidatePublicKey(key []byte) error {
	if len(key) != ed25519.PublicKeySize {
		return ErrInvalidPubKeySize
	}
	if _, err := new(edwards25519.Point).SetBytes(key); err != nil {
		return fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return nil
}

// identityFile is the on-disk form of a key pair.
type identityFile struct {
	NodeID     string `json:"node_id"`
	PrivateKey string `json:"private_key"`
}

// LoadOrCreateIdentity reads the key pair stored at path, generating and
// saving a new one when the file does not exist.
func LoadOrCreateIdentity(path string) (*KeyPair, error) {
	kp, err := LoadIdentity(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	kp, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(path, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// LoadIdentity reads a key pair written by SaveIdentity.
func LoadIdentity(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	priv, err := hex.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	kp, err := KeyPairFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := ValidatePublicKey(kp.PublicKey); err != nil {
		return nil, err
	}
	if f.NodeID != "" && f.NodeID != kp.NodeID().String() {
		return nil, ErrKeyMismatch
	}
	return kp, nil
}

// SaveIdentity writes kp to path with owner-only permissions.
func SaveIdentity(path string, kp *KeyPair) error {
	f := identityFile{
		NodeID:     kp.NodeID().String(),
		PrivateKey: hex.EncodeToString(kp.PrivateKey),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
