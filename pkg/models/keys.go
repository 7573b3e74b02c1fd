package models

import (
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of both halves of a curve25519 key pair.
const KeySize = curve25519.ScalarSize

// KeyPair is an identity or pre-key key pair. Keys are base64 in JSON.
type KeyPair struct {
	PublicKey  []byte `json:"public_key"`
	PrivateKey []byte `json:"private_key"`
}

// GenerateKeyPair creates a fresh curve25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Validate checks both keys have the curve25519 size and that the public
// half matches the private half.
func (k KeyPair) Validate() error {
	if len(k.PublicKey) != KeySize || len(k.PrivateKey) != KeySize {
		return fmt.Errorf("key pair: expected %d byte keys, got public=%d private=%d", KeySize, len(k.PublicKey), len(k.PrivateKey))
	}
	pub, err := curve25519.X25519(k.PrivateKey, curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("key pair: %w", err)
	}
	for i := range pub {
		if pub[i] != k.PublicKey[i] {
			return fmt.Errorf("key pair: public key does not match private key")
		}
	}
	return nil
}

// PreKeyRecord is a one-time pre-key.
type PreKeyRecord struct {
	ID        uint32    `json:"id"`
	KeyPair   KeyPair   `json:"key_pair"`
	CreatedAt time.Time `json:"created_at"`
}

func (r PreKeyRecord) Validate() error {
	return r.KeyPair.Validate()
}

// SignedPreKeyRecord is a pre-key signed by the identity key.
type SignedPreKeyRecord struct {
	ID                   uint32    `json:"id"`
	KeyPair              KeyPair   `json:"key_pair"`
	Signature            []byte    `json:"signature"`
	GeneratedAt          time.Time `json:"generated_at"`
	WasAcceptedByService bool      `json:"was_accepted_by_service"`
}

func (r SignedPreKeyRecord) Validate() error {
	if err := r.KeyPair.Validate(); err != nil {
		return err
	}
	if len(r.Signature) == 0 {
		return fmt.Errorf("signed pre-key %d: missing signature", r.ID)
	}
	return nil
}
