// Package signer owns the ledger's signing identity. The private key never
// leaves this package; everything else sees only signatures and the public
// key.
package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// Signer produces Ed25519 signatures over canonical entry bytes.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEphemeral generates a fresh keypair that lives only in memory.
// Suited to tests and single-run deployments; durable deployments use
// LoadOrCreate so signatures stay verifiable across restarts.
func NewEphemeral() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// Sign returns the signature over data.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	if len(s.priv) != ed25519.PrivateKeySize {
		return nil, errors.New("signer: private key not loaded")
	}
	return ed25519.Sign(s.priv, data), nil
}

// PublicKey returns the verifying key. The returned slice must not be
// modified.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Verify reports whether sig is a valid signature over data by pub.
// Malformed keys or signatures yield false, never a panic or an error, so
// bulk-verification loops are not derailed by one bad record.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}
