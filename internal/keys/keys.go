// Package keys provides validator signing keys and the signature checks
// used by consensus and message admission.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/10yihang/snapnode/internal/wire"
	snaperrors "github.com/10yihang/snapnode/pkg/errors"
)

// Signer holds a validator's secp256k1 key.
type Signer struct {
	priv *secp256k1.PrivateKey
	pub  []byte
}

func GenerateSigner() (*Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newSigner(priv), nil
}

// SignerFromHex parses a 32-byte hex private key, with or without 0x.
func SignerFromHex(s string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", secp256k1.PrivKeyBytesLen, len(raw))
	}
	return newSigner(secp256k1.PrivKeyFromBytes(raw)), nil
}

func newSigner(priv *secp256k1.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.PubKey().SerializeCompressed()}
}

// PublicKey returns the 33-byte compressed public key. It doubles as the
// node's peer id.
func (s *Signer) PublicKey() []byte {
	return bytes.Clone(s.pub)
}

func (s *Signer) PrivateHex() string {
	return hex.EncodeToString(s.priv.Serialize())
}

// Sign returns a DER signature over digest.
func (s *Signer) Sign(digest wire.Hash) []byte {
	return ecdsa.Sign(s.priv, digest[:]).Serialize()
}

// Verifier checks validator signatures.
type Verifier interface {
	Verify(pub []byte, digest wire.Hash, sig []byte) bool
}

// Secp256k1Verifier verifies DER signatures from compressed keys.
type Secp256k1Verifier struct{}

func (Secp256k1Verifier) Verify(pub []byte, digest wire.Hash, sig []byte) bool {
	pk, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return false
	}
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return s.Verify(digest[:], pk)
}

// ParsePublicKeyHex decodes and validates a hex compressed public key.
func ParsePublicKeyHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pk, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pk.SerializeCompressed(), nil
}

// MessageVerifier checks the signature of an application message.
type MessageVerifier interface {
	VerifyMessage(m *wire.Message) error
}

// Ed25519MessageVerifier accepts messages signed by the ed25519 key named
// in Message.Signer over Message.Hash.
type Ed25519MessageVerifier struct{}

func (Ed25519MessageVerifier) VerifyMessage(m *wire.Message) error {
	if m.SignatureScheme != wire.SignatureSchemeEd25519 {
		return fmt.Errorf("%w: unsupported signature scheme %d", snaperrors.ErrInvalidMessage, m.SignatureScheme)
	}
	if len(m.Signer) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signer or signature", snaperrors.ErrInvalidMessage)
	}
	if !ed25519.Verify(ed25519.PublicKey(m.Signer), m.Hash[:], m.Signature) {
		return fmt.Errorf("%w: bad signature", snaperrors.ErrInvalidMessage)
	}
	return nil
}

// SignMessage fills the hash, signer and signature of m with key.
func SignMessage(key ed25519.PrivateKey, m *wire.Message) {
	m.Hash = m.Data.ComputeHash()
	m.SignatureScheme = wire.SignatureSchemeEd25519
	m.Signer = bytes.Clone(key.Public().(ed25519.PublicKey))
	m.Signature = ed25519.Sign(key, m.Hash[:])
}
