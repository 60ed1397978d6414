package backup

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// Signer signs archive manifests with an Ed25519 key derived from an age secret key.
// The same secret doubles as the age identity used to decrypt archives.
type Signer struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSigner builds a Signer from an AGE-SECRET-KEY-1... string, a base64 Ed25519
// public key, or both. With only the public key the signer can verify but not sign.
func NewSigner(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, errors.New("age secret key or signing public key is required")
	}

	s := &Signer{}
	if secretKey != "" {
		seed, err := seedFromAgeSecret(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		s.priv = ed25519.NewKeyFromSeed(seed)
		s.pub = s.priv.Public().(ed25519.PublicKey)

		identity, err := age.ParseX25519Identity(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		s.identity = identity
		s.recipient = identity.Recipient()
	}

	if publicKey != "" {
		decoded, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		if s.pub != nil && !bytes.Equal(s.pub, decoded) {
			return nil, errors.New("signing public key does not match age secret key")
		}
		s.pub = decoded
	}
	return s, nil
}

// CanSign reports whether a private key is loaded.
func (s *Signer) CanSign() bool {
	return s != nil && len(s.priv) > 0
}

// Sign returns a base64 Ed25519 signature over payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if !s.CanSign() {
		return "", errors.New("signer has no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, payload)), nil
}

// Verify checks signature over payload. embeddedKey is the key recorded in the
// manifest; when the signer holds a key the two must match.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	var key ed25519.PublicKey
	if s != nil {
		key = s.pub
	}
	if embeddedKey != "" {
		decoded, err := decodePublicKey(embeddedKey)
		if err != nil {
			return err
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return errors.New("manifest signed by unexpected key")
		}
		key = decoded
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.pub) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.pub)
}

// Identity returns the age identity, or nil when only a public key was given.
func (s *Signer) Identity() age.Identity {
	if s == nil || s.identity == nil {
		return nil
	}
	return s.identity
}

// Recipient returns the age recipient matching the secret key, or nil.
func (s *Signer) Recipient() age.Recipient {
	if s == nil || s.recipient == nil {
		return nil
	}
	return s.recipient
}

// RecipientString returns the age1... form of Recipient.
func (s *Signer) RecipientString() string {
	if s == nil || s.recipient == nil {
		return ""
	}
	return s.recipient.String()
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode signing public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signing public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

func seedFromAgeSecret(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
