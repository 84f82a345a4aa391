// Package signer loads the daemon's Ed25519 key material and signs
// export manifests with it. Archives must stay verifiable decades after
// this process is gone, so the key formats are deliberately plain: raw
// seed or key bytes, or standard OpenSSH files.
package signer

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrInvalidKeyFormat reports a file that is neither raw key bytes
	// nor a parseable OpenSSH key.
	ErrInvalidKeyFormat = errors.New("signer: invalid key format")
	// ErrUnsupportedKey reports a parseable key of the wrong algorithm.
	ErrUnsupportedKey = errors.New("signer: unsupported key type (expected Ed25519)")
	// ErrKeyDecryption reports a passphrase-protected key, which the
	// daemon cannot prompt for.
	ErrKeyDecryption = errors.New("signer: key is encrypted (passphrase required)")
)

// LoadPrivateKey reads an Ed25519 private key: a raw 32-byte seed, the
// raw 64-byte private key, or an OpenSSH private key file.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	switch len(data) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(data), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(data), nil
	}

	parsed, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrKeyDecryption
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return asEd25519Private(parsed)
}

// asEd25519Private narrows whatever the SSH parser produced down to an
// Ed25519 private key.
func asEd25519Private(parsed any) (ed25519.PrivateKey, error) {
	switch k := parsed.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
	}
}

// LoadPublicKey reads an Ed25519 public key: raw 32 bytes or an OpenSSH
// authorized-keys line (ssh-ed25519 ...).
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}

	sshKey, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	holder, ok := sshKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	pub, ok := holder.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, holder.CryptoPublicKey())
	}
	return pub, nil
}

// GenerateKeyPair creates a fresh Ed25519 pair and writes the raw
// private key to keyPath (0600) and the raw public key to
// keyPath+".pub" (0644).
func GenerateKeyPair(keyPath string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, priv, 0600); err != nil {
		return nil, fmt.Errorf("save private key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", pub, 0644); err != nil {
		return nil, fmt.Errorf("save public key: %w", err)
	}
	return pub, nil
}

// SignManifest signs a manifest digest, returning the 64-byte
// signature.
func SignManifest(key ed25519.PrivateKey, digest []byte) []byte {
	return ed25519.Sign(key, digest)
}

// VerifyManifest checks a manifest signature. Malformed signatures
// report false rather than panicking inside crypto/ed25519.
func VerifyManifest(pub ed25519.PublicKey, digest, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, digest, signature)
}

// GetPublicKey derives the public half of a private key.
func GetPublicKey(key ed25519.PrivateKey) ed25519.PublicKey {
	return key.Public().(ed25519.PublicKey)
}
