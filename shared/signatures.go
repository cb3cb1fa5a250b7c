package shared

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureSize is the length of a recoverable secp256k1 signature
const SignatureSize = 65

// SigningKeyPair holds a secp256k1 key pair for attestation signing
type SigningKeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// GenerateSigningKeyPair creates a new random key pair
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &SigningKeyPair{PrivateKey: key, PublicKey: &key.PublicKey}, nil
}

// LoadSigningKeyPair reads a hex-encoded private key file
func LoadSigningKeyPair(path string) (*SigningKeyPair, error) {
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key from %s: %w", path, err)
	}
	return &SigningKeyPair{PrivateKey: key, PublicKey: &key.PublicKey}, nil
}

// LoadOrGenerateSigningKeyPair loads the key file if it exists and
// otherwise generates a fresh key and persists it with owner-only access.
func LoadOrGenerateSigningKeyPair(path string) (*SigningKeyPair, bool, error) {
	if _, err := os.Stat(path); err == nil {
		kp, err := LoadSigningKeyPair(path)
		return kp, false, err
	}

	kp, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, false, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("failed to create key directory: %w", err)
		}
	}
	if err := crypto.SaveECDSA(path, kp.PrivateKey); err != nil {
		return nil, false, fmt.Errorf("failed to save signing key to %s: %w", path, err)
	}
	return kp, true, nil
}

// SignData signs the prefixed hash of data, returning a 65-byte
// recoverable signature
func (kp *SigningKeyPair) SignData(data []byte) ([]byte, error) {
	if kp.PrivateKey == nil {
		return nil, fmt.Errorf("no private key available for signing")
	}
	hash := accounts.TextHash(data)
	signature, err := crypto.Sign(hash, kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}
	return signature, nil
}

// PublicKeyBytes returns the uncompressed public key encoding
func (kp *SigningKeyPair) PublicKeyBytes() []byte {
	return crypto.FromECDSAPub(kp.PublicKey)
}

// Address returns the address form of the public key
func (kp *SigningKeyPair) Address() common.Address {
	return crypto.PubkeyToAddress(*kp.PublicKey)
}

// VerifySignature checks a 65-byte recoverable signature over data against
// an uncompressed public key.
func VerifySignature(data, signature, publicKey []byte) error {
	if len(signature) != SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(signature))
	}
	expected, err := crypto.UnmarshalPubkey(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}

	hash := accounts.TextHash(data)
	recovered, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	if !bytes.Equal(crypto.FromECDSAPub(recovered), crypto.FromECDSAPub(expected)) {
		return fmt.Errorf("signature does not match public key")
	}
	return nil
}

// VerifySignatureByAddress checks a recoverable signature against an
// expected signer address.
func VerifySignatureByAddress(data, signature []byte, expectedAddress common.Address) error {
	if len(signature) != SignatureSize {
		return fmt.Errorf("signature must be %d bytes, got %d", SignatureSize, len(signature))
	}
	hash := accounts.TextHash(data)
	recovered, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*recovered) != expectedAddress {
		return fmt.Errorf("signature from %s, expected %s",
			crypto.PubkeyToAddress(*recovered).Hex(), expectedAddress.Hex())
	}
	return nil
}
