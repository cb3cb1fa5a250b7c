package mpctls

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD protects one traffic direction of a TLS 1.3 connection. The nonce is
// the IV XORed with the record sequence number per RFC 8446 section 5.3.
type AEAD struct {
	aead cipher.AEAD
	iv   []byte
	seq  uint64
}

// NewAEAD creates an AEAD for the given traffic keys.
func NewAEAD(key, iv []byte, cipherSuite uint16) (*AEAD, error) {
	var aead cipher.AEAD

	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}

	case TLS_CHACHA20_POLY1305_SHA256:
		var err error
		aead, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported cipher suite: 0x%04x", cipherSuite)
	}

	ivCopy := make([]byte, len(iv))
	copy(ivCopy, iv)
	return &AEAD{aead: aead, iv: ivCopy}, nil
}

func (a *AEAD) nonce() []byte {
	nonce := make([]byte, len(a.iv))
	copy(nonce, a.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(a.seq >> (8 * i))
	}
	return nonce
}

// Encrypt seals plaintext with the current sequence number and advances it.
func (a *AEAD) Encrypt(plaintext, additionalData []byte) []byte {
	ciphertext := a.aead.Seal(nil, a.nonce(), plaintext, additionalData)
	a.seq++
	return ciphertext
}

// Decrypt opens ciphertext with the current sequence number and advances it
// on success.
func (a *AEAD) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	plaintext, err := a.aead.Open(nil, a.nonce(), ciphertext, additionalData)
	if err != nil {
		return nil, err
	}
	a.seq++
	return plaintext, nil
}

// Sequence returns the next record sequence number.
func (a *AEAD) Sequence() uint64 { return a.seq }

// SetSequence overrides the next record sequence number.
func (a *AEAD) SetSequence(seq uint64) { a.seq = seq }

// SealRecord wraps payload in a TLS 1.3 protected record. The inner
// plaintext carries the real content type; the outer record is always
// application_data.
func (a *AEAD) SealRecord(contentType byte, payload []byte) (*Record, error) {
	inner := make([]byte, 0, len(payload)+1)
	inner = append(inner, payload...)
	inner = append(inner, contentType)

	length := len(inner) + a.aead.Overhead()
	if length > maxCiphertextLen {
		return nil, fmt.Errorf("record payload too large: %d bytes", len(payload))
	}

	header := []byte{recordTypeApplicationData, 0x03, 0x03, byte(length >> 8), byte(length)}
	fragment := a.Encrypt(inner, header)
	return &Record{
		Type:     recordTypeApplicationData,
		Version:  0x0303,
		Length:   uint16(length),
		Fragment: fragment,
	}, nil
}

// OpenRecord unprotects a TLS 1.3 record and strips the inner padding,
// returning the payload and its real content type.
func (a *AEAD) OpenRecord(rec *Record) ([]byte, byte, error) {
	inner, err := a.Decrypt(rec.Fragment, rec.Header())
	if err != nil {
		return nil, 0, err
	}
	return UnpadInnerPlaintext(inner)
}

// UnpadInnerPlaintext strips the trailing zero padding from a decrypted
// TLS 1.3 inner plaintext. The last non-zero byte is the content type.
func UnpadInnerPlaintext(inner []byte) ([]byte, byte, error) {
	i := len(inner) - 1
	for i >= 0 && inner[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, 0, errors.New("decrypted record is all padding")
	}
	return inner[:i], inner[i], nil
}
