package mpctls

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"

	"tlsnotary/shared"
)

// Split AEAD for the record phase. The notary holds the server application
// key and produces keystream plus tag secrets per record; the prover checks
// the authentication tag and recovers plaintext without the key ever
// crossing the channel. Counter layouts match Go's crypto/cipher: AES-GCM
// reserves counter 1 for the tag mask and encrypts data from counter 2,
// ChaCha20-Poly1305 reserves counter 0 for the Poly1305 key and encrypts
// data from counter 1.

// TagSize is the AEAD authentication tag length for all supported suites.
const TagSize = 16

// SplitAEAD generates per-record key material for one traffic direction.
type SplitAEAD struct {
	key         []byte
	iv          []byte
	cipherSuite uint16
}

// NewSplitAEAD creates a split AEAD for the given traffic keys.
func NewSplitAEAD(key, iv []byte, cipherSuite uint16) (*SplitAEAD, error) {
	if !CipherSuiteSupported(cipherSuite) {
		return nil, fmt.Errorf("unsupported cipher suite for split AEAD: 0x%04x", cipherSuite)
	}
	if len(iv) != 12 {
		return nil, fmt.Errorf("split AEAD IV must be 12 bytes, got %d", len(iv))
	}
	sa := &SplitAEAD{
		key:         make([]byte, len(key)),
		iv:          make([]byte, len(iv)),
		cipherSuite: cipherSuite,
	}
	copy(sa.key, key)
	copy(sa.iv, iv)
	return sa, nil
}

// constructNonce applies the TLS 1.3 per-record nonce: IV XOR seq (RFC 8446).
func (sa *SplitAEAD) constructNonce(seqNum uint64) []byte {
	nonce := make([]byte, len(sa.iv))
	copy(nonce, sa.iv)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-1-i] ^= byte(seqNum >> (8 * i))
	}
	return nonce
}

// RecordKeyMaterial produces the keystream covering length ciphertext bytes
// of the record at seqNum, plus the secrets needed to compute its tag.
func (sa *SplitAEAD) RecordKeyMaterial(seqNum uint64, length int) ([]byte, *shared.TagSecrets, error) {
	if length < 0 || length > maxCiphertextLen {
		return nil, nil, fmt.Errorf("invalid keystream length: %d", length)
	}
	nonce := sa.constructNonce(seqNum)

	switch sa.cipherSuite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(sa.key)
		if err != nil {
			return nil, nil, err
		}

		// CTR keystream starting at counter 2, matching GCM encryption.
		ctrNonce := make([]byte, 16)
		copy(ctrNonce, nonce)
		ctrNonce[15] = 2
		stream := cipher.NewCTR(block, ctrNonce)
		keystream := make([]byte, length)
		stream.XORKeyStream(keystream, keystream)

		// H = E_K(0^128), mask = E_K(nonce || 0^31 || 1).
		ghashKey := make([]byte, 16)
		block.Encrypt(ghashKey, ghashKey)
		counterBlock := make([]byte, 16)
		copy(counterBlock, nonce)
		counterBlock[15] = 1
		maskedCounter := make([]byte, 16)
		block.Encrypt(maskedCounter, counterBlock)

		return keystream, &shared.TagSecrets{
			Mode:             shared.ModeAESGCM,
			GCMGhashKey:      ghashKey,
			GCMMaskedCounter: maskedCounter,
		}, nil

	case TLS_CHACHA20_POLY1305_SHA256:
		keyCipher, err := chacha20.NewUnauthenticatedCipher(sa.key, nonce)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ChaCha20 cipher: %v", err)
		}
		// Counter 0 block yields the one-time Poly1305 key.
		polyKey := make([]byte, 32)
		keyCipher.XORKeyStream(polyKey, polyKey)

		dataCipher, err := chacha20.NewUnauthenticatedCipher(sa.key, nonce)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create ChaCha20 cipher: %v", err)
		}
		dataCipher.SetCounter(1)
		keystream := make([]byte, length)
		dataCipher.XORKeyStream(keystream, keystream)

		return keystream, &shared.TagSecrets{
			Mode:        shared.ModeChacha20Poly1305,
			Poly1305Key: polyKey,
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported cipher suite for split AEAD: 0x%04x", sa.cipherSuite)
	}
}

// SecureZero wipes the key material.
func (sa *SplitAEAD) SecureZero() {
	secureZeroBytes(sa.key)
	secureZeroBytes(sa.iv)
}

// ComputeTagFromSecrets computes the AEAD authentication tag over a record's
// ciphertext body using secrets produced by RecordKeyMaterial. The caller
// supplies the record header as additional data.
func ComputeTagFromSecrets(secrets *shared.TagSecrets, additionalData, ciphertext []byte) ([]byte, error) {
	switch secrets.Mode {
	case shared.ModeAESGCM:
		if len(secrets.GCMGhashKey) != 16 || len(secrets.GCMMaskedCounter) != 16 {
			return nil, errors.New("invalid GCM tag secrets")
		}

		var ghashKey [16]byte
		copy(ghashKey[:], secrets.GCMGhashKey)

		// GHASH(H, AAD || pad || C || pad || len(AAD) || len(C)), bit lengths.
		lengthBlock := make([]byte, 16)
		binary.BigEndian.PutUint64(lengthBlock[0:8], uint64(len(additionalData))*8)
		binary.BigEndian.PutUint64(lengthBlock[8:16], uint64(len(ciphertext))*8)
		ghashResult := ghash(&ghashKey, additionalData, ciphertext, lengthBlock)

		tag := make([]byte, TagSize)
		for i := 0; i < TagSize; i++ {
			tag[i] = ghashResult[i] ^ secrets.GCMMaskedCounter[i]
		}
		return tag, nil

	case shared.ModeChacha20Poly1305:
		if len(secrets.Poly1305Key) != 32 {
			return nil, errors.New("invalid Poly1305 tag secrets")
		}
		return computePoly1305Tag(secrets.Poly1305Key, additionalData, ciphertext)

	default:
		return nil, fmt.Errorf("unsupported split AEAD mode: %q", secrets.Mode)
	}
}

// VerifyTagFromSecrets recomputes the tag and compares in constant time.
func VerifyTagFromSecrets(secrets *shared.TagSecrets, additionalData, ciphertext, expectedTag []byte) error {
	computed, err := ComputeTagFromSecrets(secrets, additionalData, ciphertext)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(computed, expectedTag) != 1 {
		return errors.New("authentication tag verification failed")
	}
	return nil
}

// computePoly1305Tag follows the RFC 8439 AEAD construction:
// Poly1305(key, AAD || pad16 || C || pad16 || len(AAD) || len(C)).
func computePoly1305Tag(key, additionalData, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("Poly1305 key must be 32 bytes, got %d", len(key))
	}

	var polyData []byte
	polyData = append(polyData, additionalData...)
	if pad := (16 - (len(additionalData) % 16)) % 16; pad > 0 {
		polyData = append(polyData, make([]byte, pad)...)
	}
	polyData = append(polyData, ciphertext...)
	if pad := (16 - (len(ciphertext) % 16)) % 16; pad > 0 {
		polyData = append(polyData, make([]byte, pad)...)
	}

	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[:8], uint64(len(additionalData)))
	binary.LittleEndian.PutUint64(lengths[8:], uint64(len(ciphertext)))
	polyData = append(polyData, lengths[:]...)

	var keyArray [32]byte
	copy(keyArray[:], key)
	var tagArray [16]byte
	poly1305.Sum(&tagArray, polyData, &keyArray)
	return tagArray[:], nil
}

// GHASH over GF(2^128) with a 4-bit product table, adapted from Go's
// crypto/cipher GCM implementation.

type gcmFieldElement struct {
	low, high uint64
}

func ghash(key *[16]byte, data ...[]byte) []byte {
	var out [16]byte

	x := gcmFieldElement{
		binary.BigEndian.Uint64(key[:8]),
		binary.BigEndian.Uint64(key[8:]),
	}

	var productTable [16]gcmFieldElement
	productTable[reverseBits(1)] = x
	for i := 2; i < 16; i += 2 {
		productTable[reverseBits(i)] = ghashDouble(&productTable[reverseBits(i/2)])
		productTable[reverseBits(i+1)] = ghashAdd(&productTable[reverseBits(i)], &x)
	}

	var y gcmFieldElement
	for _, slice := range data {
		ghashUpdate(&productTable, &y, slice)
	}

	binary.BigEndian.PutUint64(out[:8], y.low)
	binary.BigEndian.PutUint64(out[8:], y.high)
	return out[:]
}

func reverseBits(i int) int {
	i = ((i << 2) & 0xc) | ((i >> 2) & 0x3)
	i = ((i << 1) & 0xa) | ((i >> 1) & 0x5)
	return i
}

func ghashAdd(x, y *gcmFieldElement) gcmFieldElement {
	return gcmFieldElement{x.low ^ y.low, x.high ^ y.high}
}

func ghashDouble(x *gcmFieldElement) (double gcmFieldElement) {
	msbSet := x.high&1 == 1
	double.high = x.high >> 1
	double.high |= x.low << 63
	double.low = x.low >> 1
	if msbSet {
		double.low ^= 0xe100000000000000
	}
	return
}

var ghashReductionTable = []uint16{
	0x0000, 0x1c20, 0x3840, 0x2460, 0x7080, 0x6ca0, 0x48c0, 0x54e0,
	0xe100, 0xfd20, 0xd940, 0xc560, 0x9180, 0x8da0, 0xa9c0, 0xb5e0,
}

func ghashMul(productTable *[16]gcmFieldElement, y *gcmFieldElement) {
	var z gcmFieldElement
	for i := 0; i < 2; i++ {
		word := y.high
		if i == 1 {
			word = y.low
		}

		for j := 0; j < 64; j += 4 {
			msw := z.high & 0xf
			z.high >>= 4
			z.high |= z.low << 60
			z.low >>= 4
			z.low ^= uint64(ghashReductionTable[msw]) << 48

			t := productTable[word&0xf]
			z.low ^= t.low
			z.high ^= t.high
			word >>= 4
		}
	}
	*y = z
}

func ghashUpdate(productTable *[16]gcmFieldElement, y *gcmFieldElement, data []byte) {
	for len(data) >= 16 {
		y.low ^= binary.BigEndian.Uint64(data[:8])
		y.high ^= binary.BigEndian.Uint64(data[8:16])
		ghashMul(productTable, y)
		data = data[16:]
	}
	if len(data) > 0 {
		var block [16]byte
		copy(block[:], data)
		y.low ^= binary.BigEndian.Uint64(block[:8])
		y.high ^= binary.BigEndian.Uint64(block[8:16])
		ghashMul(productTable, y)
	}
}
