package mpctls

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// TLS 1.3 key schedule, RFC 8446 section 7.1.

const (
	labelDerived           = "tls13 derived"
	labelClientHandshake   = "tls13 c hs traffic"
	labelServerHandshake   = "tls13 s hs traffic"
	labelClientApplication = "tls13 c ap traffic"
	labelServerApplication = "tls13 s ap traffic"
	labelFinishedKey       = "tls13 finished"
	labelTrafficKey        = "tls13 key"
	labelTrafficIV         = "tls13 iv"
)

type suiteParams struct {
	hashFunc func() hash.Hash
	hashSize int
	keyLen   int
	ivLen    int
}

func paramsForSuite(cipherSuite uint16) (suiteParams, error) {
	switch cipherSuite {
	case TLS_AES_128_GCM_SHA256:
		return suiteParams{hashFunc: sha256.New, hashSize: 32, keyLen: 16, ivLen: 12}, nil
	case TLS_AES_256_GCM_SHA384:
		return suiteParams{hashFunc: sha512.New384, hashSize: 48, keyLen: 32, ivLen: 12}, nil
	case TLS_CHACHA20_POLY1305_SHA256:
		return suiteParams{hashFunc: sha256.New, hashSize: 32, keyLen: 32, ivLen: 12}, nil
	default:
		return suiteParams{}, fmt.Errorf("unsupported cipher suite: 0x%04x", cipherSuite)
	}
}

// KeySchedule runs the TLS 1.3 key derivation chain for one session
type KeySchedule struct {
	cipherSuite uint16
	params      suiteParams

	earlySecret     []byte
	handshakeSecret []byte
	masterSecret    []byte

	clientHandshakeSecret []byte
	serverHandshakeSecret []byte
	clientAppSecret       []byte
	serverAppSecret       []byte
}

// NewKeySchedule creates a key schedule for the given cipher suite
func NewKeySchedule(cipherSuite uint16) (*KeySchedule, error) {
	params, err := paramsForSuite(cipherSuite)
	if err != nil {
		return nil, err
	}
	return &KeySchedule{cipherSuite: cipherSuite, params: params}, nil
}

func (ks *KeySchedule) hkdfExtract(salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, ks.params.hashSize)
	}
	h := hmac.New(ks.params.hashFunc, salt)
	h.Write(ikm)
	return h.Sum(nil)
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446
func (ks *KeySchedule) hkdfExpandLabel(secret []byte, label string, context []byte, length int) ([]byte, error) {
	if length > 255 {
		return nil, fmt.Errorf("HKDF-Expand-Label length too large: %d", length)
	}

	hkdfLabel := make([]byte, 0, 2+1+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(label)))
	hkdfLabel = append(hkdfLabel, []byte(label)...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	reader := hkdf.Expand(ks.params.hashFunc, secret, hkdfLabel)
	result := make([]byte, length)
	n, err := reader.Read(result)
	if err != nil {
		return nil, fmt.Errorf("HKDF-Expand failed: %v", err)
	}
	if n != length {
		return nil, fmt.Errorf("HKDF-Expand returned wrong length: expected %d, got %d", length, n)
	}

	return result, nil
}

// deriveSecret implements Derive-Secret over already-hashed transcript input
func (ks *KeySchedule) deriveSecret(secret []byte, label string, transcriptHash []byte) ([]byte, error) {
	if transcriptHash == nil {
		h := ks.params.hashFunc()
		transcriptHash = h.Sum(nil)
	}
	return ks.hkdfExpandLabel(secret, label, transcriptHash, ks.params.hashSize)
}

// InitializeEarlySecret computes Early Secret = HKDF-Extract(0, 0)
func (ks *KeySchedule) InitializeEarlySecret() {
	zeroIKM := make([]byte, ks.params.hashSize)
	ks.earlySecret = ks.hkdfExtract(nil, zeroIKM)
}

// DeriveHandshakeSecret folds the ECDHE shared secret into the schedule
func (ks *KeySchedule) DeriveHandshakeSecret(sharedSecret []byte) error {
	if ks.earlySecret == nil {
		return fmt.Errorf("early secret not initialized")
	}
	if len(sharedSecret) == 0 {
		return fmt.Errorf("shared secret cannot be empty")
	}

	derivedSecret, err := ks.deriveSecret(ks.earlySecret, labelDerived, nil)
	if err != nil {
		return fmt.Errorf("failed to derive handshake salt: %v", err)
	}
	ks.handshakeSecret = ks.hkdfExtract(derivedSecret, sharedSecret)
	return nil
}

// DeriveHandshakeTrafficSecrets derives both handshake traffic secrets
// from the transcript hash through ServerHello.
func (ks *KeySchedule) DeriveHandshakeTrafficSecrets(transcriptHash []byte) error {
	if ks.handshakeSecret == nil {
		return fmt.Errorf("handshake secret not derived")
	}
	if len(transcriptHash) != ks.params.hashSize {
		return fmt.Errorf("transcript hash has wrong length: expected %d, got %d", ks.params.hashSize, len(transcriptHash))
	}

	var err error
	ks.clientHandshakeSecret, err = ks.hkdfExpandLabel(ks.handshakeSecret, labelClientHandshake, transcriptHash, ks.params.hashSize)
	if err != nil {
		return fmt.Errorf("failed to derive client handshake secret: %v", err)
	}
	ks.serverHandshakeSecret, err = ks.hkdfExpandLabel(ks.handshakeSecret, labelServerHandshake, transcriptHash, ks.params.hashSize)
	if err != nil {
		return fmt.Errorf("failed to derive server handshake secret: %v", err)
	}
	return nil
}

// DeriveMasterSecret advances the schedule past the handshake stage
func (ks *KeySchedule) DeriveMasterSecret() error {
	if ks.handshakeSecret == nil {
		return fmt.Errorf("handshake secret not derived")
	}

	derivedSecret, err := ks.deriveSecret(ks.handshakeSecret, labelDerived, nil)
	if err != nil {
		return fmt.Errorf("failed to derive master salt: %v", err)
	}
	zeroIKM := make([]byte, ks.params.hashSize)
	ks.masterSecret = ks.hkdfExtract(derivedSecret, zeroIKM)
	return nil
}

// DeriveApplicationTrafficSecrets derives both application traffic secrets
// from the transcript hash through server Finished.
func (ks *KeySchedule) DeriveApplicationTrafficSecrets(transcriptHash []byte) error {
	if ks.masterSecret == nil {
		return fmt.Errorf("master secret not derived")
	}
	if len(transcriptHash) != ks.params.hashSize {
		return fmt.Errorf("transcript hash has wrong length: expected %d, got %d", ks.params.hashSize, len(transcriptHash))
	}

	var err error
	ks.clientAppSecret, err = ks.hkdfExpandLabel(ks.masterSecret, labelClientApplication, transcriptHash, ks.params.hashSize)
	if err != nil {
		return fmt.Errorf("failed to derive client application secret: %v", err)
	}
	ks.serverAppSecret, err = ks.hkdfExpandLabel(ks.masterSecret, labelServerApplication, transcriptHash, ks.params.hashSize)
	if err != nil {
		return fmt.Errorf("failed to derive server application secret: %v", err)
	}
	return nil
}

// TrafficKeys holds a key and IV pair for AEAD operations
type TrafficKeys struct {
	Key []byte
	IV  []byte
}

// SecureZero wipes the key material
func (tk *TrafficKeys) SecureZero() {
	secureZeroBytes(tk.Key)
	secureZeroBytes(tk.IV)
}

// DeriveTrafficKeys expands a traffic secret into its key and IV
func (ks *KeySchedule) DeriveTrafficKeys(trafficSecret []byte) (*TrafficKeys, error) {
	if len(trafficSecret) != ks.params.hashSize {
		return nil, fmt.Errorf("traffic secret has wrong length: expected %d, got %d", ks.params.hashSize, len(trafficSecret))
	}

	key, err := ks.hkdfExpandLabel(trafficSecret, labelTrafficKey, nil, ks.params.keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive traffic key: %v", err)
	}
	iv, err := ks.hkdfExpandLabel(trafficSecret, labelTrafficIV, nil, ks.params.ivLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive traffic IV: %v", err)
	}

	return &TrafficKeys{Key: key, IV: iv}, nil
}

// DeriveFinishedVerifyData computes the Finished verify_data for the
// holder of the given handshake traffic secret over a transcript hash.
func (ks *KeySchedule) DeriveFinishedVerifyData(handshakeTrafficSecret, transcriptHash []byte) ([]byte, error) {
	finishedKey, err := ks.hkdfExpandLabel(handshakeTrafficSecret, labelFinishedKey, nil, ks.params.hashSize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive finished key: %v", err)
	}
	h := hmac.New(ks.params.hashFunc, finishedKey)
	h.Write(transcriptHash)
	return h.Sum(nil), nil
}

// Traffic secret accessors. The notary exports these across the custody
// split; the prover rebuilds key material from them.

func (ks *KeySchedule) ClientHandshakeSecret() []byte { return ks.clientHandshakeSecret }
func (ks *KeySchedule) ServerHandshakeSecret() []byte { return ks.serverHandshakeSecret }
func (ks *KeySchedule) ClientAppSecret() []byte       { return ks.clientAppSecret }
func (ks *KeySchedule) ServerAppSecret() []byte       { return ks.serverAppSecret }

// CipherSuite returns the suite this schedule was built for
func (ks *KeySchedule) CipherSuite() uint16 { return ks.cipherSuite }

// HashSize returns the transcript hash length for this suite
func (ks *KeySchedule) HashSize() int { return ks.params.hashSize }

// NewTranscriptHash returns a fresh transcript hash for this suite
func (ks *KeySchedule) NewTranscriptHash() hash.Hash { return ks.params.hashFunc() }

// KeyScheduleFromSecrets rebuilds a schedule holding only traffic secrets
// received across the custody split. The chain secrets stay nil; only
// traffic key expansion and Finished computation work on it.
func KeyScheduleFromSecrets(cipherSuite uint16, clientHS, serverHS, clientApp, serverApp []byte) (*KeySchedule, error) {
	ks, err := NewKeySchedule(cipherSuite)
	if err != nil {
		return nil, err
	}
	ks.clientHandshakeSecret = clientHS
	ks.serverHandshakeSecret = serverHS
	ks.clientAppSecret = clientApp
	ks.serverAppSecret = serverApp
	return ks, nil
}

// SecureZero wipes every secret the schedule holds
func (ks *KeySchedule) SecureZero() {
	secureZeroBytes(ks.earlySecret)
	secureZeroBytes(ks.handshakeSecret)
	secureZeroBytes(ks.masterSecret)
	secureZeroBytes(ks.clientHandshakeSecret)
	secureZeroBytes(ks.serverHandshakeSecret)
	secureZeroBytes(ks.clientAppSecret)
	secureZeroBytes(ks.serverAppSecret)
}

// ZeroizeAllButServerApp wipes everything except the server application
// secret. The notary calls this after the key split so neither party holds
// the full key set.
func (ks *KeySchedule) ZeroizeAllButServerApp() {
	secureZeroBytes(ks.earlySecret)
	secureZeroBytes(ks.handshakeSecret)
	secureZeroBytes(ks.masterSecret)
	secureZeroBytes(ks.clientHandshakeSecret)
	secureZeroBytes(ks.serverHandshakeSecret)
	secureZeroBytes(ks.clientAppSecret)
	ks.earlySecret = nil
	ks.handshakeSecret = nil
	ks.masterSecret = nil
	ks.clientHandshakeSecret = nil
	ks.serverHandshakeSecret = nil
	ks.clientAppSecret = nil
}

func secureZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
