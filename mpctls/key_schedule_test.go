package mpctls

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex constant %q: %v", s, err)
	}
	return b
}

// Vectors from RFC 8448 section 3 (simple 1-RTT handshake, SHA-256).
func TestKeyScheduleRFC8448(t *testing.T) {
	ks, err := NewKeySchedule(TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("NewKeySchedule: %v", err)
	}

	ks.InitializeEarlySecret()
	wantEarly := mustHex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a")
	if !bytes.Equal(ks.earlySecret, wantEarly) {
		t.Fatalf("early secret mismatch:\nwant %x\ngot  %x", wantEarly, ks.earlySecret)
	}

	derived, err := ks.deriveSecret(ks.earlySecret, labelDerived, nil)
	if err != nil {
		t.Fatalf("deriveSecret: %v", err)
	}
	wantDerived := mustHex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba")
	if !bytes.Equal(derived, wantDerived) {
		t.Fatalf("derived secret mismatch:\nwant %x\ngot  %x", wantDerived, derived)
	}

	ecdheSecret := mustHex(t, "8bd4054fb55b9d63fdfbacf9f04b9f0d35e6d63f537563efd46272900f89492d")
	if err := ks.DeriveHandshakeSecret(ecdheSecret); err != nil {
		t.Fatalf("DeriveHandshakeSecret: %v", err)
	}
	wantHandshake := mustHex(t, "fb9fc80689b3a5d02c33243bf69a1b1b20705588a794304a6e7120155edf149a")
	if !bytes.Equal(ks.handshakeSecret, wantHandshake) {
		t.Fatalf("handshake secret mismatch:\nwant %x\ngot  %x", wantHandshake, ks.handshakeSecret)
	}

	helloHash := mustHex(t, "860c06edc07858ee8e78f0e7428c58edd6b43f2ca3e6e95f02ed063cf0e1cad8")
	if err := ks.DeriveHandshakeTrafficSecrets(helloHash); err != nil {
		t.Fatalf("DeriveHandshakeTrafficSecrets: %v", err)
	}
	wantCHS := mustHex(t, "b3eddb126e067f35a780b3abf45e2d8f3b1a950738f52e9600746a0e27a55a21")
	if !bytes.Equal(ks.ClientHandshakeSecret(), wantCHS) {
		t.Errorf("client handshake traffic secret mismatch:\nwant %x\ngot  %x", wantCHS, ks.ClientHandshakeSecret())
	}
	wantSHS := mustHex(t, "b67b7d690cc16c4e75e54213cb2d37b4e9c912bcded9105d42befd59d391ad38")
	if !bytes.Equal(ks.ServerHandshakeSecret(), wantSHS) {
		t.Errorf("server handshake traffic secret mismatch:\nwant %x\ngot  %x", wantSHS, ks.ServerHandshakeSecret())
	}

	serverKeys, err := ks.DeriveTrafficKeys(ks.ServerHandshakeSecret())
	if err != nil {
		t.Fatalf("DeriveTrafficKeys: %v", err)
	}
	if want := mustHex(t, "3fce516009c21727d0f2e4e86ee403bc"); !bytes.Equal(serverKeys.Key, want) {
		t.Errorf("server handshake write key mismatch:\nwant %x\ngot  %x", want, serverKeys.Key)
	}
	if want := mustHex(t, "5d313eb2671276ee13000b30"); !bytes.Equal(serverKeys.IV, want) {
		t.Errorf("server handshake write IV mismatch:\nwant %x\ngot  %x", want, serverKeys.IV)
	}

	if err := ks.DeriveMasterSecret(); err != nil {
		t.Fatalf("DeriveMasterSecret: %v", err)
	}
	wantMaster := mustHex(t, "18df06843d13a08bf2a449844c5f8a478001bc4d4c627984d5a41da8d0402919")
	if !bytes.Equal(ks.masterSecret, wantMaster) {
		t.Fatalf("master secret mismatch:\nwant %x\ngot  %x", wantMaster, ks.masterSecret)
	}

	finishedHash := mustHex(t, "9608102a0f1ccc6db6250b7b7e417b1a000eaada3daae4777a7686c9ff83df13")
	if err := ks.DeriveApplicationTrafficSecrets(finishedHash); err != nil {
		t.Fatalf("DeriveApplicationTrafficSecrets: %v", err)
	}
	wantCAP := mustHex(t, "9e40646ce79a7f9dc05af8889bce6552875afa0b06df0087f792ebb7c17504a5")
	if !bytes.Equal(ks.ClientAppSecret(), wantCAP) {
		t.Errorf("client application traffic secret mismatch:\nwant %x\ngot  %x", wantCAP, ks.ClientAppSecret())
	}
	wantSAP := mustHex(t, "a11af9f05531f856ad47116b45a950328204b4f44bfb6b3a4b4f1f3fcb631643")
	if !bytes.Equal(ks.ServerAppSecret(), wantSAP) {
		t.Errorf("server application traffic secret mismatch:\nwant %x\ngot  %x", wantSAP, ks.ServerAppSecret())
	}

	clientAppKeys, err := ks.DeriveTrafficKeys(ks.ClientAppSecret())
	if err != nil {
		t.Fatalf("DeriveTrafficKeys: %v", err)
	}
	if want := mustHex(t, "17422dda596ed5d9acd890e3c63f5051"); !bytes.Equal(clientAppKeys.Key, want) {
		t.Errorf("client application write key mismatch:\nwant %x\ngot  %x", want, clientAppKeys.Key)
	}
	if want := mustHex(t, "5b78923dee08579033e523d9"); !bytes.Equal(clientAppKeys.IV, want) {
		t.Errorf("client application write IV mismatch:\nwant %x\ngot  %x", want, clientAppKeys.IV)
	}
}

func TestKeyScheduleEnforcesOrder(t *testing.T) {
	ks, err := NewKeySchedule(TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("NewKeySchedule: %v", err)
	}

	if err := ks.DeriveHandshakeSecret([]byte{1, 2, 3}); err == nil {
		t.Error("expected error before early secret initialization")
	}
	if err := ks.DeriveHandshakeTrafficSecrets(make([]byte, 32)); err == nil {
		t.Error("expected error before handshake secret derivation")
	}
	if err := ks.DeriveMasterSecret(); err == nil {
		t.Error("expected error before handshake secret derivation")
	}
	if err := ks.DeriveApplicationTrafficSecrets(make([]byte, 32)); err == nil {
		t.Error("expected error before master secret derivation")
	}

	ks.InitializeEarlySecret()
	if err := ks.DeriveHandshakeSecret(nil); err == nil {
		t.Error("expected error for empty shared secret")
	}
	if err := ks.DeriveHandshakeSecret(make([]byte, 32)); err != nil {
		t.Fatalf("DeriveHandshakeSecret: %v", err)
	}
	if err := ks.DeriveHandshakeTrafficSecrets(make([]byte, 20)); err == nil {
		t.Error("expected error for wrong transcript hash length")
	}
	if _, err := ks.DeriveTrafficKeys(make([]byte, 16)); err == nil {
		t.Error("expected error for wrong traffic secret length")
	}
}

func TestNewKeyScheduleUnsupportedSuite(t *testing.T) {
	if _, err := NewKeySchedule(0x1234); err == nil {
		t.Fatal("expected error for unknown cipher suite")
	}
}

func TestKeyScheduleSuiteGeometry(t *testing.T) {
	tests := []struct {
		suite    uint16
		hashSize int
		keyLen   int
	}{
		{TLS_AES_128_GCM_SHA256, 32, 16},
		{TLS_AES_256_GCM_SHA384, 48, 32},
		{TLS_CHACHA20_POLY1305_SHA256, 32, 32},
	}
	for _, tc := range tests {
		t.Run(CipherSuiteName(tc.suite), func(t *testing.T) {
			ks, err := NewKeySchedule(tc.suite)
			if err != nil {
				t.Fatalf("NewKeySchedule: %v", err)
			}
			if ks.HashSize() != tc.hashSize {
				t.Errorf("HashSize = %d, want %d", ks.HashSize(), tc.hashSize)
			}
			keys, err := ks.DeriveTrafficKeys(make([]byte, tc.hashSize))
			if err != nil {
				t.Fatalf("DeriveTrafficKeys: %v", err)
			}
			if len(keys.Key) != tc.keyLen {
				t.Errorf("key length = %d, want %d", len(keys.Key), tc.keyLen)
			}
			if len(keys.IV) != 12 {
				t.Errorf("IV length = %d, want 12", len(keys.IV))
			}
		})
	}
}

func TestKeyScheduleFromSecretsExpandsSameKeys(t *testing.T) {
	full, err := NewKeySchedule(TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("NewKeySchedule: %v", err)
	}
	full.InitializeEarlySecret()
	if err := full.DeriveHandshakeSecret(mustHex(t, "8bd4054fb55b9d63fdfbacf9f04b9f0d35e6d63f537563efd46272900f89492d")); err != nil {
		t.Fatalf("DeriveHandshakeSecret: %v", err)
	}
	if err := full.DeriveHandshakeTrafficSecrets(make([]byte, 32)); err != nil {
		t.Fatalf("DeriveHandshakeTrafficSecrets: %v", err)
	}

	rebuilt, err := KeyScheduleFromSecrets(TLS_AES_128_GCM_SHA256,
		full.ClientHandshakeSecret(), full.ServerHandshakeSecret(), nil, nil)
	if err != nil {
		t.Fatalf("KeyScheduleFromSecrets: %v", err)
	}

	wantKeys, err := full.DeriveTrafficKeys(full.ClientHandshakeSecret())
	if err != nil {
		t.Fatalf("DeriveTrafficKeys: %v", err)
	}
	gotKeys, err := rebuilt.DeriveTrafficKeys(rebuilt.ClientHandshakeSecret())
	if err != nil {
		t.Fatalf("DeriveTrafficKeys: %v", err)
	}
	if !bytes.Equal(wantKeys.Key, gotKeys.Key) || !bytes.Equal(wantKeys.IV, gotKeys.IV) {
		t.Error("rebuilt schedule expanded different traffic keys")
	}

	// The chain secrets never crossed, so chain operations must refuse.
	if err := rebuilt.DeriveMasterSecret(); err == nil {
		t.Error("expected error: rebuilt schedule holds no handshake secret")
	}
}

func TestZeroizeAllButServerApp(t *testing.T) {
	ks, err := NewKeySchedule(TLS_AES_128_GCM_SHA256)
	if err != nil {
		t.Fatalf("NewKeySchedule: %v", err)
	}
	ks.InitializeEarlySecret()
	if err := ks.DeriveHandshakeSecret(make([]byte, 32)); err != nil {
		t.Fatalf("DeriveHandshakeSecret: %v", err)
	}
	if err := ks.DeriveHandshakeTrafficSecrets(make([]byte, 32)); err != nil {
		t.Fatalf("DeriveHandshakeTrafficSecrets: %v", err)
	}
	if err := ks.DeriveMasterSecret(); err != nil {
		t.Fatalf("DeriveMasterSecret: %v", err)
	}
	if err := ks.DeriveApplicationTrafficSecrets(make([]byte, 32)); err != nil {
		t.Fatalf("DeriveApplicationTrafficSecrets: %v", err)
	}

	serverApp := append([]byte(nil), ks.ServerAppSecret()...)
	ks.ZeroizeAllButServerApp()

	if ks.earlySecret != nil || ks.handshakeSecret != nil || ks.masterSecret != nil {
		t.Error("chain secrets survived zeroization")
	}
	if ks.ClientHandshakeSecret() != nil || ks.ServerHandshakeSecret() != nil || ks.ClientAppSecret() != nil {
		t.Error("client-side secrets survived zeroization")
	}
	if !bytes.Equal(ks.ServerAppSecret(), serverApp) {
		t.Error("server application secret should survive zeroization")
	}
}
