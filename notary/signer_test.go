package notary

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"tlsnotary/mpctls"
	"tlsnotary/shared"
)

func TestSignerAttestGate(t *testing.T) {
	keys, err := shared.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair failed: %v", err)
	}
	signer := NewSigner(keys, nil)

	engine := mpctls.NewNotaryEngine(testEngineConfig())
	root := bytes.Repeat([]byte{0xaa}, shared.TranscriptRootSize)

	// No attestation before the session has closed cleanly.
	_, err = signer.Attest(engine, root)
	var stateErr *mpctls.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Attest on an idle session = %v, want StateError", err)
	}

	// The gate is a caller error, not a session failure.
	if engine.State() != shared.StateIdle {
		t.Errorf("engine state = %s after rejected attest, want idle", engine.State())
	}
}

func TestSignerKeyAccessors(t *testing.T) {
	keys, err := shared.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair failed: %v", err)
	}
	signer := NewSigner(keys, nil)

	if !bytes.Equal(signer.PublicKeyBytes(), keys.PublicKeyBytes()) {
		t.Error("signer public key does not match the key pair")
	}
	addr := signer.AddressHex()
	if addr != keys.Address().Hex() {
		t.Errorf("AddressHex = %q, want %q", addr, keys.Address().Hex())
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("address %q is not a 0x-prefixed 20-byte hex string", addr)
	}
}
