package notary

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"tlsnotary/mpctls"
	"tlsnotary/shared"
)

// Signer produces attestations with the notary's long-term key. The
// clock is injectable so tests get deterministic timestamps.
type Signer struct {
	keyPair *shared.SigningKeyPair
	clock   clockwork.Clock
}

// NewSigner wraps a key pair into a signer.
func NewSigner(keyPair *shared.SigningKeyPair, clock clockwork.Clock) *Signer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{keyPair: keyPair, clock: clock}
}

// Attest builds and signs the attestation for a completed session. The
// engine must have reached the closed state; the transcript root is the
// prover's Merkle root over its commitments. No partial attestation is
// produced on failure.
func (s *Signer) Attest(engine *mpctls.NotaryEngine, transcriptRoot []byte) (*shared.Attestation, error) {
	if err := engine.ReadyToAttest(); err != nil {
		return nil, err
	}
	if len(transcriptRoot) != shared.TranscriptRootSize {
		return nil, &mpctls.ProtocolError{Reason: fmt.Sprintf(
			"transcript root must be %d bytes, got %d", shared.TranscriptRootSize, len(transcriptRoot))}
	}

	att := &shared.Attestation{
		SessionID:      engine.SessionID(),
		TargetHost:     engine.TargetHost(),
		CipherSuite:    engine.CipherSuite(),
		TranscriptRoot: append([]byte(nil), transcriptRoot...),
		Timestamp:      s.clock.Now().Unix(),
	}

	payload, err := att.SigningPayload()
	if err != nil {
		return nil, fmt.Errorf("failed to build signing payload: %w", err)
	}
	signature, err := s.keyPair.SignData(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation: %w", err)
	}
	att.Signature = signature
	return att, nil
}

// PublicKeyBytes returns the uncompressed signing public key.
func (s *Signer) PublicKeyBytes() []byte {
	return s.keyPair.PublicKeyBytes()
}

// AddressHex returns the signer address in hex form.
func (s *Signer) AddressHex() string {
	return s.keyPair.Address().Hex()
}
