package verifier

import (
	"bytes"
	"fmt"

	"tlsnotary/commitment"
	"tlsnotary/shared"
)

// Result is the outcome of a proof verification. Failures are values,
// never panics: a proof from an adversary is an expected input.
type Result struct {
	Valid           bool
	Reason          string
	TargetHost      string
	CipherSuite     uint16
	Timestamp       int64
	DisclosedRanges []shared.Range
	Disclosed       map[string][]byte
}

func invalid(format string, args ...interface{}) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Verify checks a disclosure proof against the notary's public key with no
// network access: the signature over the canonical attestation payload,
// the canonical ordering of the committed ranges, the transcript root
// recomputed from the commitment values, and every disclosed opening. The
// outcome is the same whichever subset of ranges was disclosed, as long as
// the openings are consistent with the attested root.
func Verify(proof *shared.DisclosureProof, notaryPublicKey []byte) Result {
	if proof == nil {
		return invalid("missing proof")
	}
	if proof.Version != shared.ProofVersion {
		return invalid("unsupported proof version %d", proof.Version)
	}
	if len(notaryPublicKey) == 0 {
		return invalid("missing notary public key")
	}

	att := proof.Attestation
	payload, err := att.SigningPayload()
	if err != nil {
		return invalid("malformed attestation: %v", err)
	}
	if err := shared.VerifySignature(payload, att.Signature, notaryPublicKey); err != nil {
		return invalid("attestation signature rejected: %v", err)
	}

	if len(proof.Entries) == 0 {
		return invalid("proof has no commitment entries")
	}
	if err := checkCanonicalOrder(proof.Entries); err != nil {
		return invalid("%v", err)
	}

	values := make([][]byte, len(proof.Entries))
	for i, entry := range proof.Entries {
		if len(entry.Commitment) != commitment.ValueSize {
			return invalid("entry %s has a malformed commitment value", entry.Range)
		}
		values[i] = entry.Commitment
	}
	root, err := commitment.RootFromValues(values)
	if err != nil {
		return invalid("root recomputation failed: %v", err)
	}
	if !bytes.Equal(root, att.TranscriptRoot) {
		return invalid("commitments do not reproduce the attested transcript root")
	}

	var disclosedRanges []shared.Range
	disclosed := make(map[string][]byte)
	for i, entry := range proof.Entries {
		if !entry.Disclosed {
			continue
		}
		if uint64(len(entry.Plaintext)) != entry.Range.Len() {
			return invalid("entry %s plaintext does not match the range length", entry.Range)
		}
		if len(entry.BlindingFactor) != commitment.BlindingSize {
			return invalid("entry %s has a malformed blinding factor", entry.Range)
		}
		value := commitment.Value(entry.BlindingFactor, entry.Range, entry.Plaintext)
		if !bytes.Equal(value, entry.Commitment) {
			return invalid("entry %s commitment does not match its opening", entry.Range)
		}
		if !commitment.VerifyInclusion(entry.Commitment, i, len(proof.Entries), entry.InclusionPath, att.TranscriptRoot) {
			return invalid("entry %s inclusion path rejected", entry.Range)
		}
		disclosedRanges = append(disclosedRanges, entry.Range)
		disclosed[entry.Range.String()] = entry.Plaintext
	}
	if len(disclosedRanges) == 0 {
		return invalid("proof discloses no ranges")
	}

	return Result{
		Valid:           true,
		TargetHost:      att.TargetHost,
		CipherSuite:     att.CipherSuite,
		Timestamp:       att.Timestamp,
		DisclosedRanges: disclosedRanges,
		Disclosed:       disclosed,
	}
}

// checkCanonicalOrder enforces the ordering the root computation depends
// on: ranges sorted by (direction, start), each direction tiled from zero
// with no gaps or overlaps.
func checkCanonicalOrder(entries []shared.ProofEntry) error {
	next := map[shared.Direction]uint64{
		shared.DirectionSent:     0,
		shared.DirectionReceived: 0,
	}
	var prev *shared.Range
	for i := range entries {
		r := entries[i].Range
		if !r.Valid() {
			return fmt.Errorf("entry %s is malformed", r)
		}
		if prev != nil && !prev.Less(r) {
			return fmt.Errorf("entry %s is out of canonical order", r)
		}
		if r.Start != next[r.Direction] {
			return fmt.Errorf("entry %s leaves a gap or overlap in the transcript", r)
		}
		next[r.Direction] = r.End
		prev = &entries[i].Range
	}
	return nil
}
