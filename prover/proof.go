package prover

import (
	"tlsnotary/commitment"
	"tlsnotary/shared"
	"tlsnotary/transcript"
)

// BuildCommitRanges turns the caller's disclosure selection into a full
// transcript partition: the disclosed ranges verbatim plus gap ranges
// covering everything else. An empty selection discloses the whole
// transcript. Errors come back typed so they map to the disclosure_range
// wire code.
func BuildCommitRanges(store *transcript.Store, disclose []shared.Range) ([]shared.Range, error) {
	for _, r := range disclose {
		if !r.Valid() {
			return nil, &shared.DisclosureRangeError{Range: r, Reason: "malformed range"}
		}
		if r.End > store.Len(r.Direction) {
			return nil, &shared.DisclosureRangeError{Range: r, Reason: "outside transcript bounds"}
		}
	}

	if len(disclose) == 0 {
		var all []shared.Range
		for _, dir := range []shared.Direction{shared.DirectionSent, shared.DirectionReceived} {
			if n := store.Len(dir); n > 0 {
				all = append(all, shared.Range{Direction: dir, Start: 0, End: n})
			}
		}
		return all, nil
	}

	sorted := make([]shared.Range, len(disclose))
	copy(sorted, disclose)
	shared.SortRanges(sorted)

	var full []shared.Range
	for _, dir := range []shared.Direction{shared.DirectionSent, shared.DirectionReceived} {
		total := store.Len(dir)
		cursor := uint64(0)
		for _, r := range sorted {
			if r.Direction != dir {
				continue
			}
			if r.Start < cursor {
				return nil, &shared.DisclosureRangeError{Range: r, Reason: "overlaps a preceding range"}
			}
			if r.Start > cursor {
				full = append(full, shared.Range{Direction: dir, Start: cursor, End: r.Start})
			}
			full = append(full, r)
			cursor = r.End
		}
		if cursor < total {
			full = append(full, shared.Range{Direction: dir, Start: cursor, End: total})
		}
	}
	return full, nil
}

// AssembleProof builds the disclosure artifact from the attestation and
// the canonical commitment list. Only ranges in the disclosed set get
// plaintext, blinding and inclusion path; the rest stay opaque.
func AssembleProof(att *shared.Attestation, commitments []commitment.Commitment, disclosed []shared.Range, store *transcript.Store) (*shared.DisclosureProof, error) {
	discloseSet := make(map[shared.Range]bool, len(disclosed))
	for _, r := range disclosed {
		discloseSet[r] = true
	}

	entries := make([]shared.ProofEntry, 0, len(commitments))
	for _, c := range commitments {
		entry := shared.ProofEntry{
			Range:      c.Range,
			Commitment: append([]byte(nil), c.Value...),
		}
		if discloseSet[c.Range] {
			opening, err := commitment.Open(commitments, c.Range, store)
			if err != nil {
				return nil, err
			}
			entry.Disclosed = true
			entry.Plaintext = opening.Plaintext
			entry.BlindingFactor = opening.Blinding
			entry.InclusionPath = opening.InclusionPath
		}
		entries = append(entries, entry)
	}

	return &shared.DisclosureProof{
		Version:     shared.ProofVersion,
		Attestation: *att,
		Entries:     entries,
	}, nil
}
