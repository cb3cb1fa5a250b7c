package commitment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"

	"tlsnotary/shared"
	"tlsnotary/transcript"
)

// BlindingSize is the byte length of the per-range blinding factor
const BlindingSize = 32

// ValueSize is the byte length of a commitment value
const ValueSize = sha256.Size

// Commitment binds one transcript range to a hiding, binding value. The
// blinding factor stays with the prover until the range is disclosed.
type Commitment struct {
	Range    shared.Range
	Value    []byte
	Blinding []byte
}

// Opening is everything a verifier needs to recompute one commitment and
// place it in the attested tree.
type Opening struct {
	Range         shared.Range
	Plaintext     []byte
	Blinding      []byte
	InclusionPath [][]byte
	Index         int
}

// Value computes the commitment value: an HMAC-SHA256 over the canonical
// range encoding and the plaintext, keyed by the blinding factor. The
// HMAC keeps the value hiding while the plaintext stays binding.
func Value(blinding []byte, r shared.Range, plaintext []byte) []byte {
	mac := hmac.New(sha256.New, blinding)
	mac.Write(leafInput(r, plaintext))
	return mac.Sum(nil)
}

func leafInput(r shared.Range, plaintext []byte) []byte {
	buf := make([]byte, 0, 1+8+8+len(plaintext))
	buf = append(buf, byte(r.Direction))
	buf = binary.BigEndian.AppendUint64(buf, r.Start)
	buf = binary.BigEndian.AppendUint64(buf, r.End)
	buf = append(buf, plaintext...)
	return buf
}

// Commit partitions the finalized transcript into the given ranges and
// commits to each with a fresh blinding factor. An empty range set
// defaults to one whole-transcript range per non-empty direction. The
// ranges must tile each direction completely: no overlaps, no gaps, no
// bytes past the end. The result is in canonical order.
func Commit(store *transcript.Store, ranges []shared.Range) ([]Commitment, error) {
	if !store.Finalized() {
		return nil, errors.New("transcript is not finalized")
	}

	sentLen := store.Len(shared.DirectionSent)
	recvLen := store.Len(shared.DirectionReceived)
	if sentLen == 0 && recvLen == 0 {
		return nil, errors.New("transcript is empty")
	}

	if len(ranges) == 0 {
		if sentLen > 0 {
			ranges = append(ranges, shared.Range{Direction: shared.DirectionSent, Start: 0, End: sentLen})
		}
		if recvLen > 0 {
			ranges = append(ranges, shared.Range{Direction: shared.DirectionReceived, Start: 0, End: recvLen})
		}
	}

	sorted := append([]shared.Range(nil), ranges...)
	shared.SortRanges(sorted)
	if err := checkPartition(sorted, sentLen, recvLen); err != nil {
		return nil, err
	}

	commitments := make([]Commitment, 0, len(sorted))
	for _, r := range sorted {
		plaintext, err := store.Extract(r)
		if err != nil {
			return nil, err
		}
		blinding := make([]byte, BlindingSize)
		if _, err := rand.Read(blinding); err != nil {
			return nil, err
		}
		commitments = append(commitments, Commitment{
			Range:    r,
			Value:    Value(blinding, r, plaintext),
			Blinding: blinding,
		})
	}
	return commitments, nil
}

// checkPartition verifies canonically sorted ranges tile both directions
func checkPartition(sorted []shared.Range, sentLen, recvLen uint64) error {
	expect := map[shared.Direction]uint64{
		shared.DirectionSent:     0,
		shared.DirectionReceived: 0,
	}
	limit := map[shared.Direction]uint64{
		shared.DirectionSent:     sentLen,
		shared.DirectionReceived: recvLen,
	}

	for _, r := range sorted {
		if !r.Valid() {
			return &shared.RangeOverlapError{Range: r, Reason: "malformed range"}
		}
		next, ok := expect[r.Direction]
		if !ok {
			return &shared.RangeOverlapError{Range: r, Reason: "unknown direction"}
		}
		if r.Start < next {
			return &shared.RangeOverlapError{Range: r, Reason: "overlaps the preceding range"}
		}
		if r.Start > next {
			return &shared.RangeOverlapError{Range: r, Reason: "leaves a gap in the transcript"}
		}
		if r.End > limit[r.Direction] {
			return &shared.RangeOverlapError{Range: r, Reason: "exceeds transcript bounds"}
		}
		expect[r.Direction] = r.End
	}

	for dir, end := range expect {
		if end != limit[dir] {
			return &shared.RangeOverlapError{
				Range:  shared.Range{Direction: dir, Start: end, End: limit[dir]},
				Reason: "transcript bytes left uncovered",
			}
		}
	}
	return nil
}

// Root computes the transcript root over the commitment values. The input
// order does not matter: values are combined in canonical range order.
func Root(commitments []Commitment) ([]byte, error) {
	if len(commitments) == 0 {
		return nil, errors.New("no commitments")
	}
	sorted := append([]Commitment(nil), commitments...)
	sortCommitments(sorted)
	values := make([][]byte, len(sorted))
	for i, c := range sorted {
		values[i] = c.Value
	}
	return RootFromValues(values)
}

// Open reveals one committed range: its plaintext, blinding factor, and
// the inclusion path tying its value to the root.
func Open(commitments []Commitment, r shared.Range, store *transcript.Store) (*Opening, error) {
	sorted := append([]Commitment(nil), commitments...)
	sortCommitments(sorted)

	index := -1
	for i, c := range sorted {
		if c.Range == r {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, &shared.DisclosureRangeError{Range: r, Reason: "range was not committed"}
	}

	plaintext, err := store.Extract(r)
	if err != nil {
		return nil, err
	}
	values := make([][]byte, len(sorted))
	for i, c := range sorted {
		values[i] = c.Value
	}
	path, err := InclusionPath(values, index)
	if err != nil {
		return nil, err
	}
	return &Opening{
		Range:         r,
		Plaintext:     plaintext,
		Blinding:      append([]byte(nil), sorted[index].Blinding...),
		InclusionPath: path,
		Index:         index,
	}, nil
}

func sortCommitments(commitments []Commitment) {
	sort.Slice(commitments, func(i, j int) bool {
		return commitments[i].Range.Less(commitments[j].Range)
	})
}
