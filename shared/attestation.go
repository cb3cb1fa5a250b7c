package shared

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// TranscriptRootSize is the byte length of the commitment tree root digest
const TranscriptRootSize = 32

// AttestationVersion identifies the canonical signing payload layout
const AttestationVersion = 1

// ProofVersion identifies the disclosure proof artifact layout
const ProofVersion = 1

// Range identifies a contiguous byte span of the transcript in one
// direction. End is exclusive.
type Range struct {
	Direction Direction `json:"direction"`
	Start     uint64    `json:"start"`
	End       uint64    `json:"end"`
}

// Len returns the number of bytes the range covers
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Valid reports whether the range is well formed
func (r Range) Valid() bool {
	return r.End > r.Start && (r.Direction == DirectionSent || r.Direction == DirectionReceived)
}

// Overlaps reports whether two ranges in the same direction intersect
func (r Range) Overlaps(other Range) bool {
	if r.Direction != other.Direction {
		return false
	}
	return r.Start < other.End && other.Start < r.End
}

// Less orders ranges canonically by (direction, start offset)
func (r Range) Less(other Range) bool {
	if r.Direction != other.Direction {
		return r.Direction < other.Direction
	}
	return r.Start < other.Start
}

func (r Range) String() string {
	return fmt.Sprintf("%s[%d:%d]", r.Direction, r.Start, r.End)
}

// SortRanges sorts ranges into canonical order in place
func SortRanges(ranges []Range) {
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Less(ranges[j])
	})
}

// Attestation is the notary's signed assertion binding a transcript
// commitment root to a session and target host. Timestamp is seconds
// since epoch.
type Attestation struct {
	SessionID      string `json:"session_id"`
	TargetHost     string `json:"target_host"`
	CipherSuite    uint16 `json:"cipher_suite"`
	TranscriptRoot []byte `json:"transcript_root"`
	Timestamp      int64  `json:"timestamp"`
	Signature      []byte `json:"signature"`
}

// SigningPayload returns the canonical serialization the notary signature
// covers: version byte, length-prefixed session id and host, fixed-width
// cipher suite, 32-byte root, 64-bit timestamp. All integers big-endian.
func (a *Attestation) SigningPayload() ([]byte, error) {
	if a.SessionID == "" {
		return nil, fmt.Errorf("attestation has empty session id")
	}
	if a.TargetHost == "" {
		return nil, fmt.Errorf("attestation has empty target host")
	}
	if len(a.SessionID) > 0xffff || len(a.TargetHost) > 0xffff {
		return nil, fmt.Errorf("attestation field exceeds length prefix")
	}
	if len(a.TranscriptRoot) != TranscriptRootSize {
		return nil, fmt.Errorf("transcript root must be %d bytes, got %d", TranscriptRootSize, len(a.TranscriptRoot))
	}
	if a.Timestamp < 0 {
		return nil, fmt.Errorf("attestation has negative timestamp")
	}

	buf := make([]byte, 0, 1+2+len(a.SessionID)+2+len(a.TargetHost)+2+TranscriptRootSize+8)
	buf = append(buf, AttestationVersion)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.SessionID)))
	buf = append(buf, a.SessionID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.TargetHost)))
	buf = append(buf, a.TargetHost...)
	buf = binary.BigEndian.AppendUint16(buf, a.CipherSuite)
	buf = append(buf, a.TranscriptRoot...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(a.Timestamp))
	return buf, nil
}

// ProofEntry is one committed range inside a disclosure proof. Undisclosed
// entries carry only the range and commitment value; disclosed entries add
// the plaintext, the blinding factor and the Merkle inclusion path, so a
// partial proof stays byte-independent of hidden content.
type ProofEntry struct {
	Range          Range    `json:"range"`
	Commitment     []byte   `json:"commitment"`
	Disclosed      bool     `json:"disclosed"`
	Plaintext      []byte   `json:"plaintext,omitempty"`
	BlindingFactor []byte   `json:"blinding_factor,omitempty"`
	InclusionPath  [][]byte `json:"inclusion_path,omitempty"`
}

// DisclosureProof is the offline-verifiable artifact the prover assembles:
// the attestation plus the full canonical commitment list with openings for
// the disclosed subset. Binary fields are base64 in the JSON encoding; the
// signed material uses the canonical binary payload, not JSON.
type DisclosureProof struct {
	Version     int          `json:"version"`
	Attestation Attestation  `json:"attestation"`
	Entries     []ProofEntry `json:"entries"`
}

// WriteFile persists the proof as a JSON artifact with owner-only access
func (p *DisclosureProof) WriteFile(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal proof: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write proof file: %w", err)
	}
	return nil
}

// ReadProofFile loads a proof artifact written by WriteFile
func ReadProofFile(path string) (*DisclosureProof, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proof file: %w", err)
	}
	var proof DisclosureProof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, fmt.Errorf("failed to parse proof file: %w", err)
	}
	return &proof, nil
}
