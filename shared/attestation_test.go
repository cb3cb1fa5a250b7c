package shared

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestRangeBasics(t *testing.T) {
	tests := []struct {
		name   string
		r      Range
		valid  bool
		length uint64
	}{
		{"sent span", Range{DirectionSent, 0, 10}, true, 10},
		{"received span", Range{DirectionReceived, 5, 6}, true, 1},
		{"empty", Range{DirectionSent, 4, 4}, false, 0},
		{"inverted", Range{DirectionSent, 10, 2}, false, 0},
		{"bad direction", Range{Direction(7), 0, 10}, false, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.r.Len(); got != tt.length {
				t.Errorf("Len() = %d, want %d", got, tt.length)
			}
		})
	}
}

func TestRangeOverlaps(t *testing.T) {
	base := Range{DirectionSent, 10, 20}

	tests := []struct {
		name  string
		other Range
		want  bool
	}{
		{"identical", Range{DirectionSent, 10, 20}, true},
		{"left edge touch", Range{DirectionSent, 0, 10}, false},
		{"right edge touch", Range{DirectionSent, 20, 30}, false},
		{"straddles start", Range{DirectionSent, 5, 11}, true},
		{"contained", Range{DirectionSent, 12, 18}, true},
		{"containing", Range{DirectionSent, 0, 40}, true},
		{"other direction", Range{DirectionReceived, 10, 20}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Overlaps(tt.other); got != tt.want {
				t.Errorf("%s.Overlaps(%s) = %v, want %v", base, tt.other, got, tt.want)
			}
			if got := tt.other.Overlaps(base); got != tt.want {
				t.Errorf("%s.Overlaps(%s) = %v, want %v", tt.other, base, got, tt.want)
			}
		})
	}
}

func TestSortRangesCanonicalOrder(t *testing.T) {
	ranges := []Range{
		{DirectionReceived, 0, 4},
		{DirectionSent, 8, 12},
		{DirectionReceived, 10, 20},
		{DirectionSent, 0, 8},
	}
	SortRanges(ranges)

	want := []Range{
		{DirectionSent, 0, 8},
		{DirectionSent, 8, 12},
		{DirectionReceived, 0, 4},
		{DirectionReceived, 10, 20},
	}
	for i := range want {
		if ranges[i] != want[i] {
			t.Errorf("ranges[%d] = %s, want %s", i, ranges[i], want[i])
		}
	}
}

func TestRangeString(t *testing.T) {
	r := Range{DirectionReceived, 0, 91}
	if got := r.String(); got != "received[0:91]" {
		t.Errorf("String() = %q, want %q", got, "received[0:91]")
	}
}

func validAttestation() *Attestation {
	return &Attestation{
		SessionID:      "11111111-2222-3333-4444-555555555555",
		TargetHost:     "api.example.com",
		CipherSuite:    0x1301,
		TranscriptRoot: bytes.Repeat([]byte{0xab}, TranscriptRootSize),
		Timestamp:      1700000000,
	}
}

func TestSigningPayloadDeterministic(t *testing.T) {
	att := validAttestation()

	first, err := att.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload failed: %v", err)
	}
	second, err := att.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload failed on second call: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("signing payload is not deterministic")
	}

	wantLen := 1 + 2 + len(att.SessionID) + 2 + len(att.TargetHost) + 2 + TranscriptRootSize + 8
	if len(first) != wantLen {
		t.Errorf("payload length = %d, want %d", len(first), wantLen)
	}
	if first[0] != AttestationVersion {
		t.Errorf("payload version byte = %d, want %d", first[0], AttestationVersion)
	}
}

func TestSigningPayloadBindsEveryField(t *testing.T) {
	base, err := validAttestation().SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload failed: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*Attestation)
	}{
		{"session id", func(a *Attestation) { a.SessionID = "11111111-2222-3333-4444-555555555556" }},
		{"target host", func(a *Attestation) { a.TargetHost = "api.example.org" }},
		{"cipher suite", func(a *Attestation) { a.CipherSuite = 0x1303 }},
		{"transcript root", func(a *Attestation) { a.TranscriptRoot[0] ^= 0x01 }},
		{"timestamp", func(a *Attestation) { a.Timestamp++ }},
	}

	for _, tt := range mutations {
		t.Run(tt.name, func(t *testing.T) {
			att := validAttestation()
			tt.mutate(att)
			payload, err := att.SigningPayload()
			if err != nil {
				t.Fatalf("SigningPayload failed: %v", err)
			}
			if bytes.Equal(payload, base) {
				t.Errorf("payload unchanged after mutating %s", tt.name)
			}
		})
	}
}

func TestSigningPayloadValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Attestation)
	}{
		{"empty session id", func(a *Attestation) { a.SessionID = "" }},
		{"empty target host", func(a *Attestation) { a.TargetHost = "" }},
		{"short root", func(a *Attestation) { a.TranscriptRoot = a.TranscriptRoot[:31] }},
		{"long root", func(a *Attestation) { a.TranscriptRoot = append(a.TranscriptRoot, 0x00) }},
		{"negative timestamp", func(a *Attestation) { a.Timestamp = -1 }},
		{"oversized host", func(a *Attestation) { a.TargetHost = string(bytes.Repeat([]byte{'a'}, 0x10000)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att := validAttestation()
			tt.mutate(att)
			if _, err := att.SigningPayload(); err == nil {
				t.Error("SigningPayload accepted an invalid attestation")
			}
		})
	}
}

func TestProofFileRoundTrip(t *testing.T) {
	proof := &DisclosureProof{
		Version:     ProofVersion,
		Attestation: *validAttestation(),
		Entries: []ProofEntry{
			{
				Range:      Range{DirectionSent, 0, 64},
				Commitment: bytes.Repeat([]byte{0x01}, 32),
				Disclosed:  false,
			},
			{
				Range:          Range{DirectionReceived, 0, 128},
				Commitment:     bytes.Repeat([]byte{0x02}, 32),
				Disclosed:      true,
				Plaintext:      []byte("HTTP/1.1 200 OK\r\n"),
				BlindingFactor: bytes.Repeat([]byte{0x03}, 16),
				InclusionPath:  [][]byte{bytes.Repeat([]byte{0x04}, 32)},
			},
		},
	}

	path := filepath.Join(t.TempDir(), "proof.json")
	if err := proof.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	loaded, err := ReadProofFile(path)
	if err != nil {
		t.Fatalf("ReadProofFile failed: %v", err)
	}
	if loaded.Version != proof.Version {
		t.Errorf("version = %d, want %d", loaded.Version, proof.Version)
	}
	if loaded.Attestation.SessionID != proof.Attestation.SessionID {
		t.Errorf("session id = %q, want %q", loaded.Attestation.SessionID, proof.Attestation.SessionID)
	}
	if len(loaded.Entries) != 2 {
		t.Fatalf("entry count = %d, want 2", len(loaded.Entries))
	}
	if loaded.Entries[0].Disclosed {
		t.Error("undisclosed entry came back disclosed")
	}
	if !bytes.Equal(loaded.Entries[1].Plaintext, proof.Entries[1].Plaintext) {
		t.Error("disclosed plaintext did not survive the round trip")
	}
	if !bytes.Equal(loaded.Entries[1].BlindingFactor, proof.Entries[1].BlindingFactor) {
		t.Error("blinding factor did not survive the round trip")
	}
}

func TestReadProofFileMissing(t *testing.T) {
	if _, err := ReadProofFile(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("ReadProofFile succeeded on a missing file")
	}
}
