package transcript

import (
	"errors"
	"sync"

	"tlsnotary/shared"
)

// Store is the append-only record of the application plaintext exchanged
// during one session, split by direction. The prover appends as records
// clear the joint decryption; after finalization the content is immutable
// and commitments can be taken over it.
type Store struct {
	mu        sync.Mutex
	sent      []byte
	received  []byte
	finalized bool
}

// NewStore creates an empty transcript
func NewStore() *Store {
	return &Store{}
}

// AppendSent adds outgoing plaintext bytes
func (s *Store) AppendSent(b []byte) error {
	return s.append(shared.DirectionSent, b)
}

// AppendReceived adds incoming plaintext bytes
func (s *Store) AppendReceived(b []byte) error {
	return s.append(shared.DirectionReceived, b)
}

func (s *Store) append(dir shared.Direction, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return errors.New("transcript is finalized")
	}
	switch dir {
	case shared.DirectionSent:
		s.sent = append(s.sent, b...)
	case shared.DirectionReceived:
		s.received = append(s.received, b...)
	}
	return nil
}

// Finalize freezes the transcript. Idempotent; appends fail afterwards.
func (s *Store) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
}

// Finalized reports whether the transcript is frozen
func (s *Store) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Len returns the byte count recorded in one direction
func (s *Store) Len(dir shared.Direction) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.bytesFor(dir)))
}

// Extract returns a copy of the bytes a range covers. The range must be
// well formed and inside the transcript bounds.
func (s *Store) Extract(r shared.Range) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !r.Valid() {
		return nil, &shared.DisclosureRangeError{Range: r, Reason: "malformed range"}
	}
	data := s.bytesFor(r.Direction)
	if r.End > uint64(len(data)) {
		return nil, &shared.DisclosureRangeError{Range: r, Reason: "outside transcript bounds"}
	}
	out := make([]byte, r.Len())
	copy(out, data[r.Start:r.End])
	return out, nil
}

func (s *Store) bytesFor(dir shared.Direction) []byte {
	if dir == shared.DirectionSent {
		return s.sent
	}
	return s.received
}
