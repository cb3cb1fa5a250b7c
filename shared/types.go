package shared

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageType identifies the payload carried by a side-channel envelope
type MessageType string

const (
	MsgSessionOpen       MessageType = "session_open"
	MsgSessionAccepted   MessageType = "session_accepted"
	MsgKeyExchange       MessageType = "key_exchange"
	MsgHandshakeSecrets  MessageType = "handshake_secrets"
	MsgFinishHandshake   MessageType = "finish_handshake"
	MsgKeySplit          MessageType = "key_split"
	MsgRecordSent        MessageType = "record_sent"
	MsgRecordAck         MessageType = "record_ack"
	MsgRecordKeyRequest  MessageType = "record_key_request"
	MsgRecordKeyMaterial MessageType = "record_key_material"
	MsgSessionClose      MessageType = "session_close"
	MsgCloseAck          MessageType = "close_ack"
	MsgAttestRequest     MessageType = "attest_request"
	MsgAttestResponse    MessageType = "attest_response"
	MsgError             MessageType = "error"
)

// Envelope frames every message on the Prover <-> Notary side channel.
// Seq is a per-sender counter starting at 1; receivers reject gaps and
// duplicates.
type Envelope struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *WireError      `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope creates an envelope with a marshaled payload
func NewEnvelope(msgType MessageType, sessionID string, seq uint64, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// NewErrorEnvelope creates an error envelope carrying a wire error
func NewErrorEnvelope(sessionID string, seq uint64, wireErr *WireError) *Envelope {
	return &Envelope{
		Type:      MsgError,
		SessionID: sessionID,
		Seq:       seq,
		Error:     wireErr,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Decode unmarshals the envelope payload into the given value
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Direction tags which way transcript bytes flowed
type Direction uint8

const (
	DirectionSent     Direction = 1
	DirectionReceived Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionSent:
		return "sent"
	case DirectionReceived:
		return "received"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// SessionState tracks a notarization session through its lifecycle
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateKeyExchange SessionState = "key_exchange"
	StateRecordPhase SessionState = "record_phase"
	StateClosing     SessionState = "closing"
	StateClosed      SessionState = "closed"
	StateFailed      SessionState = "failed"
)

// validTransitions holds the allowed state machine edges. Failed is
// reachable from every non-terminal state; nothing leaves a terminal state.
var validTransitions = map[SessionState][]SessionState{
	StateIdle:        {StateKeyExchange, StateFailed},
	StateKeyExchange: {StateRecordPhase, StateFailed},
	StateRecordPhase: {StateClosing, StateFailed},
	StateClosing:     {StateClosed, StateFailed},
	StateClosed:      {},
	StateFailed:      {},
}

// CanTransitionTo reports whether the state machine allows moving to next
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state accepts no further transitions
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// SplitAEADMode selects the tag construction for split AEAD operations
type SplitAEADMode string

const (
	ModeAESGCM           SplitAEADMode = "aes-gcm"
	ModeChacha20Poly1305 SplitAEADMode = "chacha20-poly1305"
)

// TagSecrets carries the per-record material that lets the holder of a
// ciphertext verify its AEAD tag without knowing the record key.
type TagSecrets struct {
	Mode SplitAEADMode `json:"mode"`
	// AES-GCM: GHASH key H = E_K(0^128) and the masked counter block
	// E_K(nonce||1) that finalizes the tag.
	GCMGhashKey      []byte `json:"gcm_ghash_key,omitempty"`
	GCMMaskedCounter []byte `json:"gcm_masked_counter,omitempty"`
	// ChaCha20-Poly1305: the per-record one-time Poly1305 key.
	Poly1305Key []byte `json:"poly1305_key,omitempty"`
}

// Side-channel payloads. Field order mirrors the wire catalog.

// SessionOpenRequest asks the notary to co-compute a new TLS session
type SessionOpenRequest struct {
	TargetHost   string   `json:"target_host"`
	CipherSuites []uint16 `json:"cipher_suites"`
	ProverShare  []byte   `json:"prover_share"` // uncompressed P-256 point aG
	MaxSentData  uint64   `json:"max_sent_data"`
	MaxRecvData  uint64   `json:"max_recv_data"`
	AuthToken    string   `json:"auth_token,omitempty"`
}

// SessionAcceptedData returns the session id and the notary's key share
type SessionAcceptedData struct {
	SessionID   string `json:"session_id"`
	NotaryShare []byte `json:"notary_share"` // uncompressed P-256 point bG
	MaxSentData uint64 `json:"max_sent_data"`
	MaxRecvData uint64 `json:"max_recv_data"`
}

// KeyExchangeRequest starts the joint key derivation. HandshakeMessages
// holds the raw handshake-layer ClientHello and ServerHello, in that order,
// without record headers. The notary checks them against the session
// parameters and finishes the ECDHE computation from the partial point.
type KeyExchangeRequest struct {
	HandshakeMessages [][]byte `json:"handshake_messages"`
	PartialSecret     []byte   `json:"partial_secret"` // prover's a*S contribution
}

// HandshakeSecretsData returns the handshake traffic secrets so the prover
// can read the encrypted server flight. Application secrets are withheld
// until the notary has verified the flight itself.
type HandshakeSecretsData struct {
	CipherSuite    uint16 `json:"cipher_suite"`
	ClientHSSecret []byte `json:"client_hs_secret"`
	ServerHSSecret []byte `json:"server_hs_secret"`
}

// FinishHandshakeRequest forwards the full encrypted server flight, every
// record from the first one after ServerHello through the server Finished,
// so the notary can decrypt and verify it independently.
type FinishHandshakeRequest struct {
	EncryptedFlight [][]byte `json:"encrypted_flight"`
}

// KeySplitData completes the custody split. The prover receives the client
// application traffic secret; the notary keeps the server application
// traffic secret for itself and zeroizes everything else it derived.
type KeySplitData struct {
	ClientAppSecret      []byte `json:"client_app_secret"`
	ServerFinishedHashOK bool   `json:"server_finished_hash_ok"`
}

// RecordSentData logs an outgoing record with the notary
type RecordSentData struct {
	RecordSeq uint64 `json:"record_seq"`
	Record    []byte `json:"record"` // full TLS record including header
}

// RecordAckData confirms a logged record
type RecordAckData struct {
	RecordSeq uint64 `json:"record_seq"`
}

// RecordKeyRequest asks for the decryption material of one received record.
// The notary never sees the ciphertext body, only its digest and length.
type RecordKeyRequest struct {
	RecordSeq        uint64 `json:"record_seq"`
	Header           []byte `json:"header"` // 5-byte record header, the AEAD AAD
	CiphertextDigest []byte `json:"ciphertext_digest"`
	Length           uint32 `json:"length"` // ciphertext length excluding the tag
}

// RecordKeyMaterial returns the keystream and tag secrets for one record
type RecordKeyMaterial struct {
	RecordSeq  uint64     `json:"record_seq"`
	Keystream  []byte     `json:"keystream"`
	TagSecrets TagSecrets `json:"tag_secrets"`
}

// SessionCloseRequest reports the final record counts at session close
type SessionCloseRequest struct {
	SentRecords uint64 `json:"sent_records"`
	RecvRecords uint64 `json:"recv_records"`
}

// CloseAckData confirms a clean close
type CloseAckData struct {
	SessionID string `json:"session_id"`
}

// AttestRequestData asks the notary to sign over the transcript root
type AttestRequestData struct {
	TranscriptRoot []byte `json:"transcript_root"`
}

// AttestResponseData carries the signed attestation
type AttestResponseData struct {
	Attestation Attestation `json:"attestation"`
}

// EnvelopeSequencer enforces the monotonic per-direction counters on a
// side channel. Send and receive sides count independently, both from 1.
type EnvelopeSequencer struct {
	mu         sync.Mutex
	nextSend   uint64
	expectRecv uint64
}

// NewEnvelopeSequencer starts both counters at 1
func NewEnvelopeSequencer() *EnvelopeSequencer {
	return &EnvelopeSequencer{nextSend: 1, expectRecv: 1}
}

// NextSend returns the sequence number to stamp on the next outgoing envelope
func (s *EnvelopeSequencer) NextSend() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSend
	s.nextSend++
	return seq
}

// CheckRecv validates an incoming sequence number. Duplicates and gaps are
// both rejected; on success the expected counter advances.
func (s *EnvelopeSequencer) CheckRecv(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.expectRecv {
		return fmt.Errorf("envelope sequence mismatch: expected %d, got %d", s.expectRecv, seq)
	}
	s.expectRecv++
	return nil
}

// WSConnection wraps a websocket connection with a write mutex so that
// concurrent senders cannot interleave frames.
type WSConnection struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConnection wraps an established websocket connection
func NewWSConnection(conn *websocket.Conn) *WSConnection {
	return &WSConnection{conn: conn}
}

// WriteEnvelope sends an envelope as a JSON frame
func (c *WSConnection) WriteEnvelope(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// ReadEnvelope blocks until the next envelope arrives
func (c *WSConnection) ReadEnvelope() (*Envelope, error) {
	var env Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// SetReadDeadline bounds the next read
func (c *WSConnection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address
func (c *WSConnection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the underlying connection
func (c *WSConnection) Close() error {
	return c.conn.Close()
}
