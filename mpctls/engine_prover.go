package mpctls

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tlsnotary/shared"
)

// maxFlightSize bounds the accumulated server flight. Real flights are a
// few kilobytes of certificates; anything larger is a misbehaving server.
const maxFlightSize = 1 << 17

// ProverEngineConfig carries the session parameters and injected
// collaborators for the prover side of the joint TLS execution.
type ProverEngineConfig struct {
	TargetHost   string
	CipherSuites []uint16
	CertVerifier *CertVerifier
	Logger       *zap.Logger
}

// ProverEngine is the prover-side protocol state machine. It produces the
// bytes for the target connection and the payloads for the notary side
// channel, and consumes what comes back, without touching a socket itself.
//
// The prover holds one additive ECDHE share and, after the custody split,
// the client application traffic secret. Response records can only be
// opened with per-record key material from the notary, which the engine
// verifies against the record tag before trusting the keystream.
type ProverEngine struct {
	state        shared.SessionState
	logger       *zap.Logger
	certVerifier *CertVerifier

	targetHost   string
	cipherSuites []uint16

	sessionID   string
	maxSentData uint64
	maxRecvData uint64

	share         *ECDHEShare
	combinedShare []byte

	clientHelloMsg []byte
	serverHelloMsg []byte
	serverHello    *ServerHelloMsg

	cipherSuite uint16
	ks          *KeySchedule

	scanAEAD      *AEAD
	flightRecords []*Record
	flightBuf     []byte
	flightDone    bool
	flight        *ServerFlight
	certChain     []*x509.Certificate

	clientAppAEAD *AEAD

	sentSeq   uint64
	recvSeq   uint64
	sentBytes uint64
	recvBytes uint64

	pendingSent    bool
	pendingSentLen uint64
	pendingRecv    *Record

	attestation *shared.Attestation
}

// NewProverEngine creates an engine in the idle state. An empty suite list
// defaults to every supported suite in preference order.
func NewProverEngine(cfg ProverEngineConfig) (*ProverEngine, error) {
	if cfg.TargetHost == "" {
		return nil, errors.New("target host missing")
	}
	suites := cfg.CipherSuites
	if len(suites) == 0 {
		suites = SupportedCipherSuites()
	}
	for _, suite := range suites {
		if !CipherSuiteSupported(suite) {
			return nil, fmt.Errorf("unsupported cipher suite 0x%04x", suite)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProverEngine{
		state:        shared.StateIdle,
		logger:       logger,
		certVerifier: cfg.CertVerifier,
		targetHost:   cfg.TargetHost,
		cipherSuites: append([]uint16(nil), suites...),
	}, nil
}

// SessionOpenRequest generates the prover key share and builds the session
// open payload.
func (e *ProverEngine) SessionOpenRequest(maxSentData, maxRecvData uint64, authToken string) (*shared.SessionOpenRequest, error) {
	if e.state != shared.StateIdle || e.share != nil {
		return nil, &StateError{Op: "session_open", State: string(e.state)}
	}
	share, err := GenerateECDHEShare()
	if err != nil {
		return nil, err
	}
	e.share = share
	return &shared.SessionOpenRequest{
		TargetHost:   e.targetHost,
		CipherSuites: append([]uint16(nil), e.cipherSuites...),
		ProverShare:  share.PublicPoint(),
		MaxSentData:  maxSentData,
		MaxRecvData:  maxRecvData,
		AuthToken:    authToken,
	}, nil
}

// HandleSessionAccepted stores the session id, adopts the negotiated caps,
// and computes the joint ClientHello key share.
func (e *ProverEngine) HandleSessionAccepted(d *shared.SessionAcceptedData) error {
	if e.state != shared.StateIdle || e.share == nil {
		return e.fail(&ProtocolError{Reason: fmt.Sprintf("session_accepted in state %s", e.state)})
	}
	if d.SessionID == "" {
		return e.fail(&ProtocolError{Reason: "notary returned an empty session id"})
	}
	combined, err := CombinePublicShares(e.share.PublicPoint(), d.NotaryShare)
	if err != nil {
		return e.fail(&HandshakeError{Reason: "invalid notary key share", Err: err})
	}
	e.sessionID = d.SessionID
	e.combinedShare = combined
	e.maxSentData = d.MaxSentData
	e.maxRecvData = d.MaxRecvData
	e.state = shared.StateKeyExchange
	return nil
}

// BuildClientHello constructs the single ClientHello of the session and
// returns it as a full record for the target connection.
func (e *ProverEngine) BuildClientHello() ([]byte, error) {
	if e.state != shared.StateKeyExchange || e.combinedShare == nil || e.clientHelloMsg != nil {
		return nil, &StateError{Op: "build ClientHello", State: string(e.state)}
	}
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return nil, err
	}
	sessionId := make([]byte, 32)
	if _, err := rand.Read(sessionId); err != nil {
		return nil, err
	}

	hello := &ClientHelloMsg{
		random:          random,
		sessionId:       sessionId,
		cipherSuites:    e.cipherSuites,
		serverName:      e.targetHost,
		supportedCurves: []uint16{secp256r1},
		supportedSignatureAlgorithms: []uint16{
			rsa_pss_rsae_sha256,
			ecdsa_secp256r1_sha256,
			rsa_pss_rsae_sha384,
			ecdsa_secp384r1_sha384,
			rsa_pss_rsae_sha512,
		},
		supportedVersions: []uint16{VersionTLS13},
		keyShares:         []keyShare{{group: secp256r1, data: e.combinedShare}},
	}

	record := hello.Marshal()
	e.clientHelloMsg = append([]byte(nil), record[RecordHeaderSize:]...)
	return record, nil
}

// HandleServerHello parses and validates the server's reply record
func (e *ProverEngine) HandleServerHello(rec *Record) error {
	if e.state != shared.StateKeyExchange || e.clientHelloMsg == nil || e.serverHello != nil {
		return e.fail(&ProtocolError{Reason: fmt.Sprintf("ServerHello in state %s", e.state)})
	}
	if rec.IsAlert() {
		return e.fail(alertFromPlaintext(rec.Fragment))
	}
	if !rec.IsHandshake() {
		return e.fail(&HandshakeError{Reason: fmt.Sprintf("expected a handshake record, got content type %d", rec.Type)})
	}
	sh, err := parseServerHello(rec.Fragment)
	if err != nil {
		return e.fail(&HandshakeError{Reason: "bad ServerHello", Err: err})
	}
	if err := validateServerHello(sh, e.cipherSuites); err != nil {
		return e.fail(err)
	}
	e.serverHello = sh
	e.serverHelloMsg = append([]byte(nil), rec.Fragment...)
	return nil
}

// KeyExchangeRequest computes the prover's partial ECDHE point over the
// server share and bundles it with the hello pair for the notary.
func (e *ProverEngine) KeyExchangeRequest() (*shared.KeyExchangeRequest, error) {
	if e.state != shared.StateKeyExchange || e.serverHello == nil || e.ks != nil {
		return nil, &StateError{Op: "key_exchange", State: string(e.state)}
	}
	partial, err := e.share.PartialSecret(e.serverHello.ServerShare())
	if err != nil {
		return nil, e.fail(&HandshakeError{Reason: "partial ECDHE computation failed", Err: err})
	}
	return &shared.KeyExchangeRequest{
		HandshakeMessages: [][]byte{e.clientHelloMsg, e.serverHelloMsg},
		PartialSecret:     partial,
	}, nil
}

// HandleHandshakeSecrets installs the handshake traffic secrets so the
// engine can read the encrypted server flight.
func (e *ProverEngine) HandleHandshakeSecrets(d *shared.HandshakeSecretsData) error {
	if e.state != shared.StateKeyExchange || e.serverHello == nil || e.ks != nil {
		return e.fail(&ProtocolError{Reason: fmt.Sprintf("handshake_secrets in state %s", e.state)})
	}
	if d.CipherSuite != e.serverHello.CipherSuite() {
		return e.fail(&ProtocolError{Reason: fmt.Sprintf("notary reported cipher suite 0x%04x, server selected 0x%04x", d.CipherSuite, e.serverHello.CipherSuite())})
	}
	ks, err := KeyScheduleFromSecrets(d.CipherSuite, d.ClientHSSecret, d.ServerHSSecret, nil, nil)
	if err != nil {
		return e.fail(err)
	}
	if len(d.ClientHSSecret) != ks.HashSize() || len(d.ServerHSSecret) != ks.HashSize() {
		return e.fail(&ProtocolError{Reason: "handshake secret length does not match the suite hash"})
	}

	keys, err := ks.DeriveTrafficKeys(ks.ServerHandshakeSecret())
	if err != nil {
		return e.fail(err)
	}
	scanAEAD, err := NewAEAD(keys.Key, keys.IV, d.CipherSuite)
	keys.SecureZero()
	if err != nil {
		return e.fail(err)
	}

	e.ks = ks
	e.cipherSuite = d.CipherSuite
	e.scanAEAD = scanAEAD
	e.share.SecureZero()
	return nil
}

// AddFlightRecord consumes one record read from the target after
// ServerHello. It reports true once the server Finished has been seen,
// at which point the flight is complete.
func (e *ProverEngine) AddFlightRecord(rec *Record) (bool, error) {
	if e.state != shared.StateKeyExchange || e.scanAEAD == nil || e.flightDone {
		return false, e.fail(&ProtocolError{Reason: fmt.Sprintf("flight record in state %s", e.state)})
	}
	if rec.IsAlert() {
		return false, e.fail(alertFromPlaintext(rec.Fragment))
	}
	if rec.IsChangeCipherSpec() {
		e.flightRecords = append(e.flightRecords, rec)
		return false, nil
	}
	if !rec.IsApplicationData() {
		return false, e.fail(&HandshakeError{Reason: fmt.Sprintf("unexpected content type %d in server flight", rec.Type)})
	}

	inner, err := e.scanAEAD.Decrypt(rec.Fragment, rec.Header())
	if err != nil {
		return false, e.fail(&HandshakeError{Reason: "failed to decrypt server flight record", Err: err})
	}
	payload, contentType, err := UnpadInnerPlaintext(inner)
	if err != nil {
		return false, e.fail(&HandshakeError{Reason: "bad record padding in server flight", Err: err})
	}
	if contentType == recordTypeAlert {
		return false, e.fail(alertFromPlaintext(payload))
	}
	if contentType != recordTypeHandshake {
		return false, e.fail(&HandshakeError{Reason: fmt.Sprintf("unexpected inner content type %d in server flight", contentType)})
	}

	e.flightRecords = append(e.flightRecords, rec)
	e.flightBuf = append(e.flightBuf, payload...)
	if len(e.flightBuf) > maxFlightSize {
		return false, e.fail(&HandshakeError{Reason: "server flight exceeds size limit"})
	}

	// Walk the complete messages accumulated so far; Finished ends the
	// flight. A partial trailing message just waits for the next record.
	off := 0
	for off+4 <= len(e.flightBuf) {
		msgLen := int(e.flightBuf[off+1])<<16 | int(e.flightBuf[off+2])<<8 | int(e.flightBuf[off+3])
		if off+4+msgLen > len(e.flightBuf) {
			break
		}
		if HandshakeType(e.flightBuf[off]) == typeFinished {
			e.flightDone = true
			return true, nil
		}
		off += 4 + msgLen
	}
	return false, nil
}

// FinishHandshakeRequest verifies the collected flight locally and bundles
// the raw records for the notary's independent verification.
func (e *ProverEngine) FinishHandshakeRequest() (*shared.FinishHandshakeRequest, error) {
	if e.state != shared.StateKeyExchange || !e.flightDone {
		return nil, &StateError{Op: "finish_handshake", State: string(e.state)}
	}

	keys, err := e.ks.DeriveTrafficKeys(e.ks.ServerHandshakeSecret())
	if err != nil {
		return nil, e.fail(err)
	}
	serverAEAD, err := NewAEAD(keys.Key, keys.IV, e.cipherSuite)
	keys.SecureZero()
	if err != nil {
		return nil, e.fail(err)
	}

	transcript := make([]byte, 0, len(e.clientHelloMsg)+len(e.serverHelloMsg))
	transcript = append(transcript, e.clientHelloMsg...)
	transcript = append(transcript, e.serverHelloMsg...)
	flight, err := ProcessServerFlight(e.flightRecords, serverAEAD, e.ks, transcript)
	if err != nil {
		return nil, e.fail(err)
	}
	if e.certVerifier != nil {
		if err := e.certVerifier.VerifyChain(flight.CertificateChain, e.targetHost); err != nil {
			return nil, e.fail(err)
		}
	}
	e.flight = flight
	e.certChain = flight.CertificateChain

	raw := make([][]byte, 0, len(e.flightRecords))
	for _, rec := range e.flightRecords {
		raw = append(raw, rec.Bytes())
	}
	return &shared.FinishHandshakeRequest{EncryptedFlight: raw}, nil
}

// HandleKeySplit completes the handshake with the client application
// secret from the notary. It returns the records to write to the target:
// a change_cipher_spec for middlebox compatibility and the encrypted
// client Finished.
func (e *ProverEngine) HandleKeySplit(d *shared.KeySplitData) ([][]byte, error) {
	if e.state != shared.StateKeyExchange || e.flight == nil {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("key_split in state %s", e.state)})
	}
	if !d.ServerFinishedHashOK {
		return nil, e.fail(&HandshakeError{Reason: "notary rejected the server Finished"})
	}
	if len(d.ClientAppSecret) != e.ks.HashSize() {
		return nil, e.fail(&ProtocolError{Reason: "client application secret length does not match the suite hash"})
	}

	finished, err := BuildClientFinished(e.ks, e.flight.TranscriptThroughFinished)
	if err != nil {
		return nil, e.fail(err)
	}
	hsKeys, err := e.ks.DeriveTrafficKeys(e.ks.ClientHandshakeSecret())
	if err != nil {
		return nil, e.fail(err)
	}
	clientHsAEAD, err := NewAEAD(hsKeys.Key, hsKeys.IV, e.cipherSuite)
	hsKeys.SecureZero()
	if err != nil {
		return nil, e.fail(err)
	}
	finishedRec, err := clientHsAEAD.SealRecord(recordTypeHandshake, finished)
	if err != nil {
		return nil, e.fail(err)
	}

	appKeys, err := e.ks.DeriveTrafficKeys(d.ClientAppSecret)
	if err != nil {
		return nil, e.fail(err)
	}
	clientAppAEAD, err := NewAEAD(appKeys.Key, appKeys.IV, e.cipherSuite)
	appKeys.SecureZero()
	if err != nil {
		return nil, e.fail(err)
	}
	secureZeroBytes(d.ClientAppSecret)

	e.clientAppAEAD = clientAppAEAD
	e.ks.SecureZero()
	e.ks = nil
	e.scanAEAD = nil
	e.flightRecords = nil
	e.flightBuf = nil
	e.flight = nil
	e.state = shared.StateRecordPhase

	e.logger.Info("handshake complete",
		zap.String("target_host", e.targetHost),
		zap.String("cipher_suite", CipherSuiteName(e.cipherSuite)))

	ccs := BuildRecord(recordTypeChangeCipherSpec, []byte{1})
	return [][]byte{ccs, finishedRec.Bytes()}, nil
}

// EncryptRecord seals one application record under the client keys and
// builds the matching sync payload. The record must not be written to the
// target before the notary acknowledges it.
func (e *ProverEngine) EncryptRecord(plaintext []byte) (*Record, *shared.RecordSentData, error) {
	if e.state != shared.StateRecordPhase {
		return nil, nil, &StateError{Op: "encrypt_record", State: string(e.state)}
	}
	if e.pendingSent || e.pendingRecv != nil {
		return nil, nil, &ProtocolError{Reason: "a record operation is already pending"}
	}
	if len(plaintext) == 0 {
		return nil, nil, errors.New("empty record payload")
	}
	projected := uint64(len(plaintext) + 1 + TagSize)
	if e.sentBytes+projected > e.maxSentData {
		return nil, nil, &LimitError{What: "sent data", Limit: e.maxSentData}
	}

	rec, err := e.clientAppAEAD.SealRecord(recordTypeApplicationData, plaintext)
	if err != nil {
		return nil, nil, err
	}
	e.pendingSent = true
	e.pendingSentLen = uint64(rec.Length)
	return rec, &shared.RecordSentData{RecordSeq: e.sentSeq, Record: rec.Bytes()}, nil
}

// HandleRecordAck confirms the notary logged the pending sent record
func (e *ProverEngine) HandleRecordAck(d *shared.RecordAckData) error {
	if e.state != shared.StateRecordPhase || !e.pendingSent {
		return e.fail(&ProtocolError{Reason: fmt.Sprintf("record_ack in state %s", e.state)})
	}
	if d.RecordSeq != e.sentSeq {
		return e.fail(&SequenceError{What: "record ack", Expected: e.sentSeq, Got: d.RecordSeq})
	}
	e.sentBytes += e.pendingSentLen
	e.sentSeq++
	e.pendingSent = false
	e.pendingSentLen = 0
	return nil
}

// DecryptRecordRequest builds the key material request for one record read
// from the target. The notary learns the header, digest, and length, never
// the ciphertext body.
func (e *ProverEngine) DecryptRecordRequest(rec *Record) (*shared.RecordKeyRequest, error) {
	if e.state != shared.StateRecordPhase {
		return nil, &StateError{Op: "decrypt_record", State: string(e.state)}
	}
	if e.pendingSent || e.pendingRecv != nil {
		return nil, &ProtocolError{Reason: "a record operation is already pending"}
	}
	if !rec.IsApplicationData() {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("received record has content type %d", rec.Type)})
	}
	if rec.Length <= TagSize {
		return nil, e.fail(&ProtocolError{Reason: "received record is too short for a tag"})
	}
	length := uint64(rec.Length) - TagSize
	if e.recvBytes+length > e.maxRecvData {
		return nil, e.fail(&LimitError{What: "received data", Limit: e.maxRecvData})
	}

	digest := sha256.Sum256(rec.Fragment)
	e.pendingRecv = rec
	return &shared.RecordKeyRequest{
		RecordSeq:        e.recvSeq,
		Header:           rec.Header(),
		CiphertextDigest: digest[:],
		Length:           uint32(length),
	}, nil
}

// HandleRecordKeyMaterial verifies the pending record's tag with the
// returned secrets, then recovers the plaintext from the keystream. The
// returned content type distinguishes application data from post-handshake
// messages and alerts.
func (e *ProverEngine) HandleRecordKeyMaterial(d *shared.RecordKeyMaterial) ([]byte, byte, error) {
	if e.state != shared.StateRecordPhase || e.pendingRecv == nil {
		return nil, 0, e.fail(&ProtocolError{Reason: fmt.Sprintf("record_key_material in state %s", e.state)})
	}
	if d.RecordSeq != e.recvSeq {
		return nil, 0, e.fail(&SequenceError{What: "record key material", Expected: e.recvSeq, Got: d.RecordSeq})
	}
	rec := e.pendingRecv
	ciphertext := rec.Fragment[:len(rec.Fragment)-TagSize]
	tag := rec.Fragment[len(rec.Fragment)-TagSize:]
	if len(d.Keystream) != len(ciphertext) {
		return nil, 0, e.fail(&ProtocolError{Reason: fmt.Sprintf("keystream length %d does not match record %d", len(d.Keystream), d.RecordSeq)})
	}

	if err := VerifyTagFromSecrets(&d.TagSecrets, rec.Header(), ciphertext, tag); err != nil {
		return nil, 0, e.fail(&ProtocolError{Reason: fmt.Sprintf("record %d tag verification failed", d.RecordSeq)})
	}

	inner := make([]byte, len(ciphertext))
	for i := range ciphertext {
		inner[i] = ciphertext[i] ^ d.Keystream[i]
	}
	plaintext, contentType, err := UnpadInnerPlaintext(inner)
	if err != nil {
		return nil, 0, e.fail(err)
	}

	e.recvBytes += uint64(len(ciphertext))
	e.recvSeq++
	e.pendingRecv = nil

	if contentType == recordTypeAlert {
		alertErr := alertFromPlaintext(plaintext)
		var alert *AlertError
		if errors.As(alertErr, &alert) && alert.IsCloseNotify() {
			// Orderly shutdown from the server, not a failure.
			return nil, contentType, alertErr
		}
		return nil, contentType, e.fail(alertErr)
	}
	return plaintext, contentType, nil
}

// CloseReport transitions to closing and builds the record count report
func (e *ProverEngine) CloseReport() (*shared.SessionCloseRequest, error) {
	if e.state != shared.StateRecordPhase {
		return nil, &StateError{Op: "session_close", State: string(e.state)}
	}
	if e.pendingSent || e.pendingRecv != nil {
		return nil, &ProtocolError{Reason: "a record operation is still pending"}
	}
	e.state = shared.StateClosing
	return &shared.SessionCloseRequest{
		SentRecords: e.sentSeq,
		RecvRecords: e.recvSeq,
	}, nil
}

// HandleCloseAck confirms the clean close and drops the record keys
func (e *ProverEngine) HandleCloseAck(d *shared.CloseAckData) error {
	if e.state != shared.StateClosing {
		return e.fail(&ProtocolError{Reason: fmt.Sprintf("close_ack in state %s", e.state)})
	}
	if d.SessionID != e.sessionID {
		return e.fail(&ProtocolError{Reason: "close_ack for a different session"})
	}
	e.clientAppAEAD = nil
	e.state = shared.StateClosed
	return nil
}

// AttestRequest builds the attestation request for the transcript root
func (e *ProverEngine) AttestRequest(root []byte) (*shared.AttestRequestData, error) {
	if e.state != shared.StateClosed {
		return nil, &StateError{Op: "attest", State: string(e.state)}
	}
	if len(root) != shared.TranscriptRootSize {
		return nil, fmt.Errorf("transcript root must be %d bytes, got %d", shared.TranscriptRootSize, len(root))
	}
	return &shared.AttestRequestData{TranscriptRoot: append([]byte(nil), root...)}, nil
}

// HandleAttestResponse checks the attestation against the session before
// accepting it. The signature itself is verified by the caller against the
// notary public key.
func (e *ProverEngine) HandleAttestResponse(d *shared.AttestResponseData, root []byte) (*shared.Attestation, error) {
	if e.state != shared.StateClosed {
		return nil, &StateError{Op: "attest_response", State: string(e.state)}
	}
	att := d.Attestation
	if att.SessionID != e.sessionID {
		return nil, &ProtocolError{Reason: "attestation names a different session"}
	}
	if att.TargetHost != e.targetHost {
		return nil, &ProtocolError{Reason: "attestation names a different target host"}
	}
	if att.CipherSuite != e.cipherSuite {
		return nil, &ProtocolError{Reason: "attestation names a different cipher suite"}
	}
	if !bytes.Equal(att.TranscriptRoot, root) {
		return nil, &ProtocolError{Reason: "attestation covers a different transcript root"}
	}
	if len(att.Signature) != shared.SignatureSize {
		return nil, &ProtocolError{Reason: "attestation signature has the wrong length"}
	}
	e.attestation = &att
	return &att, nil
}

// Fail moves the engine to the failed state and wipes all key material
func (e *ProverEngine) Fail(reason string) {
	if !e.state.CanTransitionTo(shared.StateFailed) {
		return
	}
	e.state = shared.StateFailed
	e.zeroize()
	e.logger.Warn("session failed", zap.String("reason", reason))
}

func (e *ProverEngine) fail(err error) error {
	if e.state.CanTransitionTo(shared.StateFailed) {
		e.state = shared.StateFailed
		e.zeroize()
		e.logger.Warn("session failed", zap.Error(err))
	}
	return err
}

func (e *ProverEngine) zeroize() {
	if e.share != nil {
		e.share.SecureZero()
	}
	if e.ks != nil {
		e.ks.SecureZero()
		e.ks = nil
	}
	e.scanAEAD = nil
	e.clientAppAEAD = nil
	e.flightRecords = nil
	e.flightBuf = nil
	e.flight = nil
	e.pendingRecv = nil
}

// State returns the current session state
func (e *ProverEngine) State() shared.SessionState { return e.state }

// SessionID returns the notary-assigned session identifier
func (e *ProverEngine) SessionID() string { return e.sessionID }

// CipherSuite returns the negotiated suite, zero before key exchange
func (e *ProverEngine) CipherSuite() uint16 { return e.cipherSuite }

// CertificateChain returns the verified server certificates
func (e *ProverEngine) CertificateChain() []*x509.Certificate { return e.certChain }

// Attestation returns the accepted attestation, nil before attest_response
func (e *ProverEngine) Attestation() *shared.Attestation { return e.attestation }

// RecordCounts returns the number of sent and received records
func (e *ProverEngine) RecordCounts() (sent, recv uint64) {
	return e.sentSeq, e.recvSeq
}

// validateServerHello checks the negotiated parameters both parties verify
// independently before any secret is derived.
func validateServerHello(sh *ServerHelloMsg, offered []uint16) error {
	if sh.IsHelloRetryRequest() {
		return &HandshakeError{Reason: "server sent HelloRetryRequest"}
	}
	if sh.supportedVersion != VersionTLS13 {
		return &HandshakeError{Reason: fmt.Sprintf("server negotiated version 0x%04x, want TLS 1.3", sh.supportedVersion)}
	}
	suite := sh.CipherSuite()
	if !CipherSuiteSupported(suite) || !containsSuite(offered, suite) {
		return &HandshakeError{Reason: fmt.Sprintf("server selected unacceptable cipher suite 0x%04x", suite)}
	}
	if sh.serverShare.group != secp256r1 || len(sh.ServerShare()) != KeySharePointSize {
		return &HandshakeError{Reason: "server key share is not an uncompressed secp256r1 point"}
	}
	return nil
}
