package mpctls

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"

	"tlsnotary/shared"
)

// NotaryEngineConfig carries the per-session parameters and injected
// collaborators for the notary side of the joint TLS execution.
type NotaryEngineConfig struct {
	SessionID    string
	MaxSentData  uint64
	MaxRecvData  uint64
	CertVerifier *CertVerifier
	Logger       *zap.Logger
}

// NotaryEngine is the notary-side protocol state machine. Each handler
// consumes one side-channel payload and produces the reply, so the engine
// can be driven loopback in tests without sockets. Any protocol violation
// moves the engine to the failed state and wipes all key material.
//
// The joint key derivation runs in two rounds. First the notary finishes
// the ECDHE computation from the prover's partial point and hands back the
// handshake traffic secrets, which is the minimum the prover needs to read
// the encrypted server flight. Once the prover forwards the flight, the
// notary decrypts and verifies it independently, derives the application
// traffic secrets, and releases only the client half: the server
// application traffic secret never leaves the notary, so response records
// can only be decrypted through the per-record key material requests.
type NotaryEngine struct {
	sessionID    string
	state        shared.SessionState
	logger       *zap.Logger
	certVerifier *CertVerifier

	maxSentData uint64
	maxRecvData uint64

	targetHost    string
	offeredSuites []uint16
	cipherSuite   uint16

	share         *ECDHEShare
	combinedShare []byte
	transcript    []byte

	ks        *KeySchedule
	splitAEAD *SplitAEAD

	sentSeq   uint64
	recvSeq   uint64
	sentBytes uint64
	recvBytes uint64
	sentLog   [][]byte
	recvLog   [][]byte
}

// NewNotaryEngine creates an engine in the idle state
func NewNotaryEngine(cfg NotaryEngineConfig) *NotaryEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotaryEngine{
		sessionID:    cfg.SessionID,
		state:        shared.StateIdle,
		logger:       logger,
		certVerifier: cfg.CertVerifier,
		maxSentData:  cfg.MaxSentData,
		maxRecvData:  cfg.MaxRecvData,
	}
}

// HandleSessionOpen validates the session parameters, generates the notary
// key share, and computes the joint ClientHello share.
func (e *NotaryEngine) HandleSessionOpen(req *shared.SessionOpenRequest) (*shared.SessionAcceptedData, error) {
	if e.state != shared.StateIdle {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("session_open in state %s", e.state)})
	}
	if req.TargetHost == "" {
		return nil, e.fail(&HandshakeError{Reason: "target host missing"})
	}
	if len(req.CipherSuites) == 0 {
		return nil, e.fail(&HandshakeError{Reason: "no cipher suites offered"})
	}
	for _, suite := range req.CipherSuites {
		if !CipherSuiteSupported(suite) {
			return nil, e.fail(&HandshakeError{Reason: fmt.Sprintf("unsupported cipher suite 0x%04x", suite)})
		}
	}

	share, err := GenerateECDHEShare()
	if err != nil {
		return nil, e.fail(err)
	}
	combined, err := CombinePublicShares(req.ProverShare, share.PublicPoint())
	if err != nil {
		return nil, e.fail(&HandshakeError{Reason: "invalid prover key share", Err: err})
	}

	e.share = share
	e.combinedShare = combined
	e.targetHost = req.TargetHost
	e.offeredSuites = append([]uint16(nil), req.CipherSuites...)
	// Session caps may tighten the server-wide maxima, never widen them.
	if req.MaxSentData > 0 && req.MaxSentData < e.maxSentData {
		e.maxSentData = req.MaxSentData
	}
	if req.MaxRecvData > 0 && req.MaxRecvData < e.maxRecvData {
		e.maxRecvData = req.MaxRecvData
	}
	e.state = shared.StateKeyExchange

	e.logger.Info("session opened",
		zap.String("target_host", req.TargetHost),
		zap.Uint64("max_sent_data", e.maxSentData),
		zap.Uint64("max_recv_data", e.maxRecvData))

	return &shared.SessionAcceptedData{
		SessionID:   e.sessionID,
		NotaryShare: share.PublicPoint(),
		MaxSentData: e.maxSentData,
		MaxRecvData: e.maxRecvData,
	}, nil
}

// HandleKeyExchange finishes the ECDHE computation from the prover's
// partial point, cross-checks the hello pair against the session
// parameters, and derives the handshake traffic secrets.
func (e *NotaryEngine) HandleKeyExchange(req *shared.KeyExchangeRequest) (*shared.HandshakeSecretsData, error) {
	if e.state != shared.StateKeyExchange || e.ks != nil {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("key_exchange in state %s", e.state)})
	}
	if len(req.HandshakeMessages) != 2 {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("expected 2 handshake messages, got %d", len(req.HandshakeMessages))})
	}
	chMsg, shMsg := req.HandshakeMessages[0], req.HandshakeMessages[1]

	chInfo, err := parseClientHelloInfo(chMsg)
	if err != nil {
		return nil, e.fail(&HandshakeError{Reason: "bad ClientHello", Err: err})
	}
	if !bytes.Equal(chInfo.KeyShare, e.combinedShare) {
		return nil, e.fail(&HandshakeError{Reason: "ClientHello key share is not the joint share"})
	}
	if chInfo.ServerName != e.targetHost {
		return nil, e.fail(&HandshakeError{Reason: fmt.Sprintf("ClientHello SNI %q does not match target %q", chInfo.ServerName, e.targetHost)})
	}

	sh, err := parseServerHello(shMsg)
	if err != nil {
		return nil, e.fail(&HandshakeError{Reason: "bad ServerHello", Err: err})
	}
	if err := validateServerHello(sh, e.offeredSuites); err != nil {
		return nil, e.fail(err)
	}
	suite := sh.CipherSuite()
	if !containsSuite(chInfo.CipherSuites, suite) {
		return nil, e.fail(&HandshakeError{Reason: fmt.Sprintf("server selected cipher suite 0x%04x the ClientHello never offered", suite)})
	}

	sharedSecret, err := e.share.CombineSharedSecret(req.PartialSecret, sh.ServerShare())
	if err != nil {
		return nil, e.fail(&HandshakeError{Reason: "ECDHE combination failed", Err: err})
	}

	ks, err := NewKeySchedule(suite)
	if err != nil {
		return nil, e.fail(err)
	}
	ks.InitializeEarlySecret()
	if err := ks.DeriveHandshakeSecret(sharedSecret); err != nil {
		return nil, e.fail(err)
	}
	secureZeroBytes(sharedSecret)

	transcript := make([]byte, 0, len(chMsg)+len(shMsg))
	transcript = append(transcript, chMsg...)
	transcript = append(transcript, shMsg...)
	if err := ks.DeriveHandshakeTrafficSecrets(hashTranscript(ks, transcript)); err != nil {
		return nil, e.fail(err)
	}

	e.ks = ks
	e.transcript = transcript
	e.cipherSuite = suite
	e.share.SecureZero()

	e.logger.Info("handshake secrets derived", zap.String("cipher_suite", CipherSuiteName(suite)))

	return &shared.HandshakeSecretsData{
		CipherSuite:    suite,
		ClientHSSecret: append([]byte(nil), ks.ClientHandshakeSecret()...),
		ServerHSSecret: append([]byte(nil), ks.ServerHandshakeSecret()...),
	}, nil
}

// HandleFinishHandshake independently decrypts and verifies the encrypted
// server flight, validates the certificate chain against the target host,
// and completes the custody split of the application traffic secrets.
func (e *NotaryEngine) HandleFinishHandshake(req *shared.FinishHandshakeRequest) (*shared.KeySplitData, error) {
	if e.state != shared.StateKeyExchange || e.ks == nil {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("finish_handshake in state %s", e.state)})
	}
	if len(req.EncryptedFlight) == 0 {
		return nil, e.fail(&ProtocolError{Reason: "empty server flight"})
	}

	records := make([]*Record, 0, len(req.EncryptedFlight))
	for i, raw := range req.EncryptedFlight {
		rec, err := ParseRecord(raw)
		if err != nil {
			return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("flight record %d: %v", i, err)})
		}
		records = append(records, rec)
	}

	serverKeys, err := e.ks.DeriveTrafficKeys(e.ks.ServerHandshakeSecret())
	if err != nil {
		return nil, e.fail(err)
	}
	serverAEAD, err := NewAEAD(serverKeys.Key, serverKeys.IV, e.cipherSuite)
	serverKeys.SecureZero()
	if err != nil {
		return nil, e.fail(err)
	}

	flight, err := ProcessServerFlight(records, serverAEAD, e.ks, e.transcript)
	if err != nil {
		return nil, e.fail(err)
	}
	if e.certVerifier != nil {
		if err := e.certVerifier.VerifyChain(flight.CertificateChain, e.targetHost); err != nil {
			return nil, e.fail(err)
		}
	}

	if err := e.ks.DeriveMasterSecret(); err != nil {
		return nil, e.fail(err)
	}
	if err := e.ks.DeriveApplicationTrafficSecrets(hashTranscript(e.ks, flight.TranscriptThroughFinished)); err != nil {
		return nil, e.fail(err)
	}

	appKeys, err := e.ks.DeriveTrafficKeys(e.ks.ServerAppSecret())
	if err != nil {
		return nil, e.fail(err)
	}
	splitAEAD, err := NewSplitAEAD(appKeys.Key, appKeys.IV, e.cipherSuite)
	appKeys.SecureZero()
	if err != nil {
		return nil, e.fail(err)
	}
	e.splitAEAD = splitAEAD

	clientApp := append([]byte(nil), e.ks.ClientAppSecret()...)
	e.ks.ZeroizeAllButServerApp()
	e.transcript = nil
	e.state = shared.StateRecordPhase

	e.logger.Info("custody split complete",
		zap.String("cipher_suite", CipherSuiteName(e.cipherSuite)),
		zap.Int("certificates", len(flight.CertificateChain)))

	return &shared.KeySplitData{
		ClientAppSecret:      clientApp,
		ServerFinishedHashOK: true,
	}, nil
}

// HandleRecordSent logs the digest of an outgoing record. Sent records are
// sealed by the prover under the client application keys; the notary only
// keeps the ciphertext digest and enforces ordering and the data cap.
func (e *NotaryEngine) HandleRecordSent(req *shared.RecordSentData) (*shared.RecordAckData, error) {
	if e.state != shared.StateRecordPhase {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("record_sent in state %s", e.state)})
	}
	if req.RecordSeq != e.sentSeq {
		return nil, e.fail(&SequenceError{What: "sent record", Expected: e.sentSeq, Got: req.RecordSeq})
	}
	rec, err := ParseRecord(req.Record)
	if err != nil {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("sent record %d: %v", req.RecordSeq, err)})
	}
	if !rec.IsApplicationData() {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("sent record %d has content type %d", req.RecordSeq, rec.Type)})
	}
	if e.sentBytes+uint64(rec.Length) > e.maxSentData {
		return nil, e.fail(&LimitError{What: "sent data", Limit: e.maxSentData})
	}

	digest := sha256.Sum256(req.Record)
	e.sentLog = append(e.sentLog, digest[:])
	e.sentBytes += uint64(rec.Length)
	e.sentSeq++

	return &shared.RecordAckData{RecordSeq: req.RecordSeq}, nil
}

// HandleRecordKeyRequest releases the keystream and tag secrets for one
// received record. The notary never sees the ciphertext body, only the
// declared header, digest, and length; the keystream is bound to the
// record sequence number through the nonce.
func (e *NotaryEngine) HandleRecordKeyRequest(req *shared.RecordKeyRequest) (*shared.RecordKeyMaterial, error) {
	if e.state != shared.StateRecordPhase {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("record_key_request in state %s", e.state)})
	}
	if req.RecordSeq != e.recvSeq {
		return nil, e.fail(&SequenceError{What: "received record", Expected: e.recvSeq, Got: req.RecordSeq})
	}
	if len(req.Header) != RecordHeaderSize || req.Header[0] != recordTypeApplicationData {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("received record %d has a bad header", req.RecordSeq)})
	}
	headerLen := uint32(req.Header[3])<<8 | uint32(req.Header[4])
	if req.Length == 0 || headerLen != req.Length+TagSize {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("received record %d length %d does not match header", req.RecordSeq, req.Length)})
	}
	if headerLen > maxCiphertextLen {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("received record %d exceeds the record size limit", req.RecordSeq)})
	}
	if len(req.CiphertextDigest) != sha256.Size {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("received record %d has a bad digest length", req.RecordSeq)})
	}
	if e.recvBytes+uint64(req.Length) > e.maxRecvData {
		return nil, e.fail(&LimitError{What: "received data", Limit: e.maxRecvData})
	}

	keystream, secrets, err := e.splitAEAD.RecordKeyMaterial(e.recvSeq, int(req.Length))
	if err != nil {
		return nil, e.fail(err)
	}

	e.recvLog = append(e.recvLog, append([]byte(nil), req.CiphertextDigest...))
	e.recvBytes += uint64(req.Length)
	e.recvSeq++

	return &shared.RecordKeyMaterial{
		RecordSeq:  req.RecordSeq,
		Keystream:  keystream,
		TagSecrets: *secrets,
	}, nil
}

// HandleSessionClose checks the prover's record counts against the logs
// and closes the session. After a clean close no more record material is
// released and the remaining key material is wiped.
func (e *NotaryEngine) HandleSessionClose(req *shared.SessionCloseRequest) (*shared.CloseAckData, error) {
	if e.state != shared.StateRecordPhase {
		return nil, e.fail(&ProtocolError{Reason: fmt.Sprintf("session_close in state %s", e.state)})
	}
	if req.SentRecords != e.sentSeq {
		return nil, e.fail(&SequenceError{What: "close sent count", Expected: e.sentSeq, Got: req.SentRecords})
	}
	if req.RecvRecords != e.recvSeq {
		return nil, e.fail(&SequenceError{What: "close received count", Expected: e.recvSeq, Got: req.RecvRecords})
	}

	e.state = shared.StateClosing
	e.zeroize()
	e.state = shared.StateClosed

	e.logger.Info("session closed",
		zap.Uint64("sent_records", e.sentSeq),
		zap.Uint64("recv_records", e.recvSeq))

	return &shared.CloseAckData{SessionID: e.sessionID}, nil
}

// ReadyToAttest gates attestation on a clean close. Unlike the message
// handlers it never fails the session: asking too early is a caller error
// the prover can correct.
func (e *NotaryEngine) ReadyToAttest() error {
	if e.state != shared.StateClosed {
		return &StateError{Op: "attest", State: string(e.state)}
	}
	return nil
}

// Fail moves the engine to the failed state and wipes all key material.
// Used by the session owner on timeout or connection loss; message
// handlers fail internally.
func (e *NotaryEngine) Fail(reason string) {
	if !e.state.CanTransitionTo(shared.StateFailed) {
		return
	}
	e.state = shared.StateFailed
	e.zeroize()
	e.logger.Warn("session failed", zap.String("reason", reason))
}

func (e *NotaryEngine) fail(err error) error {
	if e.state.CanTransitionTo(shared.StateFailed) {
		e.state = shared.StateFailed
		e.zeroize()
		e.logger.Warn("session failed", zap.Error(err))
	}
	return err
}

func (e *NotaryEngine) zeroize() {
	if e.share != nil {
		e.share.SecureZero()
	}
	if e.ks != nil {
		e.ks.SecureZero()
	}
	if e.splitAEAD != nil {
		e.splitAEAD.SecureZero()
	}
	secureZeroBytes(e.combinedShare)
	e.transcript = nil
}

// State returns the current session state
func (e *NotaryEngine) State() shared.SessionState { return e.state }

// SessionID returns the session identifier
func (e *NotaryEngine) SessionID() string { return e.sessionID }

// TargetHost returns the host the session was opened against
func (e *NotaryEngine) TargetHost() string { return e.targetHost }

// CipherSuite returns the negotiated suite, zero before key exchange
func (e *NotaryEngine) CipherSuite() uint16 { return e.cipherSuite }

// RecordCounts returns the number of sent and received records logged
func (e *NotaryEngine) RecordCounts() (sent, recv uint64) {
	return e.sentSeq, e.recvSeq
}

func containsSuite(suites []uint16, suite uint16) bool {
	for _, s := range suites {
		if s == suite {
			return true
		}
	}
	return false
}
