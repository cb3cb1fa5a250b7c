package mpctls

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"tlsnotary/commitment"
	"tlsnotary/shared"
	"tlsnotary/transcript"
	"tlsnotary/verifier"
)

const loopbackHost = "loopback.test"

// loopback wires a prover engine, a notary engine, and an in-memory TLS
// server directly together, without sockets or the side channel.
type loopback struct {
	server *testTLSServer
	prover *ProverEngine
	notary *NotaryEngine
}

// handshakeToRecordPhase drives both engines through session open, the
// joint handshake and the key split, leaving them in the record phase.
func handshakeToRecordPhase(t *testing.T, suite uint16, maxSent, maxRecv uint64) *loopback {
	t.Helper()

	server := newTestTLSServer(t, loopbackHost)
	server.pickSuite = suite
	cv := NewCertVerifier(nil, nil, server.roots())
	logger := zaptest.NewLogger(t)

	prover, err := NewProverEngine(ProverEngineConfig{
		TargetHost:   loopbackHost,
		CipherSuites: []uint16{suite},
		CertVerifier: cv,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewProverEngine: %v", err)
	}
	notary := NewNotaryEngine(NotaryEngineConfig{
		SessionID:    "loopback-session",
		MaxSentData:  1 << 16,
		MaxRecvData:  1 << 20,
		CertVerifier: cv,
		Logger:       logger,
	})

	openReq, err := prover.SessionOpenRequest(maxSent, maxRecv, "")
	if err != nil {
		t.Fatalf("SessionOpenRequest: %v", err)
	}
	accepted, err := notary.HandleSessionOpen(openReq)
	if err != nil {
		t.Fatalf("HandleSessionOpen: %v", err)
	}
	if err := prover.HandleSessionAccepted(accepted); err != nil {
		t.Fatalf("HandleSessionAccepted: %v", err)
	}

	chRecord, err := prover.BuildClientHello()
	if err != nil {
		t.Fatalf("BuildClientHello: %v", err)
	}
	shRecord, flight := server.respondToClientHello(chRecord)

	shRec, err := ParseRecord(shRecord)
	if err != nil {
		t.Fatalf("ParseRecord(ServerHello): %v", err)
	}
	if err := prover.HandleServerHello(shRec); err != nil {
		t.Fatalf("HandleServerHello: %v", err)
	}

	kxReq, err := prover.KeyExchangeRequest()
	if err != nil {
		t.Fatalf("KeyExchangeRequest: %v", err)
	}
	secrets, err := notary.HandleKeyExchange(kxReq)
	if err != nil {
		t.Fatalf("HandleKeyExchange: %v", err)
	}
	if err := prover.HandleHandshakeSecrets(secrets); err != nil {
		t.Fatalf("HandleHandshakeSecrets: %v", err)
	}

	done := false
	for i, raw := range flight {
		rec, err := ParseRecord(raw)
		if err != nil {
			t.Fatalf("ParseRecord(flight %d): %v", i, err)
		}
		done, err = prover.AddFlightRecord(rec)
		if err != nil {
			t.Fatalf("AddFlightRecord %d: %v", i, err)
		}
	}
	if !done {
		t.Fatal("server Finished never observed in the flight")
	}

	finReq, err := prover.FinishHandshakeRequest()
	if err != nil {
		t.Fatalf("FinishHandshakeRequest: %v", err)
	}
	split, err := notary.HandleFinishHandshake(finReq)
	if err != nil {
		t.Fatalf("HandleFinishHandshake: %v", err)
	}
	outRecords, err := prover.HandleKeySplit(split)
	if err != nil {
		t.Fatalf("HandleKeySplit: %v", err)
	}
	if len(outRecords) == 0 {
		t.Fatal("HandleKeySplit produced no records for the target")
	}
	if err := server.acceptClientFinished(outRecords[len(outRecords)-1]); err != nil {
		t.Fatalf("server rejected client Finished: %v", err)
	}

	if prover.State() != shared.StateRecordPhase {
		t.Fatalf("prover state = %s", prover.State())
	}
	if notary.State() != shared.StateRecordPhase {
		t.Fatalf("notary state = %s", notary.State())
	}
	return &loopback{server: server, prover: prover, notary: notary}
}

// sendRecord runs one full send exchange and delivers the record to the
// server.
func (lb *loopback) sendRecord(t *testing.T, payload []byte) {
	t.Helper()
	rec, sentData, err := lb.prover.EncryptRecord(payload)
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}
	ack, err := lb.notary.HandleRecordSent(sentData)
	if err != nil {
		t.Fatalf("HandleRecordSent: %v", err)
	}
	if err := lb.prover.HandleRecordAck(ack); err != nil {
		t.Fatalf("HandleRecordAck: %v", err)
	}
	if got := lb.server.openClientRecord(rec.Bytes()); !bytes.Equal(got, payload) {
		t.Fatalf("server decrypted %q, want %q", got, payload)
	}
}

// recvRecord runs one full receive exchange for a raw record from the
// server.
func (lb *loopback) recvRecord(t *testing.T, raw []byte) ([]byte, byte, error) {
	t.Helper()
	rec, err := ParseRecord(raw)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	keyReq, err := lb.prover.DecryptRecordRequest(rec)
	if err != nil {
		return nil, 0, err
	}
	keyMat, err := lb.notary.HandleRecordKeyRequest(keyReq)
	if err != nil {
		return nil, 0, err
	}
	return lb.prover.HandleRecordKeyMaterial(keyMat)
}

func TestNotarizationLoopback(t *testing.T) {
	for _, suite := range SupportedCipherSuites() {
		t.Run(CipherSuiteName(suite), func(t *testing.T) {
			lb := handshakeToRecordPhase(t, suite, 1<<14, 1<<16)
			store := transcript.NewStore()

			request := []byte("GET /balance HTTP/1.1\r\nHost: " + loopbackHost + "\r\nConnection: close\r\n\r\n")
			lb.sendRecord(t, request)
			if err := store.AppendSent(request); err != nil {
				t.Fatalf("AppendSent: %v", err)
			}

			// A real server typically sends session tickets before any
			// application data; they consume a record but no transcript.
			pt, contentType, err := lb.recvRecord(t, lb.server.sessionTicketRecord())
			if err != nil {
				t.Fatalf("recvRecord(ticket): %v", err)
			}
			if contentType != ContentTypeHandshake {
				t.Fatalf("ticket content type = %d", contentType)
			}

			responses := [][]byte{
				[]byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nConnection: close\r\n\r\n"),
				[]byte(`{"account":"alice","balance":"1234.56"}`),
			}
			for _, resp := range responses {
				pt, contentType, err = lb.recvRecord(t, lb.server.appRecord(resp))
				if err != nil {
					t.Fatalf("recvRecord: %v", err)
				}
				if contentType != ContentTypeApplicationData {
					t.Fatalf("content type = %d", contentType)
				}
				if !bytes.Equal(pt, resp) {
					t.Fatalf("plaintext = %q, want %q", pt, resp)
				}
				if err := store.AppendReceived(pt); err != nil {
					t.Fatalf("AppendReceived: %v", err)
				}
			}

			sent, recv := lb.prover.RecordCounts()
			if sent != 1 || recv != 3 {
				t.Errorf("prover record counts = %d/%d, want 1/3", sent, recv)
			}

			closeReq, err := lb.prover.CloseReport()
			if err != nil {
				t.Fatalf("CloseReport: %v", err)
			}
			closeAck, err := lb.notary.HandleSessionClose(closeReq)
			if err != nil {
				t.Fatalf("HandleSessionClose: %v", err)
			}
			if err := lb.prover.HandleCloseAck(closeAck); err != nil {
				t.Fatalf("HandleCloseAck: %v", err)
			}
			if lb.prover.State() != shared.StateClosed || lb.notary.State() != shared.StateClosed {
				t.Fatalf("states after close: prover=%s notary=%s", lb.prover.State(), lb.notary.State())
			}

			store.Finalize()
			commitments, err := commitment.Commit(store, nil)
			if err != nil {
				t.Fatalf("Commit: %v", err)
			}
			root, err := commitment.Root(commitments)
			if err != nil {
				t.Fatalf("Root: %v", err)
			}

			attReq, err := lb.prover.AttestRequest(root)
			if err != nil {
				t.Fatalf("AttestRequest: %v", err)
			}
			if err := lb.notary.ReadyToAttest(); err != nil {
				t.Fatalf("ReadyToAttest: %v", err)
			}

			keyPair, err := shared.GenerateSigningKeyPair()
			if err != nil {
				t.Fatalf("GenerateSigningKeyPair: %v", err)
			}
			att := &shared.Attestation{
				SessionID:      lb.notary.SessionID(),
				TargetHost:     lb.notary.TargetHost(),
				CipherSuite:    lb.notary.CipherSuite(),
				TranscriptRoot: attReq.TranscriptRoot,
				Timestamp:      time.Now().Unix(),
			}
			payload, err := att.SigningPayload()
			if err != nil {
				t.Fatalf("SigningPayload: %v", err)
			}
			att.Signature, err = keyPair.SignData(payload)
			if err != nil {
				t.Fatalf("SignData: %v", err)
			}

			signed, err := lb.prover.HandleAttestResponse(&shared.AttestResponseData{Attestation: *att}, root)
			if err != nil {
				t.Fatalf("HandleAttestResponse: %v", err)
			}

			// Disclose the response, keep the request hidden.
			recvRange := shared.Range{
				Direction: shared.DirectionReceived,
				Start:     0,
				End:       store.Len(shared.DirectionReceived),
			}
			entries := make([]shared.ProofEntry, 0, len(commitments))
			for _, c := range commitments {
				entry := shared.ProofEntry{
					Range:      c.Range,
					Commitment: append([]byte(nil), c.Value...),
				}
				if c.Range == recvRange {
					opening, err := commitment.Open(commitments, c.Range, store)
					if err != nil {
						t.Fatalf("Open: %v", err)
					}
					entry.Disclosed = true
					entry.Plaintext = opening.Plaintext
					entry.BlindingFactor = opening.Blinding
					entry.InclusionPath = opening.InclusionPath
				}
				entries = append(entries, entry)
			}
			proof := &shared.DisclosureProof{
				Version:     shared.ProofVersion,
				Attestation: *signed,
				Entries:     entries,
			}

			result := verifier.Verify(proof, keyPair.PublicKeyBytes())
			if !result.Valid {
				t.Fatalf("proof rejected: %s", result.Reason)
			}
			if result.TargetHost != loopbackHost {
				t.Errorf("verified target host = %q", result.TargetHost)
			}
			if result.CipherSuite != suite {
				t.Errorf("verified cipher suite = 0x%04x", result.CipherSuite)
			}
			fullResponse := append(append([]byte{}, responses[0]...), responses[1]...)
			if !bytes.Equal(result.Disclosed[recvRange.String()], fullResponse) {
				t.Error("disclosed response bytes do not match the transcript")
			}
		})
	}
}

func TestLoopbackRecordSequenceGap(t *testing.T) {
	lb := handshakeToRecordPhase(t, TLS_AES_128_GCM_SHA256, 1<<14, 1<<16)

	_, sentData, err := lb.prover.EncryptRecord([]byte("hello"))
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}
	sentData.RecordSeq++

	_, err = lb.notary.HandleRecordSent(sentData)
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *SequenceError, got %T: %v", err, err)
	}
	if lb.notary.State() != shared.StateFailed {
		t.Errorf("notary state = %s, want %s", lb.notary.State(), shared.StateFailed)
	}
}

func TestLoopbackSendCapIsRetryable(t *testing.T) {
	lb := handshakeToRecordPhase(t, TLS_AES_128_GCM_SHA256, 64, 1<<16)

	// 64-byte cap, 17 bytes of record overhead: 100 bytes cannot fit.
	_, _, err := lb.prover.EncryptRecord(bytes.Repeat([]byte{'a'}, 100))
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %T: %v", err, err)
	}
	if lb.prover.State() != shared.StateRecordPhase {
		t.Fatalf("cap refusal must not fail the session, state = %s", lb.prover.State())
	}

	// A smaller payload still goes through.
	lb.sendRecord(t, []byte("GET / HTTP/1.1\r\n\r\n"))
}

func TestLoopbackRecvCapIsFatal(t *testing.T) {
	lb := handshakeToRecordPhase(t, TLS_AES_128_GCM_SHA256, 1<<14, 64)

	_, _, err := lb.recvRecord(t, lb.server.appRecord(bytes.Repeat([]byte{'b'}, 100)))
	var limitErr *LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected *LimitError, got %T: %v", err, err)
	}
	// The prover rejects before asking the notary and treats the breach
	// as fatal: the target already sent more than the session allows.
	if lb.prover.State() != shared.StateFailed {
		t.Errorf("prover state = %s, want %s", lb.prover.State(), shared.StateFailed)
	}
}

func TestLoopbackCloseNotifyIsOrderly(t *testing.T) {
	lb := handshakeToRecordPhase(t, TLS_AES_128_GCM_SHA256, 1<<14, 1<<16)

	_, contentType, err := lb.recvRecord(t, lb.server.alertRecord(alertLevelWarning, alertCloseNotify))
	var alertErr *AlertError
	if !errors.As(err, &alertErr) {
		t.Fatalf("expected *AlertError, got %T: %v", err, err)
	}
	if !alertErr.IsCloseNotify() {
		t.Fatalf("expected close_notify, got %v", alertErr)
	}
	if contentType != ContentTypeAlert {
		t.Errorf("content type = %d", contentType)
	}
	if lb.prover.State() != shared.StateRecordPhase {
		t.Fatalf("close_notify must not fail the session, state = %s", lb.prover.State())
	}

	// The session still closes cleanly afterwards.
	closeReq, err := lb.prover.CloseReport()
	if err != nil {
		t.Fatalf("CloseReport: %v", err)
	}
	closeAck, err := lb.notary.HandleSessionClose(closeReq)
	if err != nil {
		t.Fatalf("HandleSessionClose: %v", err)
	}
	if err := lb.prover.HandleCloseAck(closeAck); err != nil {
		t.Fatalf("HandleCloseAck: %v", err)
	}
}

func TestLoopbackFatalAlertFailsSession(t *testing.T) {
	lb := handshakeToRecordPhase(t, TLS_AES_128_GCM_SHA256, 1<<14, 1<<16)

	_, _, err := lb.recvRecord(t, lb.server.alertRecord(alertLevelFatal, alertInternalError))
	var alertErr *AlertError
	if !errors.As(err, &alertErr) {
		t.Fatalf("expected *AlertError, got %T: %v", err, err)
	}
	if alertErr.IsCloseNotify() {
		t.Fatal("internal_error must not read as close_notify")
	}
	if lb.prover.State() != shared.StateFailed {
		t.Errorf("prover state = %s, want %s", lb.prover.State(), shared.StateFailed)
	}
}

func TestLoopbackCloseCountMismatch(t *testing.T) {
	lb := handshakeToRecordPhase(t, TLS_AES_128_GCM_SHA256, 1<<14, 1<<16)
	lb.sendRecord(t, []byte("only one record"))

	closeReq, err := lb.prover.CloseReport()
	if err != nil {
		t.Fatalf("CloseReport: %v", err)
	}
	closeReq.SentRecords = 5

	_, err = lb.notary.HandleSessionClose(closeReq)
	var seqErr *SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("expected *SequenceError, got %T: %v", err, err)
	}
	if lb.notary.State() != shared.StateFailed {
		t.Errorf("notary state = %s, want %s", lb.notary.State(), shared.StateFailed)
	}
}

func TestNotaryReadyToAttestGate(t *testing.T) {
	notary := NewNotaryEngine(NotaryEngineConfig{
		SessionID:   "early-attest",
		MaxSentData: 1 << 16,
		MaxRecvData: 1 << 20,
	})
	err := notary.ReadyToAttest()
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected *StateError, got %T: %v", err, err)
	}
	// Asking early is recoverable; the session must not die for it.
	if notary.State() != shared.StateIdle {
		t.Errorf("notary state = %s, want %s", notary.State(), shared.StateIdle)
	}
}

func TestNoAttestationAfterMidHandshakeAbort(t *testing.T) {
	notary := NewNotaryEngine(NotaryEngineConfig{
		SessionID:   "aborted-handshake",
		MaxSentData: 1 << 16,
		MaxRecvData: 1 << 20,
	})
	share, err := GenerateECDHEShare()
	if err != nil {
		t.Fatalf("GenerateECDHEShare: %v", err)
	}
	_, err = notary.HandleSessionOpen(&shared.SessionOpenRequest{
		TargetHost:   "example.com",
		CipherSuites: []uint16{TLS_AES_128_GCM_SHA256},
		ProverShare:  share.PublicPoint(),
	})
	if err != nil {
		t.Fatalf("HandleSessionOpen: %v", err)
	}

	// The target dropped the connection before the handshake finished.
	notary.Fail("target disconnected")
	if notary.State() != shared.StateFailed {
		t.Fatalf("notary state = %s, want %s", notary.State(), shared.StateFailed)
	}

	err = notary.ReadyToAttest()
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected *StateError, got %T: %v", err, err)
	}
}

func TestNotaryDuplicateSessionOpen(t *testing.T) {
	notary := NewNotaryEngine(NotaryEngineConfig{
		SessionID:   "dup-open",
		MaxSentData: 1 << 16,
		MaxRecvData: 1 << 20,
	})
	share, err := GenerateECDHEShare()
	if err != nil {
		t.Fatalf("GenerateECDHEShare: %v", err)
	}
	req := &shared.SessionOpenRequest{
		TargetHost:   "example.com",
		CipherSuites: []uint16{TLS_AES_128_GCM_SHA256},
		ProverShare:  share.PublicPoint(),
	}
	if _, err := notary.HandleSessionOpen(req); err != nil {
		t.Fatalf("HandleSessionOpen: %v", err)
	}
	_, err = notary.HandleSessionOpen(req)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
	if notary.State() != shared.StateFailed {
		t.Errorf("notary state = %s, want %s", notary.State(), shared.StateFailed)
	}
}

func TestNotaryRejectsMismatchedHello(t *testing.T) {
	// A prover that swaps in its own solo key share after session open
	// must be caught at key exchange.
	server := newTestTLSServer(t, loopbackHost)
	notary := NewNotaryEngine(NotaryEngineConfig{
		SessionID:   "hello-mismatch",
		MaxSentData: 1 << 16,
		MaxRecvData: 1 << 20,
	})

	proverShare, err := GenerateECDHEShare()
	if err != nil {
		t.Fatalf("GenerateECDHEShare: %v", err)
	}
	_, err = notary.HandleSessionOpen(&shared.SessionOpenRequest{
		TargetHost:   loopbackHost,
		CipherSuites: []uint16{TLS_AES_128_GCM_SHA256},
		ProverShare:  proverShare.PublicPoint(),
	})
	if err != nil {
		t.Fatalf("HandleSessionOpen: %v", err)
	}

	// ClientHello carries the prover's solo point, not the joint one.
	chRecord := testClientHelloMsg(t, loopbackHost,
		[]uint16{TLS_AES_128_GCM_SHA256}, proverShare.PublicPoint()).Marshal()
	shMsg := buildServerHelloMsg(TLS_AES_128_GCM_SHA256, make([]byte, 32), nil, server.share.PublicPoint())

	partial, err := proverShare.PartialSecret(server.share.PublicPoint())
	if err != nil {
		t.Fatalf("PartialSecret: %v", err)
	}
	_, err = notary.HandleKeyExchange(&shared.KeyExchangeRequest{
		HandshakeMessages: [][]byte{chRecord[RecordHeaderSize:], shMsg},
		PartialSecret:     partial,
	})
	if err == nil {
		t.Fatal("key exchange with a non-joint share accepted")
	}
	if notary.State() != shared.StateFailed {
		t.Errorf("notary state = %s, want %s", notary.State(), shared.StateFailed)
	}
}
