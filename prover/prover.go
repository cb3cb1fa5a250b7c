package prover

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"tlsnotary/commitment"
	"tlsnotary/mpctls"
	"tlsnotary/shared"
	"tlsnotary/transcript"
)

// maxRecordPlaintext is the largest application payload sealed into one
// record.
const maxRecordPlaintext = 1 << 14

// Config holds everything a notarization run needs.
type Config struct {
	NotaryURL  string
	TargetHost string
	TargetPort int

	// CipherSuites to offer; defaults to all supported TLS 1.3 suites.
	CipherSuites []uint16

	// Requested data caps. The notary may impose lower values.
	MaxSentData uint64
	MaxRecvData uint64

	// AuthToken is sent with session_open when the notary requires it.
	AuthToken string

	// Timeout bounds the whole notarization, side channel and target leg
	// included. Zero means no deadline beyond the notary's session window.
	Timeout time.Duration

	Logger *shared.Logger
}

// Prover drives the full notarization flow: the MPC handshake through
// the notary, the record phase against the target, and proof assembly.
type Prover struct {
	cfg          Config
	logger       *shared.Logger
	certVerifier *mpctls.CertVerifier
}

// New validates the configuration and builds a prover.
func New(cfg Config) (*Prover, error) {
	if cfg.NotaryURL == "" {
		return nil, fmt.Errorf("notary URL is required")
	}
	if cfg.TargetHost == "" {
		return nil, fmt.Errorf("target host is required")
	}
	if cfg.TargetPort == 0 {
		cfg.TargetPort = 443
	}
	if cfg.MaxSentData == 0 {
		cfg.MaxSentData = 1 << 14
	}
	if cfg.MaxRecvData == 0 {
		cfg.MaxRecvData = 1 << 18
	}
	if cfg.Logger == nil {
		logger, err := shared.NewLogger(shared.LoggerConfig{ServiceName: "prover"})
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
	}

	fetcher, err := mpctls.NewCachedCertificateFetcher(mpctls.NewStandardHTTPFetcher(), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate fetcher: %w", err)
	}

	return &Prover{
		cfg:          cfg,
		logger:       cfg.Logger,
		certVerifier: mpctls.NewCertVerifier(cfg.Logger, fetcher, nil),
	}, nil
}

// Prove notarizes one request/response exchange with the target and
// returns the disclosure proof for the selected ranges. An empty
// selection discloses the entire transcript. The request should make the
// target close the connection when the response is done (for HTTP, send
// Connection: close).
func (p *Prover) Prove(ctx context.Context, request []byte, disclose []shared.Range) (proof *shared.DisclosureProof, err error) {
	if len(request) == 0 {
		return nil, fmt.Errorf("request must not be empty")
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	info, err := FetchNotaryInfo(ctx, p.cfg.NotaryURL)
	if err != nil {
		return nil, err
	}
	notaryKey, err := info.PublicKeyBytes()
	if err != nil {
		return nil, err
	}

	nc, err := DialNotary(ctx, p.cfg.NotaryURL, p.logger.Logger)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	engine, err := mpctls.NewProverEngine(mpctls.ProverEngineConfig{
		TargetHost:   p.cfg.TargetHost,
		CipherSuites: p.cfg.CipherSuites,
		CertVerifier: p.certVerifier,
		Logger:       p.logger.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && !engine.State().Terminal() {
			engine.Fail("notarization aborted")
		}
	}()

	store := transcript.NewStore()

	openReq, err := engine.SessionOpenRequest(p.cfg.MaxSentData, p.cfg.MaxRecvData, p.cfg.AuthToken)
	if err != nil {
		return nil, err
	}
	var accepted shared.SessionAcceptedData
	if err := nc.roundTrip(ctx, shared.MsgSessionOpen, "", openReq, shared.MsgSessionAccepted, &accepted); err != nil {
		return nil, err
	}
	if err := engine.HandleSessionAccepted(&accepted); err != nil {
		return nil, err
	}
	sessionID := engine.SessionID()
	p.logger.Info("Session accepted",
		zap.String("session_id", sessionID),
		zap.String("target_host", p.cfg.TargetHost))

	target, err := DialTarget(ctx, p.cfg.TargetHost, p.cfg.TargetPort, p.logger.Logger)
	if err != nil {
		return nil, err
	}
	defer target.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := target.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	if err := p.runHandshake(ctx, engine, nc, target, sessionID); err != nil {
		return nil, err
	}

	response, err := p.runRecordPhase(ctx, engine, nc, target, sessionID, request, store)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Record phase complete",
		zap.String("session_id", sessionID),
		zap.Int("request_bytes", len(request)),
		zap.Int("response_bytes", len(response)))
	target.Close()

	store.Finalize()

	closeReq, err := engine.CloseReport()
	if err != nil {
		return nil, err
	}
	var closeAck shared.CloseAckData
	if err := nc.roundTrip(ctx, shared.MsgSessionClose, sessionID, closeReq, shared.MsgCloseAck, &closeAck); err != nil {
		return nil, err
	}
	if err := engine.HandleCloseAck(&closeAck); err != nil {
		return nil, err
	}

	commitRanges, err := BuildCommitRanges(store, disclose)
	if err != nil {
		return nil, err
	}
	disclosed := disclose
	if len(disclosed) == 0 {
		disclosed = commitRanges
	}

	commitments, err := commitment.Commit(store, commitRanges)
	if err != nil {
		return nil, err
	}
	root, err := commitment.Root(commitments)
	if err != nil {
		return nil, err
	}

	attReq, err := engine.AttestRequest(root)
	if err != nil {
		return nil, err
	}
	var attResp shared.AttestResponseData
	if err := nc.roundTrip(ctx, shared.MsgAttestRequest, sessionID, attReq, shared.MsgAttestResponse, &attResp); err != nil {
		return nil, err
	}
	att, err := engine.HandleAttestResponse(&attResp, root)
	if err != nil {
		return nil, err
	}

	payload, err := att.SigningPayload()
	if err != nil {
		return nil, err
	}
	if err := shared.VerifySignature(payload, att.Signature, notaryKey); err != nil {
		return nil, fmt.Errorf("notary signature rejected: %w", err)
	}

	proof, err = AssembleProof(att, commitments, disclosed, store)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Notarization complete",
		zap.String("session_id", sessionID),
		zap.Int("committed_ranges", len(commitments)),
		zap.Int("disclosed_ranges", len(disclosed)))
	return proof, nil
}

// runHandshake performs the split TLS 1.3 handshake: ClientHello out,
// ServerHello and flight in, secrets split through the notary, client
// Finished out.
func (p *Prover) runHandshake(ctx context.Context, engine *mpctls.ProverEngine, nc *NotaryClient, target *TargetConn, sessionID string) error {
	clientHello, err := engine.BuildClientHello()
	if err != nil {
		return err
	}
	if err := target.WriteRecord(clientHello); err != nil {
		return err
	}

	serverHello, err := target.ReadRecord()
	if err != nil {
		return err
	}
	if err := engine.HandleServerHello(serverHello); err != nil {
		return err
	}

	kxReq, err := engine.KeyExchangeRequest()
	if err != nil {
		return err
	}
	var secrets shared.HandshakeSecretsData
	if err := nc.roundTrip(ctx, shared.MsgKeyExchange, sessionID, kxReq, shared.MsgHandshakeSecrets, &secrets); err != nil {
		return err
	}
	if err := engine.HandleHandshakeSecrets(&secrets); err != nil {
		return err
	}

	for {
		rec, err := target.ReadRecord()
		if err != nil {
			return err
		}
		done, err := engine.AddFlightRecord(rec)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	finishReq, err := engine.FinishHandshakeRequest()
	if err != nil {
		return err
	}
	var split shared.KeySplitData
	if err := nc.roundTrip(ctx, shared.MsgFinishHandshake, sessionID, finishReq, shared.MsgKeySplit, &split); err != nil {
		return err
	}
	clientRecords, err := engine.HandleKeySplit(&split)
	if err != nil {
		return err
	}
	for _, raw := range clientRecords {
		if err := target.WriteRecord(raw); err != nil {
			return err
		}
	}

	p.logger.Info("Handshake complete",
		zap.String("session_id", sessionID),
		zap.Uint16("cipher_suite", engine.CipherSuite()))
	return nil
}

// runRecordPhase sends the request through the notarized channel and
// reads the response until the target closes or sends close_notify.
func (p *Prover) runRecordPhase(ctx context.Context, engine *mpctls.ProverEngine, nc *NotaryClient, target *TargetConn, sessionID string, request []byte, store *transcript.Store) ([]byte, error) {
	for off := 0; off < len(request); off += maxRecordPlaintext {
		end := off + maxRecordPlaintext
		if end > len(request) {
			end = len(request)
		}
		if err := p.sendRecord(ctx, engine, nc, target, sessionID, request[off:end], store); err != nil {
			return nil, err
		}
	}

	var response []byte
	for {
		rec, err := target.ReadRecord()
		if err != nil {
			if streamEnded(err) {
				break
			}
			return nil, err
		}
		if rec.IsAlert() {
			// Plaintext alert after the handshake: the target is tearing
			// the connection down.
			p.logger.Warn("Target sent plaintext alert", zap.String("session_id", sessionID))
			break
		}

		keyReq, err := engine.DecryptRecordRequest(rec)
		if err != nil {
			return nil, err
		}
		var material shared.RecordKeyMaterial
		if err := nc.roundTrip(ctx, shared.MsgRecordKeyRequest, sessionID, keyReq, shared.MsgRecordKeyMaterial, &material); err != nil {
			return nil, err
		}
		plaintext, contentType, err := engine.HandleRecordKeyMaterial(&material)
		if err != nil {
			var alertErr *mpctls.AlertError
			if errors.As(err, &alertErr) && alertErr.IsCloseNotify() {
				break
			}
			return nil, err
		}

		switch contentType {
		case mpctls.ContentTypeApplicationData:
			if err := store.AppendReceived(plaintext); err != nil {
				return nil, err
			}
			response = append(response, plaintext...)
		case mpctls.ContentTypeHandshake:
			// Post-handshake message, usually a session ticket. Counted
			// against the receive cap but not part of the transcript.
		case mpctls.ContentTypeAlert:
			// Non-fatal alert other than close_notify; keep reading.
		}
	}
	return response, nil
}

// sendRecord runs the send flow for one record: seal, log with the
// notary, then release to the target only after the ack.
func (p *Prover) sendRecord(ctx context.Context, engine *mpctls.ProverEngine, nc *NotaryClient, target *TargetConn, sessionID string, plaintext []byte, store *transcript.Store) error {
	rec, sentData, err := engine.EncryptRecord(plaintext)
	if err != nil {
		return err
	}
	var ack shared.RecordAckData
	if err := nc.roundTrip(ctx, shared.MsgRecordSent, sessionID, sentData, shared.MsgRecordAck, &ack); err != nil {
		return err
	}
	if err := engine.HandleRecordAck(&ack); err != nil {
		return err
	}
	if err := target.WriteRecord(rec.Bytes()); err != nil {
		return err
	}
	return store.AppendSent(plaintext)
}

// streamEnded reports read errors that mean the target finished sending:
// clean EOF or a teardown race on the TCP leg.
func streamEnded(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
