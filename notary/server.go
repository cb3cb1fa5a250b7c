package notary

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"tlsnotary/mpctls"
	"tlsnotary/shared"
)

// Version identifies the notary build on the /info endpoint.
const Version = "0.1.0"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the notary side-channel endpoint. Each WebSocket connection
// on the notarize path carries one notarization session.
type Server struct {
	config       *Config
	logger       *shared.Logger
	clock        clockwork.Clock
	sessions     *SessionManager
	signer       *Signer
	auth         *Authorizer
	certVerifier *mpctls.CertVerifier

	httpServer *http.Server
}

// NewServer builds a server, loading the signing key from the configured
// file and generating one on first start.
func NewServer(cfg *Config, logger *shared.Logger) (*Server, error) {
	keyPair, generated, err := shared.LoadOrGenerateSigningKeyPair(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to provision signing key: %w", err)
	}
	if generated {
		logger.Info("Generated new signing key", zap.String("key_file", cfg.KeyFile))
	}
	clock := clockwork.NewRealClock()
	return NewServerWithSigner(cfg, NewSigner(keyPair, clock), logger, clock)
}

// NewServerWithSigner builds a server around an injected signer and
// clock. Tests use this to get deterministic keys and time.
func NewServerWithSigner(cfg *Config, signer *Signer, logger *shared.Logger, clock clockwork.Clock) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fetcher, err := mpctls.NewCachedCertificateFetcher(mpctls.NewStandardHTTPFetcher(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate fetcher: %w", err)
	}

	s := &Server{
		config:       cfg,
		logger:       logger,
		clock:        clock,
		sessions:     NewSessionManager(cfg.SessionTimeout(), clock, logger.Logger),
		signer:       signer,
		auth:         NewAuthorizer(cfg),
		certVerifier: mpctls.NewCertVerifier(logger, fetcher, nil),
	}
	return s, nil
}

// Signer exposes the attestation signer, used by /info and tests.
func (s *Server) Signer() *Signer {
	return s.signer
}

// Sessions exposes the session registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Routes builds the HTTP mux: the notarize WebSocket endpoint, the
// /info metadata endpoint, and a health check.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.NotarizePath, s.handleNotarize)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	return mux
}

// Start runs the server until Shutdown is called. The session reaper is
// started alongside the listener.
func (s *Server) Start() error {
	s.sessions.StartCleanupRoutine()

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr(),
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if s.config.TLSEnabled() {
		s.logger.Info("Notary listening with TLS",
			zap.String("addr", s.config.ListenAddr()),
			zap.String("path", s.config.NotarizePath))
		return s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	}

	s.logger.Info("Notary listening",
		zap.String("addr", s.config.ListenAddr()),
		zap.String("path", s.config.NotarizePath))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the listener and tears down all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.sessions.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// InfoResponse is the /info payload provers use to discover the notary
// key and limits.
type InfoResponse struct {
	Version               string `json:"version"`
	PublicKey             string `json:"public_key"`
	Address               string `json:"address"`
	MaxSentData           uint64 `json:"max_sent_data"`
	MaxRecvData           uint64 `json:"max_recv_data"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := InfoResponse{
		Version:               Version,
		PublicKey:             hex.EncodeToString(s.signer.PublicKeyBytes()),
		Address:               s.signer.AddressHex(),
		MaxSentData:           s.config.MaxSentData,
		MaxRecvData:           s.config.MaxRecvData,
		SessionTimeoutSeconds: s.config.SessionTimeoutSeconds,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(info); err != nil {
		s.logger.Error("Failed to write info response", zap.Error(err))
	}
}

// handleNotarize upgrades the connection and runs the per-session
// message loop. The first envelope must be session_open; everything
// after is dispatched to the session engine.
func (s *Server) handleNotarize(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed",
			zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
		return
	}

	wsConn := shared.NewWSConnection(conn)
	defer wsConn.Close()

	s.logger.Info("Prover connected", zap.String("remote_addr", r.RemoteAddr))

	seq := shared.NewEnvelopeSequencer()
	var sess *Session

	for {
		env, err := wsConn.ReadEnvelope()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("Prover connection closed", zap.String("remote_addr", r.RemoteAddr))
			} else if !isNetworkShutdownError(err) {
				s.logger.Warn("Side channel read failed",
					zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
			}
			break
		}

		if err := seq.CheckRecv(env.Seq); err != nil {
			s.sendError(wsConn, seq, sessionIDOf(sess), shared.NewWireError(shared.CodeSequenceMismatch, err))
			if sess != nil {
				sess.Engine.Fail("envelope sequence violation")
			}
			break
		}

		if sess == nil {
			sess, err = s.openSession(wsConn, seq, env)
			if err != nil {
				s.logger.Warn("Session open rejected",
					zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
				s.sendError(wsConn, seq, "", shared.NewWireError(wireCode(err), err))
				break
			}
			continue
		}

		sess.Touch(s.clock.Now())

		if env.SessionID != sess.ID {
			s.logger.Warn("Session ID mismatch",
				zap.String("session_id", sess.ID),
				zap.String("received", env.SessionID))
			s.sendError(wsConn, seq, sess.ID, &shared.WireError{
				Code:    shared.CodeUnknownSession,
				Message: fmt.Sprintf("unknown session %q", env.SessionID),
			})
			sess.Engine.Fail("session id mismatch")
			break
		}

		replyType, payload, err := s.dispatch(sess, env)
		if err != nil {
			s.logger.Warn("Message handling failed",
				zap.String("session_id", sess.ID),
				zap.String("message_type", string(env.Type)),
				zap.Error(err))
			s.sendError(wsConn, seq, sess.ID, shared.NewWireError(wireCode(err), err))
			if sess.Engine.State() == shared.StateFailed {
				break
			}
			continue
		}

		if err := s.sendReply(wsConn, seq, sess.ID, replyType, payload); err != nil {
			s.logger.Error("Failed to send reply",
				zap.String("session_id", sess.ID), zap.Error(err))
			break
		}
	}

	if sess != nil {
		s.sessions.CloseSession(sess.ID)
	}
	s.logger.Info("Prover disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// openSession admits the first envelope of a connection. It must be a
// session_open carrying valid credentials when authorization is on.
func (s *Server) openSession(conn *shared.WSConnection, seq *shared.EnvelopeSequencer, env *shared.Envelope) (*Session, error) {
	if env.Type != shared.MsgSessionOpen {
		return nil, &mpctls.ProtocolError{Reason: "expected session_open, got " + string(env.Type)}
	}

	var req shared.SessionOpenRequest
	if err := env.Decode(&req); err != nil {
		return nil, &mpctls.ProtocolError{Reason: err.Error()}
	}
	if err := s.auth.Authorize(req.AuthToken); err != nil {
		return nil, &authError{err: err}
	}

	sess, err := s.sessions.CreateSession(conn, seq, mpctls.NotaryEngineConfig{
		MaxSentData:  s.config.MaxSentData,
		MaxRecvData:  s.config.MaxRecvData,
		CertVerifier: s.certVerifier,
		Logger:       s.logger.Logger,
	})
	if err != nil {
		return nil, err
	}

	resp, err := sess.Engine.HandleSessionOpen(&req)
	if err != nil {
		s.sessions.CloseSession(sess.ID)
		return nil, err
	}
	if err := s.sendReply(conn, seq, sess.ID, shared.MsgSessionAccepted, resp); err != nil {
		s.sessions.CloseSession(sess.ID)
		return nil, err
	}

	s.logger.Info("Session opened",
		zap.String("session_id", sess.ID),
		zap.String("target_host", req.TargetHost))
	return sess, nil
}

func (s *Server) sendReply(conn *shared.WSConnection, seq *shared.EnvelopeSequencer, sessionID string, msgType shared.MessageType, payload interface{}) error {
	env, err := shared.NewEnvelope(msgType, sessionID, seq.NextSend(), payload)
	if err != nil {
		return err
	}
	return conn.WriteEnvelope(env)
}

func (s *Server) sendError(conn *shared.WSConnection, seq *shared.EnvelopeSequencer, sessionID string, wireErr *shared.WireError) {
	env := shared.NewErrorEnvelope(sessionID, seq.NextSend(), wireErr)
	if err := conn.WriteEnvelope(env); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("Failed to send error envelope", zap.Error(err))
	}
}

func sessionIDOf(sess *Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

// isNetworkShutdownError reports read errors expected during normal
// connection teardown.
func isNetworkShutdownError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}
