package notary

import (
	"errors"

	"go.uber.org/zap"

	"tlsnotary/mpctls"
	"tlsnotary/shared"
)

// signingFailure marks attestation signing errors so they map to the
// signing_failed wire code instead of a generic internal error.
type signingFailure struct {
	err error
}

func (e *signingFailure) Error() string {
	return e.err.Error()
}

func (e *signingFailure) Unwrap() error {
	return e.err
}

// authError marks rejected session_open credentials.
type authError struct {
	err error
}

func (e *authError) Error() string {
	return e.err.Error()
}

func (e *authError) Unwrap() error {
	return e.err
}

// wireCode classifies an error into its side-channel error code.
func wireCode(err error) shared.ErrorCode {
	var (
		seqErr    *mpctls.SequenceError
		limitErr  *mpctls.LimitError
		stateErr  *mpctls.StateError
		protoErr  *mpctls.ProtocolError
		certErr   *mpctls.CertificateError
		hsErr     *mpctls.HandshakeError
		signErr   *signingFailure
		authzErr  *authError
		rangeErr  *shared.RangeOverlapError
		discloErr *shared.DisclosureRangeError
	)
	switch {
	case errors.As(err, &seqErr):
		return shared.CodeSequenceMismatch
	case errors.As(err, &limitErr):
		return shared.CodeLimitExceeded
	case errors.As(err, &stateErr):
		return shared.CodeSessionNotReady
	case errors.As(err, &protoErr):
		return shared.CodeProtocolViolation
	case errors.As(err, &certErr):
		return shared.CodeHandshakeFailed
	case errors.As(err, &hsErr):
		return shared.CodeHandshakeFailed
	case errors.As(err, &signErr):
		return shared.CodeSigningFailed
	case errors.As(err, &authzErr):
		return shared.CodeUnauthorized
	case errors.As(err, &rangeErr):
		return shared.CodeRangeOverlap
	case errors.As(err, &discloErr):
		return shared.CodeDisclosureRange
	default:
		return shared.CodeInternal
	}
}

// decode unmarshals an envelope payload, failing the session on
// malformed input.
func decode(sess *Session, env *shared.Envelope, v interface{}) error {
	if err := env.Decode(v); err != nil {
		sess.Engine.Fail("malformed payload")
		return &mpctls.ProtocolError{Reason: err.Error()}
	}
	return nil
}

// dispatch routes one in-session envelope to the engine and returns the
// reply payload. session_open never reaches here; the connection loop
// consumes it before a session exists.
func (s *Server) dispatch(sess *Session, env *shared.Envelope) (shared.MessageType, interface{}, error) {
	switch env.Type {
	case shared.MsgKeyExchange:
		var req shared.KeyExchangeRequest
		if err := decode(sess, env, &req); err != nil {
			return "", nil, err
		}
		resp, err := sess.Engine.HandleKeyExchange(&req)
		if err != nil {
			return "", nil, err
		}
		return shared.MsgHandshakeSecrets, resp, nil

	case shared.MsgFinishHandshake:
		var req shared.FinishHandshakeRequest
		if err := decode(sess, env, &req); err != nil {
			return "", nil, err
		}
		resp, err := sess.Engine.HandleFinishHandshake(&req)
		if err != nil {
			return "", nil, err
		}
		return shared.MsgKeySplit, resp, nil

	case shared.MsgRecordSent:
		var req shared.RecordSentData
		if err := decode(sess, env, &req); err != nil {
			return "", nil, err
		}
		resp, err := sess.Engine.HandleRecordSent(&req)
		if err != nil {
			return "", nil, err
		}
		return shared.MsgRecordAck, resp, nil

	case shared.MsgRecordKeyRequest:
		var req shared.RecordKeyRequest
		if err := decode(sess, env, &req); err != nil {
			return "", nil, err
		}
		resp, err := sess.Engine.HandleRecordKeyRequest(&req)
		if err != nil {
			return "", nil, err
		}
		return shared.MsgRecordKeyMaterial, resp, nil

	case shared.MsgSessionClose:
		var req shared.SessionCloseRequest
		if err := decode(sess, env, &req); err != nil {
			return "", nil, err
		}
		resp, err := sess.Engine.HandleSessionClose(&req)
		if err != nil {
			return "", nil, err
		}
		return shared.MsgCloseAck, resp, nil

	case shared.MsgAttestRequest:
		var req shared.AttestRequestData
		if err := decode(sess, env, &req); err != nil {
			return "", nil, err
		}
		att, err := s.signer.Attest(sess.Engine, req.TranscriptRoot)
		if err != nil {
			var stateErr *mpctls.StateError
			var protoErr *mpctls.ProtocolError
			if errors.As(err, &stateErr) || errors.As(err, &protoErr) {
				return "", nil, err
			}
			s.logger.Error("Attestation signing failed",
				zap.String("session_id", sess.ID), zap.Error(err))
			return "", nil, &signingFailure{err: err}
		}
		s.logger.Info("Signed attestation",
			zap.String("session_id", sess.ID),
			zap.String("target_host", att.TargetHost))
		return shared.MsgAttestResponse, &shared.AttestResponseData{Attestation: *att}, nil

	case shared.MsgSessionOpen:
		sess.Engine.Fail("duplicate session open")
		return "", nil, &mpctls.ProtocolError{Reason: "session already open"}

	default:
		sess.Engine.Fail("unknown message type")
		return "", nil, &mpctls.ProtocolError{Reason: "unknown message type " + string(env.Type)}
	}
}
