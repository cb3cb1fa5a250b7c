package mpctls

import "fmt"

// HandshakeError is fatal to the session: TLS negotiation, certificate
// validation, or sub-protocol desync during the key exchange.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// SequenceError reports a record or envelope sequence disagreement between
// the parties. Always fatal: it indicates a buggy or malicious peer.
type SequenceError struct {
	What     string
	Expected uint64
	Got      uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("%s sequence mismatch: expected %d, got %d", e.What, e.Expected, e.Got)
}

// StateError reports an operation attempted in the wrong engine state
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// ProtocolError reports a side-channel message that violates the protocol:
// malformed payloads, messages in the wrong state, disagreeing counters.
// Fatal to the session.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

// LimitError reports a sent or received data cap breach
type LimitError struct {
	What  string
	Limit uint64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit of %d bytes exceeded", e.What, e.Limit)
}

// CertErrorType classifies certificate validation failures
type CertErrorType int

const (
	CertErrorInvalidChain CertErrorType = iota
	CertErrorVerification
	CertErrorSystemRoots
	CertErrorParsing
	CertErrorExpired
)

// CertificateError carries a typed certificate validation failure
type CertificateError struct {
	Type    CertErrorType
	Message string
	Err     error
}

func (e *CertificateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("certificate error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("certificate error: %s", e.Message)
}

func (e *CertificateError) Unwrap() error {
	return e.Err
}

// AlertDescription maps the failure to the TLS alert a conforming client
// would send.
func (e *CertificateError) AlertDescription() uint8 {
	switch e.Type {
	case CertErrorInvalidChain:
		return alertUnknownCA
	case CertErrorExpired:
		return alertCertificateExpired
	case CertErrorParsing:
		return alertBadCertificate
	default:
		return alertCertificateUnknown
	}
}

// AlertError reports a fatal alert received from the server
type AlertError struct {
	Level       uint8
	Description uint8
}

func (e *AlertError) Error() string {
	level := "warning"
	if e.Level == alertLevelFatal {
		level = "fatal"
	}
	return fmt.Sprintf("received %s alert: %s", level, alertDescriptionString(e.Description))
}

// IsCloseNotify reports whether the alert is an orderly close
func (e *AlertError) IsCloseNotify() bool {
	return e.Description == alertCloseNotify
}
