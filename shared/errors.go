package shared

import "fmt"

// ErrorCode identifies a protocol failure class on the wire. Codes are
// stable strings so independently built peers can map them back to their
// own typed errors.
type ErrorCode string

const (
	CodeHandshakeFailed   ErrorCode = "handshake_failed"
	CodeSequenceMismatch  ErrorCode = "sequence_mismatch"
	CodeSessionNotReady   ErrorCode = "session_not_ready"
	CodeUnknownSession    ErrorCode = "unknown_session"
	CodeRangeOverlap      ErrorCode = "range_overlap"
	CodeDisclosureRange   ErrorCode = "disclosure_range"
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeLimitExceeded     ErrorCode = "limit_exceeded"
	CodeTimeout           ErrorCode = "timeout"
	CodeSigningFailed     ErrorCode = "signing_failed"
	CodeProtocolViolation ErrorCode = "protocol_violation"
	CodeInternal          ErrorCode = "internal"
)

// WireError is the error payload carried inside a side-channel envelope.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWireError builds a wire error from a code and an underlying error.
func NewWireError(code ErrorCode, err error) *WireError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &WireError{Code: code, Message: msg}
}

// RangeOverlapError reports a commitment range set that overlaps, leaves
// gaps, or exceeds the transcript bounds. Caller input error, no session
// impact.
type RangeOverlapError struct {
	Range  Range
	Reason string
}

func (e *RangeOverlapError) Error() string {
	return fmt.Sprintf("range %s: %s", e.Range, e.Reason)
}

// DisclosureRangeError reports a range outside the transcript bounds or
// otherwise malformed. Caller input error, no session impact.
type DisclosureRangeError struct {
	Range  Range
	Reason string
}

func (e *DisclosureRangeError) Error() string {
	return fmt.Sprintf("range %s: %s", e.Range, e.Reason)
}
