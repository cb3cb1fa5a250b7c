package prover

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tlsnotary/shared"
)

// dialAttempts bounds the connect retry loop. The delay doubles after
// each failed attempt.
const (
	dialAttempts  = 3
	dialBaseDelay = 250 * time.Millisecond
)

// NotaryUnavailableError reports that the notary could not be reached
// or refused to complete the protocol.
type NotaryUnavailableError struct {
	URL string
	Err error
}

func (e *NotaryUnavailableError) Error() string {
	return fmt.Sprintf("notary %s unavailable: %v", e.URL, e.Err)
}

func (e *NotaryUnavailableError) Unwrap() error {
	return e.Err
}

// NotaryInfo is the decoded /info response.
type NotaryInfo struct {
	Version               string `json:"version"`
	PublicKey             string `json:"public_key"`
	Address               string `json:"address"`
	MaxSentData           uint64 `json:"max_sent_data"`
	MaxRecvData           uint64 `json:"max_recv_data"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds"`
}

// PublicKeyBytes decodes the hex public key.
func (i *NotaryInfo) PublicKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(i.PublicKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid notary public key: %w", err)
	}
	return key, nil
}

// NotaryClient is the prover's side-channel connection. The protocol is
// strict request/reply, so every exchange goes through roundTrip.
type NotaryClient struct {
	conn   *shared.WSConnection
	seq    *shared.EnvelopeSequencer
	logger *zap.Logger
	wsURL  string
}

// FetchNotaryInfo retrieves the notary metadata over plain HTTP(S).
// The WebSocket URL is translated to its http scheme counterpart.
func FetchNotaryInfo(ctx context.Context, notaryURL string) (*NotaryInfo, error) {
	infoURL, err := infoEndpoint(notaryURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &NotaryUnavailableError{URL: infoURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &NotaryUnavailableError{URL: infoURL, Err: fmt.Errorf("info endpoint returned %s", resp.Status)}
	}

	var info NotaryInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode notary info: %w", err)
	}
	return &info, nil
}

func infoEndpoint(notaryURL string) (string, error) {
	u, err := url.Parse(notaryURL)
	if err != nil {
		return "", fmt.Errorf("invalid notary URL %q: %w", notaryURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid notary URL scheme %q", u.Scheme)
	}
	u.Path = "/info"
	u.RawQuery = ""
	return u.String(), nil
}

// DialNotary connects to the notary side channel, retrying with backoff
// on transient dial failures.
func DialNotary(ctx context.Context, wsURL string, logger *zap.Logger) (*NotaryClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid notary URL %q: %w", wsURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("notary URL must use ws or wss scheme, got %q", u.Scheme)
	}

	var conn *websocket.Conn
	var dialErr error
	delay := dialBaseDelay
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, _, dialErr = websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if dialErr == nil {
			break
		}
		logger.Warn("Notary dial failed",
			zap.String("url", wsURL),
			zap.Int("attempt", attempt),
			zap.Error(dialErr))
		if attempt == dialAttempts {
			return nil, &NotaryUnavailableError{URL: wsURL, Err: dialErr}
		}
		select {
		case <-ctx.Done():
			return nil, &NotaryUnavailableError{URL: wsURL, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}

	logger.Info("Connected to notary", zap.String("url", wsURL))
	return &NotaryClient{
		conn:   shared.NewWSConnection(conn),
		seq:    shared.NewEnvelopeSequencer(),
		logger: logger,
		wsURL:  wsURL,
	}, nil
}

// roundTrip sends one envelope and waits for the matching reply. Error
// envelopes surface as *shared.WireError; unexpected reply types fail.
func (c *NotaryClient) roundTrip(ctx context.Context, msgType shared.MessageType, sessionID string, payload interface{}, wantType shared.MessageType, out interface{}) error {
	env, err := shared.NewEnvelope(msgType, sessionID, c.seq.NextSend(), payload)
	if err != nil {
		return err
	}
	if err := c.conn.WriteEnvelope(env); err != nil {
		return &NotaryUnavailableError{URL: c.wsURL, Err: err}
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
	}

	reply, err := c.conn.ReadEnvelope()
	if err != nil {
		return &NotaryUnavailableError{URL: c.wsURL, Err: err}
	}
	if err := c.seq.CheckRecv(reply.Seq); err != nil {
		return err
	}

	if reply.Type == shared.MsgError {
		if reply.Error != nil {
			return reply.Error
		}
		return fmt.Errorf("notary sent error envelope with no detail")
	}
	if reply.Type != wantType {
		return fmt.Errorf("expected %s from notary, got %s", wantType, reply.Type)
	}
	if out != nil {
		if err := reply.Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts down the side channel.
func (c *NotaryClient) Close() error {
	return c.conn.Close()
}
