package prover

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"tlsnotary/mpctls"
)

// ConnectionError reports a failure on the TCP leg to the target.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("target %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TargetConn is the raw TCP connection to the TLS target. The prover
// relays full records; it never terminates TLS itself.
type TargetConn struct {
	conn   net.Conn
	reader *mpctls.RecordReader
	addr   string
	logger *zap.Logger
}

// DialTarget opens a TCP connection to host:port.
func DialTarget(ctx context.Context, host string, port int, logger *zap.Logger) (*TargetConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	logger.Info("Connected to target", zap.String("addr", addr))
	return &TargetConn{
		conn:   conn,
		reader: mpctls.NewRecordReader(conn),
		addr:   addr,
		logger: logger,
	}, nil
}

// WriteRecord sends raw record bytes to the target.
func (t *TargetConn) WriteRecord(raw []byte) error {
	if _, err := t.conn.Write(raw); err != nil {
		return &ConnectionError{Addr: t.addr, Err: err}
	}
	return nil
}

// ReadRecord reads the next TLS record from the target.
func (t *TargetConn) ReadRecord() (*mpctls.Record, error) {
	rec, err := t.reader.ReadRecord()
	if err != nil {
		return nil, &ConnectionError{Addr: t.addr, Err: err}
	}
	return rec, nil
}

// SetDeadline bounds all pending reads and writes.
func (t *TargetConn) SetDeadline(deadline time.Time) error {
	return t.conn.SetDeadline(deadline)
}

// Close tears down the TCP connection.
func (t *TargetConn) Close() error {
	return t.conn.Close()
}
