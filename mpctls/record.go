package mpctls

import (
	"fmt"
	"io"
)

// RecordHeaderSize is the TLS record header length
const RecordHeaderSize = 5

// maxCiphertextLen bounds a TLS 1.3 protected record payload (RFC 8446
// section 5.2: 2^14 + 256).
const maxCiphertextLen = 16384 + 256

// Record is one TLS record as read off the wire
type Record struct {
	Type     uint8
	Version  uint16
	Length   uint16
	Fragment []byte
}

// Header rebuilds the 5-byte record header, the AAD of protected records
func (r *Record) Header() []byte {
	return []byte{r.Type, byte(r.Version >> 8), byte(r.Version), byte(r.Length >> 8), byte(r.Length)}
}

// Bytes returns the full record, header plus fragment
func (r *Record) Bytes() []byte {
	out := make([]byte, 0, RecordHeaderSize+len(r.Fragment))
	out = append(out, r.Header()...)
	out = append(out, r.Fragment...)
	return out
}

// IsHandshake reports a handshake content type
func (r *Record) IsHandshake() bool { return r.Type == recordTypeHandshake }

// IsApplicationData reports a protected application data record
func (r *Record) IsApplicationData() bool { return r.Type == recordTypeApplicationData }

// IsAlert reports an alert record
func (r *Record) IsAlert() bool { return r.Type == recordTypeAlert }

// IsChangeCipherSpec reports the TLS 1.3 compatibility ChangeCipherSpec
func (r *Record) IsChangeCipherSpec() bool { return r.Type == recordTypeChangeCipherSpec }

// RecordReader reads and validates TLS records from a stream
type RecordReader struct {
	r      io.Reader
	buffer []byte
}

// NewRecordReader creates a record reader over the given stream
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: r}
}

// ReadRecord blocks until a complete record is available and returns it.
// Content type, legacy version and length bounds are validated before the
// fragment is read.
func (rr *RecordReader) ReadRecord() (*Record, error) {
	if err := rr.fill(RecordHeaderSize); err != nil {
		return nil, err
	}

	record := &Record{
		Type:    rr.buffer[0],
		Version: uint16(rr.buffer[1])<<8 | uint16(rr.buffer[2]),
		Length:  uint16(rr.buffer[3])<<8 | uint16(rr.buffer[4]),
	}

	if record.Type < recordTypeChangeCipherSpec || record.Type > recordTypeApplicationData {
		return nil, fmt.Errorf("invalid record type: %d", record.Type)
	}
	if record.Version != VersionTLS12 && record.Version != VersionTLS13 {
		return nil, fmt.Errorf("invalid record version: 0x%04x", record.Version)
	}
	if int(record.Length) > maxCiphertextLen {
		return nil, fmt.Errorf("record too large: %d bytes", record.Length)
	}

	total := RecordHeaderSize + int(record.Length)
	if err := rr.fill(total); err != nil {
		return nil, err
	}

	record.Fragment = make([]byte, record.Length)
	copy(record.Fragment, rr.buffer[RecordHeaderSize:total])
	rr.buffer = rr.buffer[total:]

	return record, nil
}

// fill reads from the stream until the buffer holds at least n bytes
func (rr *RecordReader) fill(n int) error {
	for len(rr.buffer) < n {
		chunk := make([]byte, 4096)
		read, err := rr.r.Read(chunk)
		if read > 0 {
			rr.buffer = append(rr.buffer, chunk[:read]...)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ParseRecord splits a raw byte slice into a validated record. The slice
// must contain exactly one record.
func ParseRecord(raw []byte) (*Record, error) {
	if len(raw) < RecordHeaderSize {
		return nil, fmt.Errorf("record truncated: %d bytes", len(raw))
	}
	record := &Record{
		Type:    raw[0],
		Version: uint16(raw[1])<<8 | uint16(raw[2]),
		Length:  uint16(raw[3])<<8 | uint16(raw[4]),
	}
	if record.Type < recordTypeChangeCipherSpec || record.Type > recordTypeApplicationData {
		return nil, fmt.Errorf("invalid record type: %d", record.Type)
	}
	if int(record.Length) > maxCiphertextLen {
		return nil, fmt.Errorf("record too large: %d bytes", record.Length)
	}
	if len(raw) != RecordHeaderSize+int(record.Length) {
		return nil, fmt.Errorf("record length mismatch: header says %d, have %d payload bytes",
			record.Length, len(raw)-RecordHeaderSize)
	}
	record.Fragment = append([]byte(nil), raw[RecordHeaderSize:]...)
	return record, nil
}

// BuildRecord frames a fragment with a record header
func BuildRecord(recordType uint8, fragment []byte) []byte {
	out := make([]byte, 0, RecordHeaderSize+len(fragment))
	out = append(out, recordType, 0x03, 0x03, byte(len(fragment)>>8), byte(len(fragment)))
	out = append(out, fragment...)
	return out
}
