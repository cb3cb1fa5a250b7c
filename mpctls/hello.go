package mpctls

import (
	"bytes"
	"fmt"
)

// helloRetryRequestRandom is the fixed ServerHello.random value that marks
// a HelloRetryRequest (RFC 8446 section 4.1.3).
var helloRetryRequestRandom = []byte{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
	0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
	0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

// ServerHelloMsg holds the fields the engine needs from a ServerHello
type ServerHelloMsg struct {
	vers              uint16
	random            []byte
	sessionId         []byte
	cipherSuite       uint16
	compressionMethod uint8
	supportedVersion  uint16
	serverShare       keyShare
}

// CipherSuite returns the negotiated suite
func (m *ServerHelloMsg) CipherSuite() uint16 { return m.cipherSuite }

// ServerShare returns the server's key share point
func (m *ServerHelloMsg) ServerShare() []byte { return m.serverShare.data }

// IsHelloRetryRequest reports whether the message carries the HRR random
func (m *ServerHelloMsg) IsHelloRetryRequest() bool {
	return bytes.Equal(m.random, helloRetryRequestRandom)
}

// parseServerHello parses a handshake-layer ServerHello message (starting
// at the handshake type byte, no record header).
func parseServerHello(msg []byte) (*ServerHelloMsg, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("ServerHello truncated")
	}
	if HandshakeType(msg[0]) != typeServerHello {
		return nil, fmt.Errorf("expected ServerHello, got handshake type %d", msg[0])
	}
	msgLen := int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3])
	if msgLen != len(msg)-4 {
		return nil, fmt.Errorf("ServerHello length mismatch")
	}
	d := msg[4:]

	out := &ServerHelloMsg{}

	if len(d) < 38 { // version(2) + random(32) + session_id_len(1) + cipher(2) + compression(1)
		return nil, fmt.Errorf("ServerHello too short")
	}

	out.vers = uint16(d[0])<<8 | uint16(d[1])
	d = d[2:]

	out.random = make([]byte, 32)
	copy(out.random, d[:32])
	d = d[32:]

	sessionIdLen := int(d[0])
	d = d[1:]
	if len(d) < sessionIdLen {
		return nil, fmt.Errorf("invalid session ID length")
	}
	out.sessionId = make([]byte, sessionIdLen)
	copy(out.sessionId, d[:sessionIdLen])
	d = d[sessionIdLen:]

	if len(d) < 2 {
		return nil, fmt.Errorf("missing cipher suite")
	}
	out.cipherSuite = uint16(d[0])<<8 | uint16(d[1])
	d = d[2:]

	if len(d) < 1 {
		return nil, fmt.Errorf("missing compression method")
	}
	out.compressionMethod = d[0]
	d = d[1:]

	if len(d) >= 2 {
		extLen := int(d[0])<<8 | int(d[1])
		d = d[2:]
		if len(d) < extLen {
			return nil, fmt.Errorf("extensions truncated")
		}
		if err := parseServerHelloExtensions(out, d[:extLen]); err != nil {
			return nil, fmt.Errorf("failed to parse extensions: %v", err)
		}
	}

	return out, nil
}

func parseServerHelloExtensions(msg *ServerHelloMsg, data []byte) error {
	for len(data) >= 4 {
		extType := uint16(data[0])<<8 | uint16(data[1])
		extLen := int(data[2])<<8 | int(data[3])
		data = data[4:]

		if len(data) < extLen {
			return fmt.Errorf("extension data too short")
		}

		extData := data[:extLen]
		data = data[extLen:]

		switch extType {
		case extensionSupportedVersions:
			if len(extData) >= 2 {
				msg.supportedVersion = uint16(extData[0])<<8 | uint16(extData[1])
			}
		case extensionKeyShare:
			if len(extData) >= 4 {
				msg.serverShare.group = uint16(extData[0])<<8 | uint16(extData[1])
				keyLen := int(extData[2])<<8 | int(extData[3])
				if len(extData) >= 4+keyLen {
					msg.serverShare.data = make([]byte, keyLen)
					copy(msg.serverShare.data, extData[4:4+keyLen])
				}
			}
		}
	}

	return nil
}

// ClientHelloInfo holds the fields the notary cross-checks against the
// session parameters before deriving any secrets.
type ClientHelloInfo struct {
	ServerName   string
	CipherSuites []uint16
	KeyShare     []byte // secp256r1 point offered in the key_share extension
}

// parseClientHelloInfo inspects a handshake-layer ClientHello message. The
// notary uses it to confirm the hello carries the jointly computed key
// share and the agreed target host.
func parseClientHelloInfo(msg []byte) (*ClientHelloInfo, error) {
	if len(msg) < 4 {
		return nil, fmt.Errorf("ClientHello truncated")
	}
	if HandshakeType(msg[0]) != typeClientHello {
		return nil, fmt.Errorf("expected ClientHello, got handshake type %d", msg[0])
	}
	msgLen := int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3])
	if msgLen != len(msg)-4 {
		return nil, fmt.Errorf("ClientHello length mismatch")
	}
	d := msg[4:]

	if len(d) < 35 {
		return nil, fmt.Errorf("ClientHello too short")
	}
	d = d[2:]  // legacy version
	d = d[32:] // random

	sessionIdLen := int(d[0])
	d = d[1:]
	if len(d) < sessionIdLen {
		return nil, fmt.Errorf("invalid session ID length")
	}
	d = d[sessionIdLen:]

	if len(d) < 2 {
		return nil, fmt.Errorf("missing cipher suites")
	}
	suitesLen := int(d[0])<<8 | int(d[1])
	d = d[2:]
	if len(d) < suitesLen || suitesLen%2 != 0 {
		return nil, fmt.Errorf("invalid cipher suite list")
	}
	info := &ClientHelloInfo{}
	for i := 0; i < suitesLen; i += 2 {
		info.CipherSuites = append(info.CipherSuites, uint16(d[i])<<8|uint16(d[i+1]))
	}
	d = d[suitesLen:]

	if len(d) < 1 {
		return nil, fmt.Errorf("missing compression methods")
	}
	compLen := int(d[0])
	d = d[1:]
	if len(d) < compLen {
		return nil, fmt.Errorf("invalid compression methods")
	}
	d = d[compLen:]

	if len(d) < 2 {
		return info, nil
	}
	extLen := int(d[0])<<8 | int(d[1])
	d = d[2:]
	if len(d) < extLen {
		return nil, fmt.Errorf("extensions truncated")
	}
	data := d[:extLen]

	for len(data) >= 4 {
		extType := uint16(data[0])<<8 | uint16(data[1])
		length := int(data[2])<<8 | int(data[3])
		data = data[4:]
		if len(data) < length {
			return nil, fmt.Errorf("extension data too short")
		}
		extData := data[:length]
		data = data[length:]

		switch extType {
		case extensionServerName:
			if len(extData) >= 5 {
				nameLen := int(extData[3])<<8 | int(extData[4])
				if len(extData) >= 5+nameLen {
					info.ServerName = string(extData[5 : 5+nameLen])
				}
			}
		case extensionKeyShare:
			if len(extData) < 2 {
				continue
			}
			listLen := int(extData[0])<<8 | int(extData[1])
			shares := extData[2:]
			if len(shares) < listLen {
				continue
			}
			for len(shares) >= 4 {
				group := uint16(shares[0])<<8 | uint16(shares[1])
				keyLen := int(shares[2])<<8 | int(shares[3])
				shares = shares[4:]
				if len(shares) < keyLen {
					break
				}
				if group == secp256r1 {
					info.KeyShare = append([]byte(nil), shares[:keyLen]...)
				}
				shares = shares[keyLen:]
			}
		}
	}

	return info, nil
}
