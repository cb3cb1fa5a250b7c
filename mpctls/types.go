package mpctls

// TLS version constants (following crypto/tls conventions)
const (
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304
)

// TLS 1.3 cipher suites supported by the split-key record layer
const (
	TLS_AES_128_GCM_SHA256       = 0x1301
	TLS_AES_256_GCM_SHA384       = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 = 0x1303
)

// SupportedCipherSuites returns the suites the engine can negotiate, in
// preference order.
func SupportedCipherSuites() []uint16 {
	return []uint16{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}
}

// CipherSuiteSupported reports whether the engine can run the given suite
func CipherSuiteSupported(suite uint16) bool {
	switch suite {
	case TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256:
		return true
	default:
		return false
	}
}

// CipherSuiteName returns the IANA name of a supported suite
func CipherSuiteName(suite uint16) string {
	switch suite {
	case TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	default:
		return "unknown"
	}
}

// Record layer content types
const (
	recordTypeChangeCipherSpec = 20
	recordTypeAlert            = 21
	recordTypeHandshake        = 22
	recordTypeApplicationData  = 23
)

// Exported content types for callers that branch on the inner type of
// decrypted record plaintext.
const (
	ContentTypeAlert           uint8 = recordTypeAlert
	ContentTypeHandshake       uint8 = recordTypeHandshake
	ContentTypeApplicationData uint8 = recordTypeApplicationData
)

// HandshakeType identifies a TLS handshake message
type HandshakeType uint8

const (
	typeClientHello         HandshakeType = 1
	typeServerHello         HandshakeType = 2
	typeNewSessionTicket    HandshakeType = 4
	typeEncryptedExtensions HandshakeType = 8
	typeCertificate         HandshakeType = 11
	typeCertificateVerify   HandshakeType = 15
	typeFinished            HandshakeType = 20
)

// Extension types
const (
	extensionServerName          = 0
	extensionSupportedGroups     = 10
	extensionSignatureAlgorithms = 13
	extensionSupportedVersions   = 43
	extensionKeyShare            = 51
)

// Supported groups. The split key exchange is built for secp256r1 only.
const (
	secp256r1 = 23
)

// Signature algorithms offered in the ClientHello
const (
	rsa_pss_rsae_sha256    = 0x0804
	ecdsa_secp256r1_sha256 = 0x0403
	rsa_pss_rsae_sha384    = 0x0805
	ecdsa_secp384r1_sha384 = 0x0503
	rsa_pss_rsae_sha512    = 0x0806
)

// Alert levels
const (
	alertLevelWarning = 1
	alertLevelFatal   = 2
)

// Alert descriptions (RFC 8446, Section 6)
const (
	alertCloseNotify            = 0
	alertUnexpectedMessage      = 10
	alertBadRecordMAC           = 20
	alertRecordOverflow         = 22
	alertHandshakeFailure       = 40
	alertBadCertificate         = 42
	alertCertificateExpired     = 45
	alertCertificateUnknown     = 46
	alertIllegalParameter       = 47
	alertUnknownCA              = 48
	alertDecodeError            = 50
	alertDecryptError           = 51
	alertProtocolVersion        = 70
	alertInternalError          = 80
	alertUserCanceled           = 90
	alertMissingExtension       = 109
	alertUnrecognizedName       = 112
	alertCertificateRequired    = 116
	alertNoApplicationProtocol  = 120
	alertUnsupportedCertificate = 43
)

type keyShare struct {
	group uint16
	data  []byte
}

// ClientHelloMsg builds the single ClientHello this engine sends: TLS 1.3
// only, secp256r1 only, with the jointly computed key share point.
type ClientHelloMsg struct {
	random                       []byte
	sessionId                    []byte
	cipherSuites                 []uint16
	serverName                   string
	supportedCurves              []uint16
	supportedSignatureAlgorithms []uint16
	supportedVersions            []uint16
	keyShares                    []keyShare
}

// Marshal serializes the ClientHello as a full TLS record
func (m *ClientHelloMsg) Marshal() []byte {
	var b []byte
	// Handshake header with length placeholder
	b = append(b, byte(typeClientHello), 0, 0, 0)

	// Legacy version
	b = append(b, 0x03, 0x03)
	// Random
	b = append(b, m.random...)
	// Legacy session ID
	b = append(b, byte(len(m.sessionId)))
	b = append(b, m.sessionId...)
	// Cipher suites
	b = append(b, byte(len(m.cipherSuites)*2>>8), byte(len(m.cipherSuites)*2))
	for _, suite := range m.cipherSuites {
		b = append(b, byte(suite>>8), byte(suite))
	}
	// Compression methods: null only
	b = append(b, 1, 0)

	var extensions []byte
	// Server Name Indication
	if len(m.serverName) > 0 {
		extensions = append(extensions, byte(extensionServerName>>8), byte(extensionServerName))
		extLen := len(m.serverName) + 5
		extensions = append(extensions, byte(extLen>>8), byte(extLen))
		listLen := len(m.serverName) + 3
		extensions = append(extensions, byte(listLen>>8), byte(listLen))
		extensions = append(extensions, 0) // host_name
		extensions = append(extensions, byte(len(m.serverName)>>8), byte(len(m.serverName)))
		extensions = append(extensions, m.serverName...)
	}

	// Supported Versions
	if len(m.supportedVersions) > 0 {
		extensions = append(extensions, byte(extensionSupportedVersions>>8), byte(extensionSupportedVersions))
		versionsLen := len(m.supportedVersions) * 2
		extensions = append(extensions, byte((versionsLen+1)>>8), byte(versionsLen+1))
		extensions = append(extensions, byte(versionsLen))
		for _, v := range m.supportedVersions {
			extensions = append(extensions, byte(v>>8), byte(v))
		}
	}

	// Supported Groups
	if len(m.supportedCurves) > 0 {
		extensions = append(extensions, byte(extensionSupportedGroups>>8), byte(extensionSupportedGroups))
		groupsLen := len(m.supportedCurves) * 2
		extensions = append(extensions, byte((groupsLen+2)>>8), byte(groupsLen+2))
		extensions = append(extensions, byte(groupsLen>>8), byte(groupsLen))
		for _, group := range m.supportedCurves {
			extensions = append(extensions, byte(group>>8), byte(group))
		}
	}

	// Signature Algorithms
	if len(m.supportedSignatureAlgorithms) > 0 {
		extensions = append(extensions, byte(extensionSignatureAlgorithms>>8), byte(extensionSignatureAlgorithms))
		sigAlgosLen := len(m.supportedSignatureAlgorithms) * 2
		extensions = append(extensions, byte((sigAlgosLen+2)>>8), byte(sigAlgosLen+2))
		extensions = append(extensions, byte(sigAlgosLen>>8), byte(sigAlgosLen))
		for _, algo := range m.supportedSignatureAlgorithms {
			extensions = append(extensions, byte(algo>>8), byte(algo))
		}
	}

	// Key Share
	if len(m.keyShares) > 0 {
		extensions = append(extensions, byte(extensionKeyShare>>8), byte(extensionKeyShare))
		var keySharesLen uint16
		for _, ks := range m.keyShares {
			keySharesLen += 2 + 2 + uint16(len(ks.data))
		}
		extensions = append(extensions, byte((keySharesLen+2)>>8), byte(keySharesLen+2))
		extensions = append(extensions, byte(keySharesLen>>8), byte(keySharesLen))
		for _, ks := range m.keyShares {
			extensions = append(extensions, byte(ks.group>>8), byte(ks.group))
			extensions = append(extensions, byte(len(ks.data)>>8), byte(len(ks.data)))
			extensions = append(extensions, ks.data...)
		}
	}

	b = append(b, byte(len(extensions)>>8), byte(len(extensions)))
	b = append(b, extensions...)

	putUint24(b[1:4], uint32(len(b)-4))

	// Record header uses the TLS 1.2 legacy version
	record := []byte{recordTypeHandshake, 0x03, 0x03, byte(len(b) >> 8), byte(len(b))}
	record = append(record, b...)

	return record
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func alertDescriptionString(d uint8) string {
	switch d {
	case alertCloseNotify:
		return "close_notify"
	case alertUnexpectedMessage:
		return "unexpected_message"
	case alertBadRecordMAC:
		return "bad_record_mac"
	case alertRecordOverflow:
		return "record_overflow"
	case alertHandshakeFailure:
		return "handshake_failure"
	case alertBadCertificate:
		return "bad_certificate"
	case alertUnsupportedCertificate:
		return "unsupported_certificate"
	case alertCertificateExpired:
		return "certificate_expired"
	case alertCertificateUnknown:
		return "certificate_unknown"
	case alertIllegalParameter:
		return "illegal_parameter"
	case alertUnknownCA:
		return "unknown_ca"
	case alertDecodeError:
		return "decode_error"
	case alertDecryptError:
		return "decrypt_error"
	case alertProtocolVersion:
		return "protocol_version"
	case alertInternalError:
		return "internal_error"
	case alertUserCanceled:
		return "user_canceled"
	case alertMissingExtension:
		return "missing_extension"
	case alertUnrecognizedName:
		return "unrecognized_name"
	case alertCertificateRequired:
		return "certificate_required"
	case alertNoApplicationProtocol:
		return "no_application_protocol"
	default:
		return "unknown"
	}
}
