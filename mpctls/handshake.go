package mpctls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"fmt"
)

// serverCertVerifyContext is the signed context for the server
// CertificateVerify message (RFC 8446 section 4.4.3).
const serverCertVerifyContext = "TLS 1.3, server CertificateVerify"

// ServerFlight is the decrypted and verified server handshake flight:
// EncryptedExtensions through Finished.
type ServerFlight struct {
	// CertificateChain is the server chain, leaf first.
	CertificateChain []*x509.Certificate

	// TranscriptThroughFinished covers ClientHello..server Finished, the
	// input for application traffic secret derivation.
	TranscriptThroughFinished []byte
}

// ProcessServerFlight decrypts the server's encrypted handshake records and
// verifies the flight: handshake message framing, the CertificateVerify
// signature over the transcript, and the Finished MAC. transcript must
// already hold ClientHello and ServerHello; it is extended with each flight
// message. Chain trust is NOT checked here, that is CertVerifier's job.
func ProcessServerFlight(records []*Record, serverAEAD *AEAD, ks *KeySchedule, transcript []byte) (*ServerFlight, error) {
	var handshakeBuffer []byte

	for _, rec := range records {
		if rec.IsChangeCipherSpec() {
			// Middlebox compatibility, carries no handshake data.
			continue
		}
		if rec.IsAlert() {
			return nil, alertFromPlaintext(rec.Fragment)
		}
		if !rec.IsApplicationData() {
			return nil, &HandshakeError{
				Reason: fmt.Sprintf("unexpected record type %d in server flight", rec.Type),
			}
		}

		plaintext, err := serverAEAD.Decrypt(rec.Fragment, rec.Header())
		if err != nil {
			return nil, &HandshakeError{Reason: "failed to decrypt server flight record", Err: err}
		}
		content, contentType, err := UnpadInnerPlaintext(plaintext)
		if err != nil {
			return nil, &HandshakeError{Reason: "malformed inner plaintext", Err: err}
		}
		if contentType == recordTypeAlert {
			return nil, alertFromPlaintext(content)
		}
		if contentType != recordTypeHandshake {
			return nil, &HandshakeError{
				Reason: fmt.Sprintf("unexpected content type %d in server flight", contentType),
			}
		}
		handshakeBuffer = append(handshakeBuffer, content...)
	}

	flight := &ServerFlight{}
	var (
		sawEncryptedExtensions bool
		certVerifyAlg          uint16
		certVerifySig          []byte
		finishedData           []byte
		transcriptThroughCert  []byte
		transcriptThroughCV    []byte
	)

	for len(handshakeBuffer) > 0 {
		if len(handshakeBuffer) < 4 {
			return nil, &HandshakeError{Reason: "truncated handshake message in server flight"}
		}
		msgLen := int(handshakeBuffer[1])<<16 | int(handshakeBuffer[2])<<8 | int(handshakeBuffer[3])
		total := 4 + msgLen
		if len(handshakeBuffer) < total {
			return nil, &HandshakeError{Reason: "incomplete handshake message in server flight"}
		}
		msg := handshakeBuffer[:total]
		handshakeBuffer = handshakeBuffer[total:]

		switch HandshakeType(msg[0]) {
		case typeEncryptedExtensions:
			sawEncryptedExtensions = true

		case typeCertificate:
			entries, err := parseCertificateMsg(msg)
			if err != nil {
				return nil, err
			}
			certs, err := ParseCertificateEntries(entries)
			if err != nil {
				return nil, err
			}
			flight.CertificateChain = certs

		case typeCertificateVerify:
			if len(flight.CertificateChain) == 0 {
				return nil, &HandshakeError{Reason: "CertificateVerify before Certificate"}
			}
			// The signature covers the transcript up to and including the
			// Certificate message.
			transcriptThroughCert = hashTranscript(ks, transcript)
			alg, sig, err := parseCertificateVerify(msg)
			if err != nil {
				return nil, err
			}
			certVerifyAlg, certVerifySig = alg, sig

		case typeFinished:
			if msgLen < 1 {
				return nil, &HandshakeError{Reason: "empty Finished message"}
			}
			transcriptThroughCV = hashTranscript(ks, transcript)
			finishedData = append([]byte(nil), msg[4:total]...)

		case typeNewSessionTicket:
			// Session resumption is not supported; drop it without
			// disturbing the transcript below.
			continue

		default:
			return nil, &HandshakeError{
				Reason: fmt.Sprintf("unexpected handshake message type %d in server flight", msg[0]),
			}
		}

		transcript = append(transcript, msg...)

		if HandshakeType(msg[0]) == typeFinished {
			break
		}
	}

	if !sawEncryptedExtensions {
		return nil, &HandshakeError{Reason: "server flight missing EncryptedExtensions"}
	}
	if len(flight.CertificateChain) == 0 {
		return nil, &HandshakeError{Reason: "server flight missing Certificate"}
	}
	if certVerifySig == nil {
		return nil, &HandshakeError{Reason: "server flight missing CertificateVerify"}
	}
	if finishedData == nil {
		return nil, &HandshakeError{Reason: "server flight missing Finished"}
	}

	leaf := flight.CertificateChain[0]
	if err := verifyCertVerifySignature(leaf, certVerifyAlg, certVerifySig, transcriptThroughCert); err != nil {
		return nil, &HandshakeError{Reason: "CertificateVerify signature invalid", Err: err}
	}

	expectedVerifyData, err := ks.DeriveFinishedVerifyData(ks.ServerHandshakeSecret(), transcriptThroughCV)
	if err != nil {
		return nil, &HandshakeError{Reason: "failed to compute server Finished", Err: err}
	}
	if !hmac.Equal(finishedData, expectedVerifyData) {
		return nil, &HandshakeError{Reason: "server Finished verify_data mismatch"}
	}

	flight.TranscriptThroughFinished = transcript
	return flight, nil
}

// BuildClientFinished computes the client Finished message over the
// transcript through server Finished.
func BuildClientFinished(ks *KeySchedule, transcript []byte) ([]byte, error) {
	transcriptHash := hashTranscript(ks, transcript)
	verifyData, err := ks.DeriveFinishedVerifyData(ks.ClientHandshakeSecret(), transcriptHash)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, 4+len(verifyData))
	msg[0] = byte(typeFinished)
	putUint24(msg[1:4], uint32(len(verifyData)))
	copy(msg[4:], verifyData)
	return msg, nil
}

// hashTranscript hashes accumulated handshake messages with the suite hash.
func hashTranscript(ks *KeySchedule, transcript []byte) []byte {
	h := ks.NewTranscriptHash()
	h.Write(transcript)
	return h.Sum(nil)
}

// parseCertificateMsg extracts the raw DER entries from a TLS 1.3
// Certificate handshake message.
func parseCertificateMsg(msg []byte) ([][]byte, error) {
	if len(msg) < 4 || HandshakeType(msg[0]) != typeCertificate {
		return nil, &HandshakeError{Reason: "malformed Certificate message"}
	}
	d := msg[4:]

	if len(d) < 1 {
		return nil, &HandshakeError{Reason: "Certificate message truncated"}
	}
	ctxLen := int(d[0])
	d = d[1:]
	if len(d) < ctxLen {
		return nil, &HandshakeError{Reason: "Certificate request context truncated"}
	}
	d = d[ctxLen:]

	if len(d) < 3 {
		return nil, &HandshakeError{Reason: "Certificate list truncated"}
	}
	listLen := int(d[0])<<16 | int(d[1])<<8 | int(d[2])
	d = d[3:]
	if len(d) < listLen {
		return nil, &HandshakeError{Reason: "Certificate list truncated"}
	}
	d = d[:listLen]

	var entries [][]byte
	for len(d) > 0 {
		if len(d) < 3 {
			return nil, &HandshakeError{Reason: "Certificate entry truncated"}
		}
		certLen := int(d[0])<<16 | int(d[1])<<8 | int(d[2])
		d = d[3:]
		if len(d) < certLen {
			return nil, &HandshakeError{Reason: "Certificate entry truncated"}
		}
		entries = append(entries, append([]byte(nil), d[:certLen]...))
		d = d[certLen:]

		if len(d) < 2 {
			return nil, &HandshakeError{Reason: "Certificate extensions truncated"}
		}
		extLen := int(d[0])<<8 | int(d[1])
		d = d[2:]
		if len(d) < extLen {
			return nil, &HandshakeError{Reason: "Certificate extensions truncated"}
		}
		d = d[extLen:]
	}

	if len(entries) == 0 {
		return nil, &HandshakeError{Reason: "Certificate message carries no certificates"}
	}
	return entries, nil
}

// parseCertificateVerify extracts the signature algorithm and signature.
func parseCertificateVerify(msg []byte) (uint16, []byte, error) {
	if len(msg) < 4 || HandshakeType(msg[0]) != typeCertificateVerify {
		return 0, nil, &HandshakeError{Reason: "malformed CertificateVerify message"}
	}
	d := msg[4:]
	if len(d) < 4 {
		return 0, nil, &HandshakeError{Reason: "CertificateVerify truncated"}
	}
	alg := uint16(d[0])<<8 | uint16(d[1])
	sigLen := int(d[2])<<8 | int(d[3])
	d = d[4:]
	if len(d) != sigLen {
		return 0, nil, &HandshakeError{Reason: "CertificateVerify signature length mismatch"}
	}
	return alg, append([]byte(nil), d...), nil
}

// verifyCertVerifySignature checks the CertificateVerify signature against
// the leaf certificate's public key.
func verifyCertVerifySignature(cert *x509.Certificate, alg uint16, signature, transcriptHash []byte) error {
	// signed content: 64 spaces, the context string, a zero byte, then the
	// transcript hash
	content := make([]byte, 0, 64+len(serverCertVerifyContext)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		content = append(content, 0x20)
	}
	content = append(content, serverCertVerifyContext...)
	content = append(content, 0x00)
	content = append(content, transcriptHash...)

	switch alg {
	case rsa_pss_rsae_sha256, rsa_pss_rsae_sha384, rsa_pss_rsae_sha512:
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("signature algorithm 0x%04x requires an RSA key", alg)
		}
		var h crypto.Hash
		switch alg {
		case rsa_pss_rsae_sha256:
			h = crypto.SHA256
		case rsa_pss_rsae_sha384:
			h = crypto.SHA384
		default:
			h = crypto.SHA512
		}
		hasher := h.New()
		hasher.Write(content)
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: h}
		return rsa.VerifyPSS(pub, h, hasher.Sum(nil), signature, opts)

	case ecdsa_secp256r1_sha256:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("signature algorithm 0x%04x requires an ECDSA key", alg)
		}
		digest := sha256.Sum256(content)
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return fmt.Errorf("ECDSA signature verification failed")
		}
		return nil

	case ecdsa_secp384r1_sha384:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("signature algorithm 0x%04x requires an ECDSA key", alg)
		}
		digest := sha512.Sum384(content)
		if !ecdsa.VerifyASN1(pub, digest[:], signature) {
			return fmt.Errorf("ECDSA signature verification failed")
		}
		return nil

	default:
		return fmt.Errorf("unsupported CertificateVerify algorithm: 0x%04x", alg)
	}
}

// alertFromPlaintext interprets a two-byte alert payload.
func alertFromPlaintext(data []byte) error {
	if len(data) < 2 {
		return &HandshakeError{Reason: "truncated alert record"}
	}
	return &AlertError{Level: data[0], Description: data[1]}
}
