package mpctls

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"
)

// testTLSServer is an in-memory TLS 1.3 server for handshake and record
// tests. Unlike the engines it holds the whole ECDHE scalar, the way a
// real target does, and serves a self-signed certificate.
type testTLSServer struct {
	t       *testing.T
	host    string
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certDER []byte
	share   *ECDHEShare

	// pickSuite forces the negotiated suite; zero takes the client's
	// first offer.
	pickSuite uint16

	suite      uint16
	ks         *KeySchedule
	transcript []byte

	clientHsAEAD  *AEAD
	serverAppAEAD *AEAD
	clientAppAEAD *AEAD
}

func newTestTLSServer(t *testing.T, host string) *testTLSServer {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("server: generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              []string{host},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("server: create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("server: parse certificate: %v", err)
	}
	share, err := GenerateECDHEShare()
	if err != nil {
		t.Fatalf("server: generate ECDHE share: %v", err)
	}

	return &testTLSServer{
		t:       t,
		host:    host,
		key:     key,
		cert:    cert,
		certDER: certDER,
		share:   share,
	}
}

// roots returns a pool trusting only this server's certificate.
func (s *testTLSServer) roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.cert)
	return pool
}

// respondToClientHello consumes a ClientHello record and produces the
// server reply: the ServerHello record plus the encrypted flight
// (compatibility CCS, EncryptedExtensions+Certificate, CertificateVerify,
// Finished). Session keys for both directions are derived as a side
// effect.
func (s *testTLSServer) respondToClientHello(chRecord []byte) (shRecord []byte, flight [][]byte) {
	s.t.Helper()

	rec, err := ParseRecord(chRecord)
	if err != nil {
		s.t.Fatalf("server: bad ClientHello record: %v", err)
	}
	chMsg := rec.Fragment
	info, err := parseClientHelloInfo(chMsg)
	if err != nil {
		s.t.Fatalf("server: parse ClientHello: %v", err)
	}
	if len(info.KeyShare) == 0 {
		s.t.Fatal("server: ClientHello carries no secp256r1 key share")
	}

	suite := s.pickSuite
	if suite == 0 {
		if len(info.CipherSuites) == 0 {
			s.t.Fatal("server: ClientHello offers no cipher suites")
		}
		suite = info.CipherSuites[0]
	}
	s.suite = suite

	random := make([]byte, 32)
	rand.Read(random)
	shMsg := buildServerHelloMsg(suite, random, nil, s.share.PublicPoint())
	shRecord = BuildRecord(ContentTypeHandshake, shMsg)

	sharedSecret, err := s.share.SharedSecretDirect(info.KeyShare)
	if err != nil {
		s.t.Fatalf("server: ECDHE: %v", err)
	}
	ks, err := NewKeySchedule(suite)
	if err != nil {
		s.t.Fatalf("server: key schedule: %v", err)
	}
	s.ks = ks
	ks.InitializeEarlySecret()
	if err := ks.DeriveHandshakeSecret(sharedSecret); err != nil {
		s.t.Fatalf("server: handshake secret: %v", err)
	}

	s.transcript = append(append([]byte{}, chMsg...), shMsg...)
	if err := ks.DeriveHandshakeTrafficSecrets(s.hash(s.transcript)); err != nil {
		s.t.Fatalf("server: handshake traffic secrets: %v", err)
	}

	serverHsKeys, err := ks.DeriveTrafficKeys(ks.ServerHandshakeSecret())
	if err != nil {
		s.t.Fatalf("server: traffic keys: %v", err)
	}
	serverHsAEAD, err := NewAEAD(serverHsKeys.Key, serverHsKeys.IV, suite)
	if err != nil {
		s.t.Fatalf("server: handshake AEAD: %v", err)
	}

	ee := []byte{byte(typeEncryptedExtensions), 0, 0, 2, 0, 0}
	certMsg := buildCertificateMsg(s.certDER)
	s.transcript = append(s.transcript, ee...)
	s.transcript = append(s.transcript, certMsg...)
	cvMsg := s.signCertificateVerify()
	s.transcript = append(s.transcript, cvMsg...)
	finMsg := s.serverFinished()
	s.transcript = append(s.transcript, finMsg...)

	flight = append(flight, BuildRecord(recordTypeChangeCipherSpec, []byte{1}))
	for _, payload := range [][]byte{
		append(append([]byte{}, ee...), certMsg...),
		cvMsg,
		finMsg,
	} {
		sealed, err := serverHsAEAD.SealRecord(ContentTypeHandshake, payload)
		if err != nil {
			s.t.Fatalf("server: seal flight record: %v", err)
		}
		flight = append(flight, sealed.Bytes())
	}

	if err := ks.DeriveMasterSecret(); err != nil {
		s.t.Fatalf("server: master secret: %v", err)
	}
	if err := ks.DeriveApplicationTrafficSecrets(s.hash(s.transcript)); err != nil {
		s.t.Fatalf("server: application traffic secrets: %v", err)
	}

	s.clientHsAEAD = s.aeadFor(ks.ClientHandshakeSecret())
	s.serverAppAEAD = s.aeadFor(ks.ServerAppSecret())
	s.clientAppAEAD = s.aeadFor(ks.ClientAppSecret())
	return shRecord, flight
}

func (s *testTLSServer) aeadFor(secret []byte) *AEAD {
	s.t.Helper()
	keys, err := s.ks.DeriveTrafficKeys(secret)
	if err != nil {
		s.t.Fatalf("server: traffic keys: %v", err)
	}
	aead, err := NewAEAD(keys.Key, keys.IV, s.suite)
	if err != nil {
		s.t.Fatalf("server: AEAD: %v", err)
	}
	return aead
}

func (s *testTLSServer) hash(transcript []byte) []byte {
	h := s.ks.NewTranscriptHash()
	h.Write(transcript)
	return h.Sum(nil)
}

func (s *testTLSServer) signCertificateVerify() []byte {
	s.t.Helper()

	content := bytes.Repeat([]byte{0x20}, 64)
	content = append(content, serverCertVerifyContext...)
	content = append(content, 0)
	content = append(content, s.hash(s.transcript)...)
	digest := sha256.Sum256(content)

	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		s.t.Fatalf("server: sign CertificateVerify: %v", err)
	}

	body := []byte{byte(ecdsa_secp256r1_sha256 >> 8), byte(ecdsa_secp256r1_sha256 & 0xff)}
	body = append(body, byte(len(sig)>>8), byte(len(sig)))
	body = append(body, sig...)

	msg := []byte{byte(typeCertificateVerify), 0, 0, 0}
	putUint24(msg[1:4], uint32(len(body)))
	return append(msg, body...)
}

func (s *testTLSServer) serverFinished() []byte {
	s.t.Helper()
	verify, err := s.ks.DeriveFinishedVerifyData(s.ks.ServerHandshakeSecret(), s.hash(s.transcript))
	if err != nil {
		s.t.Fatalf("server: Finished verify_data: %v", err)
	}
	msg := []byte{byte(typeFinished), 0, 0, 0}
	putUint24(msg[1:4], uint32(len(verify)))
	return append(msg, verify...)
}

// acceptClientFinished opens the client Finished record and checks its
// verify_data, completing the handshake from the server's side.
func (s *testTLSServer) acceptClientFinished(raw []byte) error {
	rec, err := ParseRecord(raw)
	if err != nil {
		return err
	}
	payload, contentType, err := s.clientHsAEAD.OpenRecord(rec)
	if err != nil {
		return err
	}
	if contentType != ContentTypeHandshake {
		return fmt.Errorf("expected handshake content, got type %d", contentType)
	}
	if len(payload) < 4 || HandshakeType(payload[0]) != typeFinished {
		return fmt.Errorf("expected client Finished message")
	}
	expected, err := s.ks.DeriveFinishedVerifyData(s.ks.ClientHandshakeSecret(), s.hash(s.transcript))
	if err != nil {
		return err
	}
	if !hmac.Equal(payload[4:], expected) {
		return fmt.Errorf("client Finished verify_data mismatch")
	}
	return nil
}

// appRecord seals a server-to-client application data record.
func (s *testTLSServer) appRecord(payload []byte) []byte {
	s.t.Helper()
	rec, err := s.serverAppAEAD.SealRecord(ContentTypeApplicationData, payload)
	if err != nil {
		s.t.Fatalf("server: seal application record: %v", err)
	}
	return rec.Bytes()
}

// alertRecord seals an alert under the server application keys.
func (s *testTLSServer) alertRecord(level, desc byte) []byte {
	s.t.Helper()
	rec, err := s.serverAppAEAD.SealRecord(ContentTypeAlert, []byte{level, desc})
	if err != nil {
		s.t.Fatalf("server: seal alert record: %v", err)
	}
	return rec.Bytes()
}

// sessionTicketRecord seals a NewSessionTicket, the usual post-handshake
// noise a real server sends before application data.
func (s *testTLSServer) sessionTicketRecord() []byte {
	s.t.Helper()

	nonce := []byte{0}
	ticket := []byte("opaque-resumption-ticket")
	body := []byte{0x00, 0x00, 0x0e, 0x10} // ticket_lifetime
	body = append(body, 0x12, 0x34, 0x56, 0x78) // ticket_age_add
	body = append(body, byte(len(nonce)))
	body = append(body, nonce...)
	body = append(body, byte(len(ticket)>>8), byte(len(ticket)))
	body = append(body, ticket...)
	body = append(body, 0, 0) // no extensions

	msg := []byte{byte(typeNewSessionTicket), 0, 0, 0}
	putUint24(msg[1:4], uint32(len(body)))
	msg = append(msg, body...)

	rec, err := s.serverAppAEAD.SealRecord(ContentTypeHandshake, msg)
	if err != nil {
		s.t.Fatalf("server: seal session ticket: %v", err)
	}
	return rec.Bytes()
}

// openClientRecord opens a client-to-server application data record.
func (s *testTLSServer) openClientRecord(raw []byte) []byte {
	s.t.Helper()
	rec, err := ParseRecord(raw)
	if err != nil {
		s.t.Fatalf("server: bad client record: %v", err)
	}
	payload, contentType, err := s.clientAppAEAD.OpenRecord(rec)
	if err != nil {
		s.t.Fatalf("server: open client record: %v", err)
	}
	if contentType != ContentTypeApplicationData {
		s.t.Fatalf("server: expected application data, got type %d", contentType)
	}
	return payload
}

// buildServerHelloMsg assembles a handshake-layer ServerHello with the
// TLS 1.3 supported_versions and key_share extensions.
func buildServerHelloMsg(suite uint16, random, sessionID, serverShare []byte) []byte {
	var body []byte
	body = append(body, 0x03, 0x03)
	body = append(body, random...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	body = append(body, byte(suite>>8), byte(suite))
	body = append(body, 0) // null compression

	var exts []byte
	exts = append(exts, byte(extensionSupportedVersions>>8), byte(extensionSupportedVersions))
	exts = append(exts, 0, 2, 0x03, 0x04)

	exts = append(exts, byte(extensionKeyShare>>8), byte(extensionKeyShare))
	shareLen := 4 + len(serverShare)
	exts = append(exts, byte(shareLen>>8), byte(shareLen))
	exts = append(exts, byte(secp256r1>>8), byte(secp256r1))
	exts = append(exts, byte(len(serverShare)>>8), byte(len(serverShare)))
	exts = append(exts, serverShare...)

	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)

	msg := []byte{byte(typeServerHello), 0, 0, 0}
	putUint24(msg[1:4], uint32(len(body)))
	return append(msg, body...)
}

// buildCertificateMsg assembles a one-entry TLS 1.3 Certificate message.
func buildCertificateMsg(certDER []byte) []byte {
	var entry []byte
	entry = append(entry, byte(len(certDER)>>16), byte(len(certDER)>>8), byte(len(certDER)))
	entry = append(entry, certDER...)
	entry = append(entry, 0, 0) // no extensions

	body := []byte{0} // empty certificate_request_context
	body = append(body, byte(len(entry)>>16), byte(len(entry)>>8), byte(len(entry)))
	body = append(body, entry...)

	msg := []byte{byte(typeCertificate), 0, 0, 0}
	putUint24(msg[1:4], uint32(len(body)))
	return append(msg, body...)
}
