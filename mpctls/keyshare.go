package mpctls

import (
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
)

// Additive ECDHE key shares over P-256. The prover and notary each hold a
// scalar; the ClientHello carries the combined point Q = aG + bG, so the
// server's ECDHE result s*Q can only be reconstructed with both scalars.
// The notary finishes the computation from the prover's partial point:
// Z = a*S + b*S where S is the server share.

const (
	// KeySharePointSize is the length of an uncompressed P-256 point.
	KeySharePointSize = 65

	// sharedSecretSize is the length of the ECDHE x coordinate.
	sharedSecretSize = 32
)

// ECDHEShare is one party's additive share of the session ECDHE key.
type ECDHEShare struct {
	scalar []byte
	public []byte
}

// GenerateECDHEShare creates a fresh share with a random scalar.
func GenerateECDHEShare() (*ECDHEShare, error) {
	curve := elliptic.P256()
	scalar, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ECDHE share generation failed: %v", err)
	}
	return &ECDHEShare{
		scalar: scalar,
		public: elliptic.Marshal(curve, x, y),
	}, nil
}

// PublicPoint returns the share's public point in uncompressed form.
func (s *ECDHEShare) PublicPoint() []byte {
	out := make([]byte, len(s.public))
	copy(out, s.public)
	return out
}

// PartialSecret computes this share's contribution a*S over the server's
// key share. The full point is returned so the peer can finish the
// addition.
func (s *ECDHEShare) PartialSecret(serverShare []byte) ([]byte, error) {
	curve := elliptic.P256()
	sx, sy := elliptic.Unmarshal(curve, serverShare)
	if sx == nil {
		return nil, errors.New("server key share is not a valid P-256 point")
	}
	px, py := curve.ScalarMult(sx, sy, s.scalar)
	return elliptic.Marshal(curve, px, py), nil
}

// SecureZero wipes the private scalar.
func (s *ECDHEShare) SecureZero() {
	for i := range s.scalar {
		s.scalar[i] = 0
	}
}

// CombinePublicShares adds two public points into the joint ClientHello
// key share Q = A + B.
func CombinePublicShares(shareA, shareB []byte) ([]byte, error) {
	curve := elliptic.P256()
	ax, ay := elliptic.Unmarshal(curve, shareA)
	if ax == nil {
		return nil, errors.New("share A is not a valid P-256 point")
	}
	bx, by := elliptic.Unmarshal(curve, shareB)
	if bx == nil {
		return nil, errors.New("share B is not a valid P-256 point")
	}
	qx, qy := curve.Params().Add(ax, ay, bx, by)
	return elliptic.Marshal(curve, qx, qy), nil
}

// CombineSharedSecret finishes the ECDHE computation: it adds the peer's
// partial point a*S to this share's own b*S and returns the x coordinate,
// which is the TLS 1.3 shared secret.
func (s *ECDHEShare) CombineSharedSecret(partialSecret, serverShare []byte) ([]byte, error) {
	curve := elliptic.P256()

	px, py := elliptic.Unmarshal(curve, partialSecret)
	if px == nil {
		return nil, errors.New("partial secret is not a valid P-256 point")
	}
	sx, sy := elliptic.Unmarshal(curve, serverShare)
	if sx == nil {
		return nil, errors.New("server key share is not a valid P-256 point")
	}

	ox, oy := curve.ScalarMult(sx, sy, s.scalar)
	zx, zy := curve.Params().Add(px, py, ox, oy)
	if zx.Sign() == 0 && zy.Sign() == 0 {
		return nil, errors.New("combined ECDHE point is at infinity")
	}

	secret := make([]byte, sharedSecretSize)
	zx.FillBytes(secret)
	return secret, nil
}

// SharedSecretDirect computes a*S directly and returns the x coordinate.
// Used when a single party holds the whole scalar, as a test server does.
func (s *ECDHEShare) SharedSecretDirect(peerShare []byte) ([]byte, error) {
	curve := elliptic.P256()
	px, py := elliptic.Unmarshal(curve, peerShare)
	if px == nil {
		return nil, errors.New("peer key share is not a valid P-256 point")
	}
	zx, _ := curve.ScalarMult(px, py, s.scalar)
	if zx.Sign() == 0 {
		return nil, errors.New("ECDHE result is at infinity")
	}
	secret := make([]byte, sharedSecretSize)
	zx.FillBytes(secret)
	return secret, nil
}
