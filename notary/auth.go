package notary

import (
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Authorizer validates bearer tokens on session open. When disabled it
// admits every request.
type Authorizer struct {
	enabled bool
	secret  []byte
}

// NewAuthorizer builds an authorizer from the server configuration.
func NewAuthorizer(cfg *Config) *Authorizer {
	return &Authorizer{
		enabled: cfg.AuthEnabled,
		secret:  []byte(cfg.AuthSecret),
	}
}

// Enabled reports whether token checks are active.
func (a *Authorizer) Enabled() bool {
	return a.enabled
}

// Authorize validates an HMAC-signed token. Expiry and not-before claims
// are enforced when present.
func (a *Authorizer) Authorize(tokenStr string) error {
	if !a.enabled {
		return nil
	}
	if tokenStr == "" {
		return fmt.Errorf("missing authorization token")
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return fmt.Errorf("invalid authorization token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid authorization token")
	}
	return nil
}

// IssueToken creates an HMAC-signed token for the given claims. Used by
// operators to mint prover credentials.
func IssueToken(secret []byte, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
