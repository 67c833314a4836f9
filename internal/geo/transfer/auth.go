package transfer

import (
	"encoding/json"
	"fmt"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"gitlab.com/gitlab-org/geo/internal/helper"
)

// tokenLifetime bounds how long a signed transfer request is accepted by the primary.
const tokenLifetime = 10 * time.Minute

// Signer creates the Authorization header of requests sent to the primary.
type Signer struct {
	accessKey string
	secret    []byte
	now       helper.Clock
}

// NewSigner returns a Signer identifying the node with accessKey and signing
// with the shared secret.
func NewSigner(accessKey, secret string, now helper.Clock) *Signer {
	if now == nil {
		now = helper.SystemClock
	}
	return &Signer{accessKey: accessKey, secret: []byte(secret), now: now}
}

// Header returns the value of the Authorization header for a request about
// the given scope. The scope is embedded as JSON in the data claim.
func (s *Signer) Header(scope map[string]interface{}) (string, error) {
	data, err := json.Marshal(scope)
	if err != nil {
		return "", fmt.Errorf("marshal scope: %w", err)
	}

	issuedAt := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"data": string(data),
		"iat":  issuedAt.Unix(),
		"exp":  issuedAt.Add(tokenLifetime).Unix(),
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return fmt.Sprintf("GL-Geo %s:%s", s.accessKey, signed), nil
}
