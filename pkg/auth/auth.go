package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type Mode string

const (
	ModeNone  Mode = "none"
	ModeToken Mode = "token"
	ModeJWT   Mode = "jwt"
)

var ErrInvalidToken = errors.New("invalid auth token")

// Verifier decides whether a worker may register with the given token.
type Verifier interface {
	Verify(workerId, token string) error
}

// StaticToken accepts exactly one shared secret, compared in constant time.
type StaticToken struct {
	Token string
}

func (s StaticToken) Verify(_ string, token string) error {
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrInvalidToken
	}
	return nil
}

// JWTVerifier accepts HS256 tokens signed with Secret whose subject is the worker id.
type JWTVerifier struct {
	Secret []byte
}

func (j JWTVerifier) Verify(workerId, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return j.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return fmt.Errorf("%w: could not parse claims", ErrInvalidToken)
	}
	if claims.Subject != workerId {
		return fmt.Errorf("%w: token issued for %q", ErrInvalidToken, claims.Subject)
	}
	return nil
}

// New builds the verifier for mode. A nil verifier means registration is open.
// An empty mode is ModeToken when secret is set and ModeNone otherwise. ModeNone
// with a secret is rejected, a configured token is never silently ignored.
func New(mode Mode, secret string) (Verifier, error) {
	if mode == "" {
		mode = ModeNone
		if secret != "" {
			mode = ModeToken
		}
	}
	switch mode {
	case ModeNone:
		if secret != "" {
			return nil, errors.New("auth mode none conflicts with a configured auth token")
		}
		return nil, nil
	case ModeToken:
		if secret == "" {
			return nil, errors.New("auth mode token requires an auth token")
		}
		return StaticToken{Token: secret}, nil
	case ModeJWT:
		if secret == "" {
			return nil, errors.New("auth mode jwt requires a signing secret")
		}
		return JWTVerifier{Secret: []byte(secret)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}
