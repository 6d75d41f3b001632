package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for any token the verifier will not accept.
// The channel layer closes the session with this reason.
var ErrUnauthorized = errors.New("unauthorized")

// Subject is the identity derived from a verified token.
type Subject struct {
	ID          string
	ConnectorID string
	Role        string
}

// TokenVerifier checks a bearer token presented in a join frame. Verify must
// be cheap; it runs inline on the session goroutine.
type TokenVerifier interface {
	Verify(token string) (Subject, error)
}

// Claims is the JWT payload shape issued to connectors.
type Claims struct {
	ConnectorID string `json:"connector_id"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed connector tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier for the shared secret. issuer is
// optional; empty skips the issuer check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates the token.
func (v *JWTVerifier) Verify(tokenString string) (Subject, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Subject{}, ErrUnauthorized
	}
	return Subject{
		ID:          claims.Subject,
		ConnectorID: claims.ConnectorID,
		Role:        claims.Role,
	}, nil
}

// Generate signs a connector token. Mostly for tooling and tests; production
// tokens come from the identity service.
func (v *JWTVerifier) Generate(subject, connectorID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		ConnectorID: connectorID,
		Role:        role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// StaticVerifier accepts an exact token string. Used in development mode and
// tests where no identity service exists.
type StaticVerifier struct {
	Token   string
	Subject Subject
}

// Verify compares against the configured token.
func (v *StaticVerifier) Verify(token string) (Subject, error) {
	if token == "" || token != v.Token {
		return Subject{}, ErrUnauthorized
	}
	return v.Subject, nil
}
