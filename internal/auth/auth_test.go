package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	v := NewJWTVerifier("test-secret", "sensocto")

	token, err := v.Generate("user-1", "conn-1", "connector", time.Minute)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub.ID)
	assert.Equal(t, "conn-1", sub.ConnectorID)
	assert.Equal(t, "connector", sub.Role)
}

func TestJWTRejectsBadSecret(t *testing.T) {
	issuer := NewJWTVerifier("secret-a", "sensocto")
	verifier := NewJWTVerifier("secret-b", "sensocto")

	token, err := issuer.Generate("user-1", "conn-1", "connector", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTRejectsExpired(t *testing.T) {
	v := NewJWTVerifier("test-secret", "sensocto")
	token, err := v.Generate("user-1", "conn-1", "connector", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTRejectsWrongIssuer(t *testing.T) {
	issuer := NewJWTVerifier("test-secret", "someone-else")
	verifier := NewJWTVerifier("test-secret", "sensocto")

	token, err := issuer.Generate("user-1", "conn-1", "connector", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestJWTRejectsGarbage(t *testing.T) {
	v := NewJWTVerifier("test-secret", "")
	_, err := v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStaticVerifier(t *testing.T) {
	v := &StaticVerifier{Token: "dev-token", Subject: Subject{ID: "dev"}}

	sub, err := v.Verify("dev-token")
	require.NoError(t, err)
	assert.Equal(t, "dev", sub.ID)

	_, err = v.Verify("wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = v.Verify("")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
