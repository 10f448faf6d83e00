package qrtoken

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"campusattend/internal/apperrors"
)

// Codec mints and reads the opaque strings shown in a session's QR code.
type Codec interface {
	NewToken(sessionID string) (string, error)
	// Verify returns the session the token was minted for, or ErrInvalidToken.
	Verify(token string) (string, error)
}

// SignedCodec mints HS256-signed tokens carrying the session id and a random nonce.
// Without the key a token can neither be forged nor derived from the session id.
type SignedCodec struct {
	key    []byte
	issuer string
}

// NewSignedCodec creates a codec keyed by signingKey.
func NewSignedCodec(signingKey, issuer string) *SignedCodec {
	return &SignedCodec{key: []byte(signingKey), issuer: issuer}
}

// NewToken mints a fresh token for sessionID.
func (c *SignedCodec) NewToken(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("qrtoken: empty session id")
	}
	claims := jwt.RegisteredClaims{
		Issuer:  c.issuer,
		Subject: sessionID,
		ID:      uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("qrtoken: sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and issuer. Expiry is owned by the session, not the token.
func (c *SignedCodec) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(c.issuer))
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return "", apperrors.ErrInvalidToken
	}
	return claims.Subject, nil
}
