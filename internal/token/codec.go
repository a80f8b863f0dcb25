package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type discriminates access from refresh tokens inside the signed
// claims so one can never be presented in place of the other.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Decode failure kinds. Callers collapse all of them into a single
// invalid-token outcome; the distinction exists for diagnostics.
var (
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrWrongAudience    = errors.New("token: audience mismatch")
	ErrWrongIssuer      = errors.New("token: issuer mismatch")
	ErrWrongType        = errors.New("token: unexpected token type")
	ErrMalformed        = errors.New("token: malformed")
)

// Claims is the signed payload embedded in every issued token.
type Claims struct {
	TokenType Type `json:"token_type"`
	jwt.RegisteredClaims
}

// Codec mints and verifies RS256-signed tokens bound to a fixed
// issuer and audience. It holds no mutable state and is safe for
// concurrent use.
type Codec struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
	audience   string
	now        func() time.Time
}

// NewCodec builds a codec around the given key pair. A nil clock
// defaults to time.Now.
func NewCodec(private *rsa.PrivateKey, public *rsa.PublicKey, issuer, audience string, now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{
		privateKey: private,
		publicKey:  public,
		issuer:     issuer,
		audience:   audience,
		now:        now,
	}
}

// Mint signs a token of the given type for subject, expiring after
// ttl. The generated claims are returned alongside the encoded token
// so callers can persist metadata without decoding it back.
func (c *Codec) Mint(subject string, typ Type, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("mint: subject is required")
	}

	issuedAt := c.now().UTC()
	claims := &Claims{
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	return signed, claims, nil
}

// Decode verifies the signature and the issuer, audience, expiry and
// type constraints, returning the embedded claims on success.
func (c *Codec) Decode(tokenString string, expected Type) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) { return c.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithAudience(c.audience),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}

	if claims.TokenType != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, claims.TokenType, expected)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrMalformed)
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrWrongAudience, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrWrongIssuer, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
