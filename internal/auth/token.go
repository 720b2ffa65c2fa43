// ABOUTME: JWT token validation for authenticating UI connections.
// ABOUTME: HS256 with a configurable secret; identity comes from the sub claim.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens are scoped to UI sessions: anything minted for another audience
// (an admin API, a deploy hook) is rejected even when the signature checks
// out.
const (
	Issuer     = "agenthub"
	UIAudience = "agenthub-ui"
	DefaultTTL = 24 * time.Hour
)

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrWrongAudience = errors.New("token not issued for ui sessions")
)

// Validator checks UI registration tokens and yields the authenticated identity.
type Validator interface {
	Validate(token string) (identity string, err error)
}

// JWTValidator implements Validator using HS256 signed JWTs.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a validator with the given secret.
func NewJWTValidator(secret []byte) *JWTValidator {
	return &JWTValidator{secret: secret}
}

// Validate checks signature, issuer, audience, and expiry, and extracts the
// identity from the "sub" claim.
func (v *JWTValidator) Validate(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithIssuer(Issuer),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	aud, err := claims.GetAudience()
	if err != nil || !containsAudience(aud, UIAudience) {
		return "", ErrWrongAudience
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate mints a UI-session token for the given identity with an
// expiration. Used by the hub CLI to hand tokens to UI clients.
func (v *JWTValidator) Generate(identity string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = DefaultTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": identity,
		"iss": Issuer,
		"aud": UIAudience,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
