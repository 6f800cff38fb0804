// Package identity mints and verifies the bearer tokens that establish a
// caller's uid and role. Tokens are symmetric HS256 JWTs; there is no
// external identity provider.
package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/org/raskol/pkg/errors"
)

// Role is the caller's authorization level. HACKER and ADMIN may call
// diagnostic endpoints that plain USER callers cannot.
type Role string

const (
	RoleUser   Role = "USER"
	RoleHacker Role = "HACKER"
	RoleAdmin  Role = "ADMIN"
)

// Claims is the JWT payload minted by the `jwt` CLI subcommand and verified
// on every proxied request.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Config holds the symmetric secret and the issuer/audience every token is
// checked against.
type Config struct {
	Secret   string
	Audience string
	Issuer   string
}

// Verifier mints and validates Claims against a fixed Config.
type Verifier struct {
	cfg Config
}

func NewVerifier(cfg Config) *Verifier {
	return &Verifier{cfg: cfg}
}

// Mint produces a signed token for uid with the given role and ttl.
func (v *Verifier) Mint(uid string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			Audience:  jwt.ClaimStrings{v.cfg.Audience},
			Issuer:    v.cfg.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.cfg.Secret))
}

// Verify parses and validates a bearer token, returning its claims. A
// malformed, unsigned, wrong-issuer/audience, or expired token is reported as
// a *apperrors.AppError of type bad_auth; leeway is zero, matching the
// original implementation's stance that exp should mean what it says.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(v.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(0),
	)
	if err != nil {
		return nil, apperrors.NewBadAuthError("invalid bearer token: "+reasonFor(err), err)
	}
	if !token.Valid {
		return nil, apperrors.NewBadAuthError("invalid bearer token: bad-signature", nil)
	}
	return claims, nil
}

// reasonFor classifies a jwt/v5 parse/validation error into the one-word
// suffix spec callers use to distinguish why a token was rejected, checked
// most-specific first since the library wraps several sentinels together in
// a single joined error for some failure combinations.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "bad-format"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "wrong-issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "wrong-audience"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return "bad-signature"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "bad-format"
	default:
		return "bad-signature"
	}
}

// CanDiagnose reports whether role is permitted to call /ping, /stats and
// other introspection endpoints restricted to elevated roles.
func (r Role) CanDiagnose() bool {
	return r == RoleHacker || r == RoleAdmin
}

// IsAdmin reports whether role may call admin-only endpoints such as
// /total-stats.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}
