package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pingpay/pingpay/internal/config"
	"github.com/pingpay/pingpay/internal/errs"
)

// Claims is the JWT payload issued after OTP verification.
type Claims struct {
	Phone string `json:"phone"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies session tokens.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	expiry   time.Duration
}

// NewTokenIssuer builds an issuer from JWT configuration.
func NewTokenIssuer(cfg config.JWTConfig) *TokenIssuer {
	return &TokenIssuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		expiry:   time.Duration(cfg.ExpiryMinutes) * time.Minute,
	}
}

// Issue signs a token for the user.
func (t *TokenIssuer) Issue(userID uuid.UUID, phone string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(t.expiry)
	claims := Claims{
		Phone: phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, errs.Wrap(err, errs.CodeInternal, "could not sign token")
	}
	return signed, expiresAt, nil
}

// Verify parses a token and returns the authenticated user id.
func (t *TokenIssuer) Verify(token string) (uuid.UUID, *Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New(errs.CodeUnauthorized, "unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return uuid.Nil, nil, errs.Wrap(err, errs.CodeUnauthorized, "invalid token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, nil, errs.Wrap(err, errs.CodeUnauthorized, "invalid token subject")
	}
	return userID, &claims, nil
}
