// Package auth authenticates callers of the records HTTP API. The service
// signs with its own wallet, so every caller must hold a bearer token issued
// for that wallet identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"github.com/medrex/emr-ledger/pkg/config"
)

var (
	ErrTokenExpired  = errors.New("token has expired")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrWrongIdentity = errors.New("token was issued for another identity")
)

// Claims is what a validated token says about its holder
type Claims struct {
	Identity  common.Address
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenValidator issues and validates HS256 bearer tokens
type TokenValidator struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	identity common.Address
}

// NewTokenValidator creates a validator from the JWT settings. When identity
// is not the zero address only tokens whose subject is identity are accepted.
func NewTokenValidator(cfg config.JWTConfig, identity common.Address) (*TokenValidator, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("jwt secret key is required")
	}
	if cfg.AccessTokenTTL <= 0 {
		return nil, fmt.Errorf("jwt access token ttl must be positive")
	}

	return &TokenValidator{
		secret:   []byte(cfg.SecretKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      time.Duration(cfg.AccessTokenTTL) * time.Second,
		identity: identity,
	}, nil
}

// Issue signs a token for subject
func (tv *TokenValidator) Issue(subject common.Address) (string, time.Time, error) {
	if subject == (common.Address{}) {
		return "", time.Time{}, fmt.Errorf("token subject is required")
	}

	now := time.Now()
	expiresAt := now.Add(tv.ttl)

	claims := jwt.RegisteredClaims{
		Issuer:    tv.issuer,
		Subject:   subject.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-10 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	if tv.audience != "" {
		claims.Audience = jwt.ClaimStrings{tv.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// Validate parses tokenString and returns its claims
func (tv *TokenValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}
	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tv.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	if !common.IsHexAddress(claims.Subject) {
		return nil, fmt.Errorf("%w: subject is not an address", ErrTokenInvalid)
	}
	subject := common.HexToAddress(claims.Subject)
	if tv.identity != (common.Address{}) && subject != tv.identity {
		return nil, ErrWrongIdentity
	}

	out := &Claims{Identity: subject}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
