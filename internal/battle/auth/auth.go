package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"codebattle/internal/common/cache"
	pkgerrors "codebattle/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTypeAccess      = "access"
	tokenBlacklistPrefix = "battle:token:blacklist:"
	blacklistTimeout     = 500 * time.Millisecond
)

// Config holds token verification settings.
type Config struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

type UserInfo struct {
	ID   string
	Role string
}

// Authenticator verifies access tokens issued by the user service.
type Authenticator struct {
	jwtSecret []byte
	jwtIssuer string
	blacklist cache.BasicOps
	now       func() time.Time
}

// NewAuthenticator creates an authenticator. blacklist may be nil.
func NewAuthenticator(cfg Config, blacklist cache.BasicOps) *Authenticator {
	return &Authenticator{
		jwtSecret: []byte(cfg.JWTSecret),
		jwtIssuer: cfg.JWTIssuer,
		blacklist: blacklist,
		now:       time.Now,
	}
}

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Authenticate validates raw and returns the user it was issued to.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (UserInfo, error) {
	if raw == "" {
		return UserInfo{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, err := a.parseToken(raw)
	if err != nil {
		return UserInfo{}, err
	}
	if a.blacklist != nil {
		ctxCache, cancel := context.WithTimeout(ctx, blacklistTimeout)
		n, err := a.blacklist.Exists(ctxCache, tokenBlacklistPrefix+hashToken(raw))
		cancel()
		if err != nil {
			return UserInfo{}, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable)
		}
		if n > 0 {
			return UserInfo{}, pkgerrors.New(pkgerrors.TokenInvalid)
		}
	}
	return UserInfo{ID: claims.Subject, Role: claims.Role}, nil
}

// Issue signs an access token for userID. It is used by local tooling; the
// user service issues production tokens with the same claims.
func (a *Authenticator) Issue(userID, role string, ttl time.Duration) (string, error) {
	if len(a.jwtSecret) == 0 {
		return "", pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("jwt secret is not configured")
	}
	now := a.now()
	claims := tokenClaims{
		Role:      role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.jwtIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtSecret)
}

func (a *Authenticator) parseToken(raw string) (*tokenClaims, error) {
	if len(a.jwtSecret) == 0 {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.jwtSecret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if a.jwtIssuer != "" && claims.Issuer != a.jwtIssuer {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	return claims, nil
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// BlacklistKey returns the cache key marking raw as revoked.
func BlacklistKey(raw string) string {
	return tokenBlacklistPrefix + hashToken(raw)
}
