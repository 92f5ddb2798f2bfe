package directory

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gamedo/pkg/domain"
)

const (
	defaultSessionIssuer = "gamedo-directory"
	defaultSessionTTL    = 24 * time.Hour
)

// SessionConfig configures session issuance.
type SessionConfig struct {
	Secret  []byte
	TTL     time.Duration
	Issuer  string
	Revoker Revoker
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	secret  []byte
	ttl     time.Duration
	issuer  string
	revoker Revoker
	now     func() time.Time
}

// NewSessions builds a session issuer. A random key is generated when none is configured,
// which means tokens do not survive a restart.
func NewSessions(cfg SessionConfig) (*Sessions, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session key: %w", err)
		}
	}
	if len(secret) < 16 {
		return nil, errors.New("session key must be at least 16 bytes")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	return &Sessions{
		secret:  secret,
		ttl:     ttl,
		issuer:  issuer,
		revoker: cfg.Revoker,
		now:     time.Now,
	}, nil
}

// Issue signs a session for identity.
func (s *Sessions) Issue(identity string) (Session, error) {
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   identity,
		Issuer:    s.issuer,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{Identity: identity, Token: token, ExpiresAt: expires.Truncate(time.Second)}, nil
}

// Verify validates token and returns its identity. Every failure is ErrUnauthenticated.
func (s *Sessions) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.ErrUnauthenticated
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return "", domain.ErrUnauthenticated
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.IssuedAt == nil {
		return "", domain.ErrUnauthenticated
	}
	if s.revoker != nil {
		cutoff, err := s.revoker.RevokedAfter(claims.Subject)
		if err != nil {
			return "", fmt.Errorf("check revocation: %w", err)
		}
		if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
			return "", domain.ErrUnauthenticated
		}
	}
	return claims.Subject, nil
}

// RevokeBefore voids sessions of identity issued before the current second.
// Issue times have second precision, so sessions from the same second survive.
func (s *Sessions) RevokeBefore(identity string) error {
	if s.revoker == nil {
		return nil
	}
	cutoff := s.now().UTC().Truncate(time.Second).Add(-time.Nanosecond)
	return s.revoker.RevokeUser(identity, cutoff)
}
