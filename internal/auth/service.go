package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSessionTTL = 5 * 24 * time.Hour

var (
	ErrInvalidServiceConfig  = errors.New("auth: invalid service config")
	ErrMissingSessionToken   = errors.New("auth: session credential required")
	ErrInvalidSessionToken   = errors.New("auth: invalid session credential")
	ErrExpiredSessionToken   = errors.New("auth: session credential expired")
	ErrRevokedSessionToken   = errors.New("auth: session credential revoked")
	errMissingSigningSecret  = errors.New("session signing secret must be provided")
	errMissingSessionIssuer  = errors.New("session issuer must be provided")
	errMissingIDVerifier     = errors.New("id token verifier must be provided")
	errMissingRevocations    = errors.New("revocation store must be provided")
	errMissingSessionSubject = errors.New("session credential missing subject")
)

// ServiceConfig configures the identity verification service.
type ServiceConfig struct {
	IDTokenVerifier *IDTokenVerifier
	Revocations     *RevocationStore
	SigningSecret   []byte
	Issuer          string
	SessionTTL      time.Duration
	Clock           func() time.Time
}

// Service bridges identity-provider ID tokens and server-minted session
// credentials. A credential is an HS256 JWT carrying the provider claims the
// session flow needs, bound to the subject and revocable per subject.
type Service struct {
	verifier      *IDTokenVerifier
	revocations   *RevocationStore
	signingSecret []byte
	issuer        string
	sessionTTL    time.Duration
	clock         func() time.Time
}

// sessionClaims is the JWT payload of a minted session credential.
type sessionClaims struct {
	Email    string `json:"email,omitempty"`
	Picture  string `json:"picture,omitempty"`
	AuthTime int64  `json:"auth_time,omitempty"`
	jwt.RegisteredClaims
}

// NewService constructs the identity service with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.IDTokenVerifier == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, errMissingIDVerifier)
	}
	if cfg.Revocations == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, errMissingRevocations)
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, errMissingSigningSecret)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceConfig, errMissingSessionIssuer)
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		verifier:      cfg.IDTokenVerifier,
		revocations:   cfg.Revocations,
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		sessionTTL:    ttl,
		clock:         clock,
	}, nil
}

// VerifyIDToken validates the provider-issued ID token.
func (s *Service) VerifyIDToken(ctx context.Context, rawToken string) (IdentityClaims, error) {
	return s.verifier.Verify(ctx, rawToken)
}

// CreateSession re-verifies the ID token and mints a session credential bound
// to its subject, expiring after the supplied TTL (service default when zero).
func (s *Service) CreateSession(ctx context.Context, rawToken string, ttl time.Duration) (string, time.Time, error) {
	claims, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		ttl = s.sessionTTL
	}

	now := s.clock().UTC()
	expiresAt := now.Add(ttl)

	var authTimeSeconds int64
	if !claims.AuthTime.IsZero() {
		authTimeSeconds = claims.AuthTime.Unix()
	}

	payload := sessionClaims{
		Email:    claims.Email,
		Picture:  claims.Picture,
		AuthTime: authTimeSeconds,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// VerifySession validates a minted credential, including the subject's
// revocation watermark, and returns the claims it carries.
func (s *Service) VerifySession(ctx context.Context, credential string) (IdentityClaims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return IdentityClaims{}, ErrMissingSessionToken
	}

	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		credential,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return IdentityClaims{}, ErrExpiredSessionToken
		}
		return IdentityClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return IdentityClaims{}, ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return IdentityClaims{}, errMissingSessionSubject
	}

	watermark, err := s.revocations.RevokedAfter(ctx, claims.Subject)
	if err != nil {
		return IdentityClaims{}, err
	}
	if !watermark.IsZero() && claims.IssuedAt != nil && !claims.IssuedAt.Time.After(watermark) {
		return IdentityClaims{}, ErrRevokedSessionToken
	}

	authTime := time.Time{}
	if claims.AuthTime > 0 {
		authTime = time.Unix(claims.AuthTime, 0)
	}
	expiry := time.Time{}
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return IdentityClaims{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Picture:  claims.Picture,
		AuthTime: authTime,
		Expiry:   expiry,
		TokenID:  claims.ID,
	}, nil
}

// Revoke invalidates every outstanding session credential for the subject.
func (s *Service) Revoke(ctx context.Context, subject string) error {
	if strings.TrimSpace(subject) == "" {
		return errMissingSessionSubject
	}
	return s.revocations.Revoke(ctx, subject, s.clock())
}
