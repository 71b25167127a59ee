package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/internal/profile"
	"github.com/MarcoPoloResearchLab/beacon/internal/users"
	"go.uber.org/zap"
)

const (
	defaultFreshnessWindow = 5 * 24 * time.Hour
	defaultSessionTTL      = 5 * 24 * time.Hour
	secureLinkPrefix       = "https://"
)

// Error kinds surfaced to the transport layer. An absent credential is not an
// error; see Current.
var (
	ErrInvalidToken        = errors.New("sessions: invalid id token")
	ErrInvalidSession      = errors.New("sessions: invalid session credential")
	ErrStaleAuthentication = errors.New("sessions: authentication too old, re-authentication required")
	ErrSessionCreation     = errors.New("sessions: session credential could not be minted")
	ErrProfileFetch        = errors.New("sessions: external profile could not be fetched")
	ErrStoreUnavailable    = errors.New("sessions: user store unavailable")

	errMissingIdentity    = errors.New("identity verifier dependency required")
	errMissingProfiles    = errors.New("profile fetcher dependency required")
	errMissingProvisioner = errors.New("user provisioner dependency required")
	errMissingUserReader  = errors.New("user reader dependency required")
)

// IdentityVerifier is the identity service contract the manager depends on.
type IdentityVerifier interface {
	VerifyIDToken(ctx context.Context, rawToken string) (auth.IdentityClaims, error)
	CreateSession(ctx context.Context, rawToken string, ttl time.Duration) (string, time.Time, error)
	VerifySession(ctx context.Context, credential string) (auth.IdentityClaims, error)
	Revoke(ctx context.Context, subject string) error
}

// ProfileFetcher retrieves the external profile for a provider access token.
type ProfileFetcher interface {
	Fetch(ctx context.Context, accessToken string) (profile.ExternalProfile, error)
}

// UserProvisioner persists the user record derived from claims and profile.
type UserProvisioner interface {
	Upsert(ctx context.Context, claims auth.IdentityClaims, externalProfile profile.ExternalProfile) error
}

// UserReader loads stored user records for session views.
type UserReader interface {
	Get(ctx context.Context, subject string) (users.Record, error)
}

// ManagerConfig describes the collaborators and policy knobs of the manager.
type ManagerConfig struct {
	Identity        IdentityVerifier
	Profiles        ProfileFetcher
	Provisioner     UserProvisioner
	Users           UserReader
	FreshnessWindow time.Duration
	SessionTTL      time.Duration
	Logger          *zap.Logger
	Clock           func() time.Time
}

// Manager orchestrates sign-in, session lookup and sign-out. It owns the
// freshness policy; everything stateful lives behind the injected
// collaborators.
type Manager struct {
	identity        IdentityVerifier
	profiles        ProfileFetcher
	provisioner     UserProvisioner
	users           UserReader
	freshnessWindow time.Duration
	sessionTTL      time.Duration
	logger          *zap.Logger
	clock           func() time.Time
}

// SessionView is the record projection returned to authenticated callers.
// Activity is provisioning metadata and deliberately never exposed here.
type SessionView struct {
	Subject      string `json:"subject"`
	Email        string `json:"email"`
	Avatar       string `json:"avatar"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	Bio          string `json:"bio"`
	SocialHandle string `json:"social_handle"`
	Link         string `json:"link"`
	Joined       string `json:"joined"`
	Verified     bool   `json:"verified"`
}

// CurrentResult reports the outcome of a session lookup. Authenticated false
// with a nil error is the normal anonymous-access outcome.
type CurrentResult struct {
	Authenticated bool
	View          SessionView
}

// SignInResult carries the minted credential for transport-layer installation.
type SignInResult struct {
	Credential string
	ExpiresAt  time.Time
}

// SignOutResult reports whether the best-effort revocation completed.
type SignOutResult struct {
	Revoked bool
}

// NewManager constructs the session manager with validated dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, errMissingIdentity
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	if cfg.Provisioner == nil {
		return nil, errMissingProvisioner
	}
	if cfg.Users == nil {
		return nil, errMissingUserReader
	}

	freshnessWindow := cfg.FreshnessWindow
	if freshnessWindow <= 0 {
		freshnessWindow = defaultFreshnessWindow
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		identity:        cfg.Identity,
		profiles:        cfg.Profiles,
		provisioner:     cfg.Provisioner,
		users:           cfg.Users,
		freshnessWindow: freshnessWindow,
		sessionTTL:      sessionTTL,
		logger:          logger,
		clock:           clock,
	}, nil
}

// Current resolves the presented credential into a session view. An empty
// credential yields an unauthenticated result, not an error; a credential
// that fails verification yields ErrInvalidSession.
func (m *Manager) Current(ctx context.Context, credential string) (CurrentResult, error) {
	if strings.TrimSpace(credential) == "" {
		return CurrentResult{Authenticated: false}, nil
	}

	claims, err := m.identity.VerifySession(ctx, credential)
	if err != nil {
		return CurrentResult{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	view := SessionView{
		Subject: claims.Subject,
		Email:   claims.Email,
		Avatar:  claims.Picture,
	}

	record, err := m.users.Get(ctx, claims.Subject)
	switch {
	case errors.Is(err, users.ErrNotFound):
		// Session verified but never provisioned; serve the claims alone.
	case err != nil:
		return CurrentResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		view.Avatar = record.Avatar
		view.Username = record.Username
		view.Name = record.Name
		view.Email = record.Email
		view.Bio = record.Bio
		view.SocialHandle = record.SocialHandle
		view.Link = record.Link
		view.Joined = record.Joined
		view.Verified = record.Verified
	}

	return CurrentResult{Authenticated: true, View: view}, nil
}

// SignIn exchanges a fresh ID token for a session credential and provisions
// the user record. Every step short-circuits the rest: no partial credential
// is ever returned.
func (m *Manager) SignIn(ctx context.Context, idToken, accessToken string) (SignInResult, error) {
	claims, err := m.identity.VerifyIDToken(ctx, idToken)
	if err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// A user that did not authenticate recently must not receive a long-lived
	// session from a possibly stolen ID token.
	now := m.clock()
	if claims.AuthTime.IsZero() || now.Sub(claims.AuthTime) >= m.freshnessWindow {
		return SignInResult{}, ErrStaleAuthentication
	}

	credential, expiresAt, err := m.identity.CreateSession(ctx, idToken, m.sessionTTL)
	if err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrSessionCreation, err)
	}

	// Re-verify the minted credential so provisioning runs on the
	// authoritative session claims rather than the raw token's.
	sessionClaims, err := m.identity.VerifySession(ctx, credential)
	if err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	fetched, err := m.profiles.Fetch(ctx, accessToken)
	if err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrProfileFetch, err)
	}
	fetched.Link = normalizeLink(fetched.Link)

	if err := m.provisioner.Upsert(ctx, sessionClaims, fetched); err != nil {
		return SignInResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	m.logger.Info("session issued", zap.String("subject", sessionClaims.Subject))
	return SignInResult{Credential: credential, ExpiresAt: expiresAt}, nil
}

// SignOut revokes every outstanding session of the credential's subject. The
// revoke is best-effort: an already-invalid credential or a failed revoke is
// reported through the Revoked flag so the caller can always proceed with
// local credential teardown.
func (m *Manager) SignOut(ctx context.Context, credential string) SignOutResult {
	claims, err := m.identity.VerifySession(ctx, credential)
	if err != nil {
		m.logger.Info("sign-out with unverifiable credential", zap.Error(err))
		return SignOutResult{Revoked: false}
	}

	if err := m.identity.Revoke(ctx, claims.Subject); err != nil {
		m.logger.Warn("session revocation failed",
			zap.String("subject", claims.Subject),
			zap.Error(err))
		return SignOutResult{Revoked: false}
	}

	m.logger.Info("sessions revoked", zap.String("subject", claims.Subject))
	return SignOutResult{Revoked: true}
}

// normalizeLink prepends the secure scheme when absent. Idempotent; empty
// links stay empty.
func normalizeLink(link string) string {
	if link == "" {
		return ""
	}
	if !strings.HasPrefix(link, secureLinkPrefix) {
		return secureLinkPrefix + link
	}
	return link
}
