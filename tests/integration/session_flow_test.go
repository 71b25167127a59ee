package integration_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/beacon/internal/auth"
	"github.com/MarcoPoloResearchLab/beacon/internal/profile"
	"github.com/MarcoPoloResearchLab/beacon/internal/server"
	"github.com/MarcoPoloResearchLab/beacon/internal/sessions"
	"github.com/MarcoPoloResearchLab/beacon/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	flowSigningSecret = "integration-secret"
	flowCookieName    = "beacon_session"
	flowAudience      = "integration-client"
	flowIDPIssuer     = "https://idp.example.com"
	flowSubject       = "subject-42"
	flowKeyID         = "integration-key"
	jsonContentType   = "application/json"
)

type flowFixture struct {
	appServer  *httptest.Server
	privateKey *rsa.PrivateKey
	store      *users.Store
	profileBio atomic.Value
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fixture := &flowFixture{}
	fixture.profileBio.Store("Builds things")

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	fixture.privateKey = privateKey

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []any{map[string]string{
				"kty": "RSA",
				"alg": "RS256",
				"kid": flowKeyID,
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(privateKey.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(privateKey.PublicKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwksServer.Close)

	profileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_access" {
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", jsonContentType)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"login":            "octocat",
			"name":             "The Octocat",
			"bio":              fixture.profileBio.Load(),
			"twitter_username": "octocat",
			"blog":             "octocat.example.com",
			"avatar_url":       "https://cdn.example.com/octocat.png",
		})
	}))
	t.Cleanup(profileServer.Close)

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access raw connection: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.Record{}, &auth.Revocation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idTokenVerifier, err := auth.NewIDTokenVerifier(auth.IDTokenVerifierConfig{
		Audience:       flowAudience,
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{flowIDPIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct id token verifier: %v", err)
	}

	revocations, err := auth.NewRevocationStore(db)
	if err != nil {
		t.Fatalf("failed to construct revocation store: %v", err)
	}

	identity, err := auth.NewService(auth.ServiceConfig{
		IDTokenVerifier: idTokenVerifier,
		Revocations:     revocations,
		SigningSecret:   []byte(flowSigningSecret),
		Issuer:          "beacon-auth",
	})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}

	profileFetcher, err := profile.NewFetcher(profile.FetcherConfig{
		Endpoint:   profileServer.URL,
		HTTPClient: profileServer.Client(),
	})
	if err != nil {
		t.Fatalf("failed to construct profile fetcher: %v", err)
	}

	userStore, err := users.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct user store: %v", err)
	}
	fixture.store = userStore

	provisioner, err := users.NewProvisioner(users.ProvisionerConfig{Store: userStore})
	if err != nil {
		t.Fatalf("failed to construct provisioner: %v", err)
	}

	sessionManager, err := sessions.NewManager(sessions.ManagerConfig{
		Identity:    identity,
		Profiles:    profileFetcher,
		Provisioner: provisioner,
		Users:       userStore,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessionManager,
		CookieName: flowCookieName,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	fixture.appServer = httptest.NewServer(handler)
	t.Cleanup(fixture.appServer.Close)

	return fixture
}

func (f *flowFixture) mintIDToken(t *testing.T, authTime time.Time) string {
	t.Helper()
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"aud":       flowAudience,
		"iss":       flowIDPIssuer,
		"sub":       flowSubject,
		"email":     "octocat@example.com",
		"picture":   "https://cdn.example.com/octocat.png",
		"auth_time": authTime.Unix(),
		"iat":       now.Unix(),
		"exp":       now.Add(5 * time.Minute).Unix(),
	})
	token.Header["kid"] = flowKeyID
	signed, err := token.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("failed to sign id token: %v", err)
	}
	return signed
}

func (f *flowFixture) signIn(t *testing.T, idToken string) (*http.Response, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]string{
		"id_token":     idToken,
		"access_token": "gho_access",
	})
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	response, err := http.Post(f.appServer.URL+"/auth/session", jsonContentType, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("sign-in request failed: %v", err)
	}
	credential := ""
	for _, cookie := range response.Cookies() {
		if cookie.Name == flowCookieName {
			credential = cookie.Value
		}
	}
	return response, credential
}

func TestSessionLifecycle(t *testing.T) {
	fixture := newFlowFixture(t)

	// First sign-in provisions the user and installs the session cookie.
	response, credential := fixture.signIn(t, fixture.mintIDToken(t, time.Now().Add(-time.Minute)))
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected sign-in to succeed, got %d", response.StatusCode)
	}
	if credential == "" {
		t.Fatalf("expected session cookie to be installed")
	}

	record, err := fixture.store.Get(context.Background(), flowSubject)
	if err != nil {
		t.Fatalf("failed to load provisioned record: %v", err)
	}
	if record.Verified {
		t.Fatalf("expected new record to be unverified")
	}
	if len(record.Activity) != 1 || record.Activity[0].Event != "joined" {
		t.Fatalf("expected single join activity entry, got %+v", record.Activity)
	}
	if record.Link != "https://octocat.example.com" {
		t.Fatalf("expected normalized link, got %q", record.Link)
	}

	// The session view combines claims and stored fields, minus activity.
	request, err := http.NewRequest(http.MethodGet, fixture.appServer.URL+"/auth/session", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: flowCookieName, Value: credential})
	current, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	defer current.Body.Close()
	if current.StatusCode != http.StatusOK {
		t.Fatalf("expected authenticated lookup, got %d", current.StatusCode)
	}
	buffer := new(bytes.Buffer)
	if _, err := buffer.ReadFrom(current.Body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if strings.Contains(buffer.String(), "activity") {
		t.Fatalf("session view must not expose activity: %s", buffer.String())
	}
	if !strings.Contains(buffer.String(), `"username":"octocat"`) {
		t.Fatalf("expected stored username in view: %s", buffer.String())
	}

	// A returning sign-in refreshes profile fields but keeps one-time fields.
	fixture.profileBio.Store("Still builds things")
	second, _ := fixture.signIn(t, fixture.mintIDToken(t, time.Now().Add(-time.Minute)))
	defer second.Body.Close()
	if second.StatusCode != http.StatusOK {
		t.Fatalf("expected returning sign-in to succeed, got %d", second.StatusCode)
	}
	refreshed, err := fixture.store.Get(context.Background(), flowSubject)
	if err != nil {
		t.Fatalf("failed to reload record: %v", err)
	}
	if refreshed.Bio != "Still builds things" {
		t.Fatalf("expected refreshed bio, got %q", refreshed.Bio)
	}
	if len(refreshed.Activity) != 1 {
		t.Fatalf("activity must keep exactly one entry, got %d", len(refreshed.Activity))
	}
	if refreshed.Joined != record.Joined || refreshed.CreatedAtSeconds != record.CreatedAtSeconds {
		t.Fatalf("one-time fields must not change on returning sign-in")
	}

	// Sign-out revokes the whole subject; the old credential stops working.
	signOut, err := http.NewRequest(http.MethodDelete, fixture.appServer.URL+"/auth/session", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	signOut.AddCookie(&http.Cookie{Name: flowCookieName, Value: credential})
	revoked, err := http.DefaultClient.Do(signOut)
	if err != nil {
		t.Fatalf("sign-out request failed: %v", err)
	}
	defer revoked.Body.Close()
	if revoked.StatusCode != http.StatusOK {
		t.Fatalf("sign-out must succeed, got %d", revoked.StatusCode)
	}

	recheck, err := http.NewRequest(http.MethodGet, fixture.appServer.URL+"/auth/session", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	recheck.AddCookie(&http.Cookie{Name: flowCookieName, Value: credential})
	after, err := http.DefaultClient.Do(recheck)
	if err != nil {
		t.Fatalf("post-sign-out lookup failed: %v", err)
	}
	defer after.Body.Close()
	if after.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked credential to be rejected, got %d", after.StatusCode)
	}
}

func TestSignInRejectsStaleAuthentication(t *testing.T) {
	fixture := newFlowFixture(t)

	response, credential := fixture.signIn(t, fixture.mintIDToken(t, time.Now().Add(-6*24*time.Hour)))
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected stale sign-in to be rejected, got %d", response.StatusCode)
	}
	if credential != "" {
		t.Fatalf("no session cookie must be installed for stale authentication")
	}

	if _, err := fixture.store.Get(context.Background(), flowSubject); err == nil {
		t.Fatalf("no record must be provisioned for stale authentication")
	}
}

func TestSignOutWithInvalidCredentialStillSucceeds(t *testing.T) {
	fixture := newFlowFixture(t)

	request, err := http.NewRequest(http.MethodDelete, fixture.appServer.URL+"/auth/session", http.NoBody)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.AddCookie(&http.Cookie{Name: flowCookieName, Value: "not-a-session"})
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("sign-out request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("best-effort sign-out must succeed, got %d", response.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Revoked bool   `json:"revoked"`
	}
	if err := json.NewDecoder(response.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Status != "success" || body.Revoked {
		t.Fatalf("expected unrevoked success outcome, got %+v", body)
	}
}
