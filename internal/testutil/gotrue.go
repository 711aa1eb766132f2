package testutil

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/valisauth/internal/models"
)

// Operation names used for call counters and injected failures
const (
	OpPassword   = "password"
	OpRefresh    = "refresh_token"
	OpSignUp     = "signup"
	OpRecover    = "recover"
	OpVerify     = "verify"
	OpResend     = "resend"
	OpGetUser    = "get_user"
	OpUpdateUser = "update_user"
	OpLogout     = "logout"
)

const FakeAPIKey = "test-anon-key"

type fakeUser struct {
	user         models.User
	passwordHash []byte
}

type fakeFailure struct {
	status int
	code   string
	msg    string
}

// In-process GoTrue compatible identity provider
// Implements the subset of /auth/v1 the session manager talks to
type FakeGoTrue struct {
	URL    string
	APIKey string

	server *httptest.Server
	clock  clockwork.Clock
	ttl    time.Duration

	mu          sync.Mutex
	autoConfirm bool
	delay       time.Duration
	users       map[string]*fakeUser // by email
	access      map[string]string    // access token => email
	refresh     map[string]string    // refresh token => email
	otps        map[string]string    // email => code
	calls       map[string]int
	failures    map[string]fakeFailure
}

type GoTrueOption func(*FakeGoTrue)

// Clock used to mint and check token expiry
func WithGoTrueClock(c clockwork.Clock) GoTrueOption {
	return func(f *FakeGoTrue) { f.clock = c }
}

// Lifetime of minted access tokens, one hour by default
func WithTokenTTL(d time.Duration) GoTrueOption {
	return func(f *FakeGoTrue) { f.ttl = d }
}

// Sign up returns a session straight away instead of waiting for email confirmation
func WithAutoConfirm() GoTrueOption {
	return func(f *FakeGoTrue) { f.autoConfirm = true }
}

// Start fake provider, stopped on test cleanup
func StartFakeGoTrue(t *testing.T, opts ...GoTrueOption) *FakeGoTrue {
	t.Helper()

	f := &FakeGoTrue{
		APIKey:   FakeAPIKey,
		clock:    clockwork.NewRealClock(),
		ttl:      time.Hour,
		users:    make(map[string]*fakeUser),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		otps:     make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]fakeFailure),
	}
	for _, opt := range opts {
		opt(f)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/v1/token", f.handleToken)
	mux.HandleFunc("POST /auth/v1/signup", f.handleSignUp)
	mux.HandleFunc("POST /auth/v1/recover", f.handleRecover)
	mux.HandleFunc("POST /auth/v1/verify", f.handleVerify)
	mux.HandleFunc("POST /auth/v1/resend", f.handleResend)
	mux.HandleFunc("GET /auth/v1/user", f.handleGetUser)
	mux.HandleFunc("PUT /auth/v1/user", f.handleUpdateUser)
	mux.HandleFunc("POST /auth/v1/logout", f.handleLogout)

	f.server = httptest.NewServer(f.checkAPIKey(mux))
	f.URL = f.server.URL
	t.Cleanup(f.server.Close)

	return f
}

// Register a user directly, bypassing sign up
func (f *FakeGoTrue) AddUser(t *testing.T, email string, password string, confirmed bool) models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()

	u := f.newUserLocked(strings.ToLower(email), hash, confirmed)
	return *u.user.Clone()
}

// Issue a session for an existing user as if they had logged in elsewhere
func (f *FakeGoTrue) IssueSession(t *testing.T, email string) models.AuthResponse {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[strings.ToLower(email)]
	require.True(t, ok, "user %s must exist", email)

	resp, err := f.issueLocked(u)
	require.NoError(t, err)
	return resp
}

// Revoke an access token so that user lookups with it fail
func (f *FakeGoTrue) RevokeAccess(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.access, token)
}

// Make every call of op fail with the given status and error code until Heal is called
func (f *FakeGoTrue) Fail(op string, status int, code string, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = fakeFailure{status: status, code: code, msg: msg}
}

func (f *FakeGoTrue) Heal(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, op)
}

// Delay every response, calls still honour client cancellation
func (f *FakeGoTrue) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *FakeGoTrue) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Last one-time code sent to email
func (f *FakeGoTrue) OTP(email string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.otps[strings.ToLower(email)]
}

func (f *FakeGoTrue) User(email string) (models.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[strings.ToLower(email)]
	if !ok {
		return models.User{}, false
	}
	return *u.user.Clone(), true
}

func (f *FakeGoTrue) checkAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != f.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Count the call, apply delay and injected failure
// Returns false when the response was already written
func (f *FakeGoTrue) enter(w http.ResponseWriter, r *http.Request, op string) bool {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delay
	failure, failing := f.failures[op]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return false
		}
	}

	if failing {
		writeError(w, failure.status, failure.code, failure.msg)
		return false
	}
	return true
}

func (f *FakeGoTrue) handleToken(w http.ResponseWriter, r *http.Request) {
	switch grant := r.URL.Query().Get("grant_type"); grant {
	case OpPassword:
		f.passwordGrant(w, r)
	case OpRefresh:
		f.refreshGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant type: "+grant)
	}
}

func (f *FakeGoTrue) passwordGrant(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpPassword) {
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "could not read password grant params")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.users[strings.ToLower(req.Email)]
	if !ok || bcrypt.CompareHashAndPassword(u.passwordHash, []byte(req.Password)) != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid login credentials")
		return
	}
	if u.user.EmailConfirmedAt == nil {
		writeError(w, http.StatusBadRequest, "email_not_confirmed", "Email not confirmed")
		return
	}

	f.respondSessionLocked(w, u)
}

func (f *FakeGoTrue) refreshGrant(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpRefresh) {
		return
	}

	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "could not read refresh token grant params")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	email, ok := f.refresh[req.RefreshToken]
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "Invalid Refresh Token: Refresh Token Not Found")
		return
	}
	// Rotation: a refresh token is single use
	delete(f.refresh, req.RefreshToken)

	f.respondSessionLocked(w, f.users[email])
}

func (f *FakeGoTrue) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpSignUp) {
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return
	}
	if len(req.Password) < 6 {
		writeError(w, http.StatusUnprocessableEntity, "weak_password", "Password should be at least 6 characters.")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	email := strings.ToLower(req.Email)
	if _, exists := f.users[email]; exists {
		writeError(w, http.StatusUnprocessableEntity, "user_already_exists", "User already registered")
		return
	}

	u := f.newUserLocked(email, hash, f.autoConfirm)
	if f.autoConfirm {
		f.respondSessionLocked(w, u)
		return
	}

	f.otps[email] = newOTP()
	writeJSON(w, http.StatusOK, u.user)
}

func (f *FakeGoTrue) handleRecover(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpRecover) {
		return
	}

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Unknown emails get the same answer so accounts cannot be enumerated
	email := strings.ToLower(req.Email)
	if _, ok := f.users[email]; ok {
		f.otps[email] = newOTP()
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *FakeGoTrue) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpVerify) {
		return
	}

	var req models.OTPParams
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	email := strings.ToLower(req.Email)
	u, ok := f.users[email]
	code, issued := f.otps[email]
	if !ok || !issued || code != req.Token {
		writeError(w, http.StatusForbidden, "otp_expired", "Token has expired or is invalid")
		return
	}
	delete(f.otps, email)

	if u.user.EmailConfirmedAt == nil {
		now := f.clock.Now().UTC()
		u.user.EmailConfirmedAt = &now
	}
	f.respondSessionLocked(w, u)
}

func (f *FakeGoTrue) handleResend(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpResend) {
		return
	}

	var req struct {
		Email string `json:"email"`
		Type  string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return
	}
	if req.Type != models.OTPTypeSignup && req.Type != models.OTPTypeEmailChange {
		writeError(w, http.StatusBadRequest, "validation_failed", "Missing one of these types: signup, email_change")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	email := strings.ToLower(req.Email)
	if _, ok := f.users[email]; ok {
		f.otps[email] = newOTP()
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (f *FakeGoTrue) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpGetUser) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.authorizeLocked(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, u.user)
}

func (f *FakeGoTrue) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpUpdateUser) {
		return
	}

	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "Could not parse request body as JSON")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.authorizeLocked(w, r)
	if !ok {
		return
	}
	if u.user.Metadata == nil {
		u.user.Metadata = make(map[string]any, len(req.Data))
	}
	maps.Copy(u.user.Metadata, req.Data)

	writeJSON(w, http.StatusOK, u.user)
}

func (f *FakeGoTrue) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !f.enter(w, r, OpLogout) {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.authorizeLocked(w, r)
	if !ok {
		return
	}

	email := u.user.Email
	maps.DeleteFunc(f.refresh, func(_ string, owner string) bool { return owner == email })
	maps.DeleteFunc(f.access, func(_ string, owner string) bool { return owner == email })

	w.WriteHeader(http.StatusNoContent)
}

// Resolve bearer token to a user, rejecting unknown and expired tokens
func (f *FakeGoTrue) authorizeLocked(w http.ResponseWriter, r *http.Request) (*fakeUser, bool) {
	token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !found || token == "" {
		writeError(w, http.StatusUnauthorized, "no_authorization", "This endpoint requires a Bearer token")
		return nil, false
	}

	_, err := jwt.Parse(token, func(*jwt.Token) (any, error) { return []byte(jwtSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(f.clock.Now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT: token is expired")
		return nil, false
	}

	email, known := f.access[token]
	if err != nil || !known {
		writeError(w, http.StatusUnauthorized, "bad_jwt", "invalid JWT: unable to parse or verify signature")
		return nil, false
	}
	return f.users[email], true
}

func (f *FakeGoTrue) newUserLocked(email string, hash []byte, confirmed bool) *fakeUser {
	u := &fakeUser{
		user: models.User{
			ID:          uuid.NewString(),
			Email:       email,
			Role:        "authenticated",
			Metadata:    map[string]any{},
			AppMetadata: map[string]any{"provider": "email"},
		},
		passwordHash: hash,
	}
	if confirmed {
		now := f.clock.Now().UTC()
		u.user.EmailConfirmedAt = &now
	}
	f.users[email] = u
	return u
}

func (f *FakeGoTrue) issueLocked(u *fakeUser) (models.AuthResponse, error) {
	exp := f.clock.Now().Add(f.ttl)
	access, err := signJWT(u.user.ID, exp)
	if err != nil {
		return models.AuthResponse{}, err
	}
	refresh := uuid.NewString()

	f.access[access] = u.user.Email
	f.refresh[refresh] = u.user.Email

	return models.AuthResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(f.ttl / time.Second),
		ExpiresAt:    exp.Unix(),
		User:         u.user.Clone(),
	}, nil
}

func (f *FakeGoTrue) respondSessionLocked(w http.ResponseWriter, u *fakeUser) {
	resp, err := f.issueLocked(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unexpected_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func newOTP() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// Error shape of current GoTrue releases
func writeError(w http.ResponseWriter, status int, code string, msg string) {
	writeJSON(w, status, map[string]any{"code": status, "error_code": code, "msg": msg})
}

// OAuth2 error shape the token endpoint answers with
func writeOAuthError(w http.ResponseWriter, status int, code string, description string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": description})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
