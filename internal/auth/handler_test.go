package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"budget-service/internal/observability"
)

// fakeStore is an in-memory CredentialStore shared by the handler and
// middleware tests.
type fakeStore struct {
	mu        sync.Mutex
	users     map[string]string // username -> password
	roles     []string
	lookupErr error
	stampErr  error
	lookups   int
	stamped   chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]string{"ann": "s3cr3t-pass"},
		roles:   []string{"USER"},
		stamped: make(chan string, 8),
	}
}

func (s *fakeStore) Lookup(_ context.Context, username string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lookups++
	if s.lookupErr != nil {
		return Principal{}, s.lookupErr
	}
	if _, ok := s.users[username]; !ok {
		return Principal{}, ErrPrincipalNotFound
	}
	return Principal{Identity: username, Roles: s.roles}, nil
}

func (s *fakeStore) VerifyPassword(_ context.Context, username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.users[username]
	if !ok {
		return ErrPrincipalNotFound
	}
	if stored != password {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *fakeStore) StampLastLogin(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.stamped <- username:
	default:
	}
	return s.stampErr
}

func (s *fakeStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func newTestHandler(store *fakeStore) (*Handler, *TokenCodec, *LockoutLedger) {
	codec := NewTokenCodec(testSecret, time.Hour, 24*time.Hour)
	ledger := NewLockoutLedger(5, 15*time.Minute)
	handler := NewHandler(store, codec, ledger, observability.NewLogger())
	return handler, codec, ledger
}

func postLogin(handler *Handler, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.Login(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return payload
}

func TestLoginRejectsMalformedRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		body        string
	}{
		{"non-json content type", "text/plain", `{"username":"ann","password":"x"}`},
		{"unparseable body", "application/json", `{"username":`},
		{"empty username", "application/json", `{"username":"","password":"x"}`},
		{"whitespace username", "application/json", `{"username":"   ","password":"x"}`},
		{"empty password", "application/json", `{"username":"ann","password":""}`},
		{"whitespace password", "application/json", `{"username":"ann","password":"   "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newFakeStore()
			handler, _, ledger := newTestHandler(store)

			rec := postLogin(handler, tt.contentType, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}

			// Malformed requests never touch the ledger.
			if got := len(ledger.Snapshot()); got != 0 {
				t.Errorf("tracked identities = %d, want 0", got)
			}
		})
	}
}

func TestLoginFailureCountsAndLocksOut(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	handler, _, _ := newTestHandler(store)

	body := `{"username":"ann","password":"wrong"}`

	for attempt := 1; attempt <= 4; attempt++ {
		rec := postLogin(handler, "application/json", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want 401", attempt, rec.Code)
		}

		payload := decodeBody(t, rec)
		if got := payload["currentAttempts"].(float64); int(got) != attempt {
			t.Errorf("attempt %d: currentAttempts = %v, want %d", attempt, got, attempt)
		}
		if got := payload["remainingAttempts"].(float64); int(got) != 5-attempt {
			t.Errorf("attempt %d: remainingAttempts = %v, want %d", attempt, got, 5-attempt)
		}
		if payload["accountLocked"].(bool) {
			t.Errorf("attempt %d: accountLocked = true, want false", attempt)
		}
	}

	// Fifth failure crosses the threshold on this call.
	rec := postLogin(handler, "application/json", body)
	payload := decodeBody(t, rec)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("fifth attempt: status = %d, want 401", rec.Code)
	}
	if !payload["accountLocked"].(bool) {
		t.Error("fifth attempt: accountLocked = false, want true")
	}
	if got := payload["remainingAttempts"].(float64); int(got) != 0 {
		t.Errorf("fifth attempt: remainingAttempts = %v, want 0", got)
	}
	if _, ok := payload["unlockTime"]; !ok {
		t.Error("fifth attempt: unlockTime missing")
	}

	// A sixth attempt with the CORRECT password is still rejected.
	rec = postLogin(handler, "application/json", `{"username":"ann","password":"s3cr3t-pass"}`)
	payload = decodeBody(t, rec)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("locked attempt: status = %d, want 401", rec.Code)
	}
	if !payload["accountLocked"].(bool) {
		t.Error("locked attempt: accountLocked = false, want true")
	}
	if _, ok := payload["unlockTime"]; !ok {
		t.Error("locked attempt: unlockTime missing")
	}
}

func TestLoginUnknownUserCountsAsFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	handler, _, _ := newTestHandler(store)

	rec := postLogin(handler, "application/json", `{"username":"nobody","password":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	payload := decodeBody(t, rec)
	if got := payload["currentAttempts"].(float64); int(got) != 1 {
		t.Errorf("currentAttempts = %v, want 1", got)
	}
	// Same generic message as a wrong password: the response must not leak
	// which condition failed.
	if got := payload["error"].(string); got != "Invalid username or password" {
		t.Errorf("error = %q, want generic credentials message", got)
	}
}

func TestLoginNormalizesIdentityForLockout(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	handler, _, ledger := newTestHandler(store)

	// Cosmetic variations of the same username share one lockout slot.
	variants := []string{" ann ", "a nn", "ann!", "an#n", "  ann$$  "}
	for _, variant := range variants {
		postLogin(handler, "application/json", fmt.Sprintf(`{"username":%q,"password":"wrong"}`, variant))
	}

	if locked, _ := ledger.IsLocked("ann"); !locked {
		t.Error("IsLocked(ann) = false after 5 failures across cosmetic variants")
	}
}

func TestLoginSuccess(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	handler, codec, _ := newTestHandler(store)

	// Two failures first; success must clear them.
	postLogin(handler, "application/json", `{"username":"ann","password":"wrong"}`)
	postLogin(handler, "application/json", `{"username":"ann","password":"wrong"}`)

	rec := postLogin(handler, "application/json", `{"username":"ann","password":"s3cr3t-pass"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	payload := decodeBody(t, rec)
	if !payload["success"].(bool) {
		t.Error("success = false, want true")
	}

	data := payload["data"].(map[string]any)
	if got := data["username"].(string); got != "ann" {
		t.Errorf("data.username = %q, want %q", got, "ann")
	}

	token := data["token"].(string)
	if !codec.Validate(token, Principal{Identity: "ann"}) {
		t.Error("issued token does not validate against its principal")
	}
	if codec.IsRefreshKind(token) {
		t.Error("data.token is refresh kind, want access")
	}

	refreshToken := data["refreshToken"].(string)
	if !codec.IsRefreshKind(refreshToken) {
		t.Error("data.refreshToken is not refresh kind")
	}

	roles := data["roles"].([]any)
	if len(roles) != 1 || roles[0].(string) != "USER" {
		t.Errorf("data.roles = %v, want [USER]", roles)
	}

	// Failure count reset: the next failure starts at 1.
	rec = postLogin(handler, "application/json", `{"username":"ann","password":"wrong"}`)
	failure := decodeBody(t, rec)
	if got := failure["currentAttempts"].(float64); int(got) != 1 {
		t.Errorf("currentAttempts after success = %v, want 1", got)
	}

	// The last-login stamp happens off the request path.
	select {
	case username := <-store.stamped:
		if username != "ann" {
			t.Errorf("stamped username = %q, want %q", username, "ann")
		}
	case <-time.After(2 * time.Second):
		t.Error("last-login stamp never happened")
	}
}

func TestLoginSucceedsWhenStampFails(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.stampErr = fmt.Errorf("database unavailable")
	handler, _, _ := newTestHandler(store)

	rec := postLogin(handler, "application/json", `{"username":"ann","password":"s3cr3t-pass"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite stamp failure", rec.Code)
	}
}

func TestLoginStoreOutageFailsClosed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.lookupErr = fmt.Errorf("connection refused")
	handler, _, ledger := newTestHandler(store)

	rec := postLogin(handler, "application/json", `{"username":"ann","password":"s3cr3t-pass"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	payload := decodeBody(t, rec)
	if got := payload["error"].(string); got != "Authentication error" {
		t.Errorf("error = %q, want generic authentication error", got)
	}

	// An infrastructure fault is not a credential failure.
	if got := len(ledger.Snapshot()); got != 0 {
		t.Errorf("tracked identities after store outage = %d, want 0", got)
	}
}

func postRefresh(handler *Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/refresh-token", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.Refresh(rec, req)
	return rec
}

func TestRefreshExchangesRefreshTokenForAccessToken(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	handler, codec, _ := newTestHandler(store)

	refresh, err := codec.Issue(Principal{Identity: "ann", Roles: []string{"USER"}}, RefreshToken)
	if err != nil {
		t.Fatalf("Issue(refresh) error: %v", err)
	}

	rec := postRefresh(handler, "Bearer "+refresh)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	payload := decodeBody(t, rec)
	data := payload["data"].(map[string]any)
	token := data["token"].(string)
	if !codec.Validate(token, Principal{Identity: "ann"}) {
		t.Error("refreshed token does not validate")
	}
	if codec.IsRefreshKind(token) {
		t.Error("refreshed token is refresh kind, want access")
	}
}

func TestRefreshRejections(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	handler, codec, _ := newTestHandler(store)

	access, err := codec.Issue(Principal{Identity: "ann", Roles: []string{"USER"}}, AccessToken)
	if err != nil {
		t.Fatalf("Issue(access) error: %v", err)
	}

	codec.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	expiredRefresh, err := codec.Issue(Principal{Identity: "ann"}, RefreshToken)
	if err != nil {
		t.Fatalf("Issue(expired refresh) error: %v", err)
	}
	codec.now = time.Now

	strangerRefresh, err := codec.Issue(Principal{Identity: "ghost"}, RefreshToken)
	if err != nil {
		t.Fatalf("Issue(stranger refresh) error: %v", err)
	}

	tests := []struct {
		name          string
		authorization string
	}{
		{"missing header", ""},
		{"not a bearer header", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"access token instead of refresh", "Bearer " + access},
		{"expired refresh token", "Bearer " + expiredRefresh},
		{"refresh token for unknown user", "Bearer " + strangerRefresh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postRefresh(handler, tt.authorization)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}
