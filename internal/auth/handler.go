package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"budget-service/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

const stampTimeout = 5 * time.Second

// Handler carries the login gate and the refresh endpoint. It is shared
// across all concurrent requests; the only mutable state behind it is the
// lockout ledger, which synchronizes itself.
type Handler struct {
	store  CredentialStore
	codec  *TokenCodec
	ledger *LockoutLedger
	logger *observability.Logger
}

func NewHandler(store CredentialStore, codec *TokenCodec, ledger *LockoutLedger, logger *observability.Logger) *Handler {
	return &Handler{store: store, codec: codec, ledger: ledger, logger: logger}
}

// Login drives one authentication attempt through its states: receive body,
// parse credentials, check lockout, authenticate, respond. Terminal states
// produce a structured response; there is no retry within a request.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(contentType, "application/json") {
		h.logger.Warn("login_bad_content_type", map[string]any{"content_type": contentType})
		writeError(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.logger.Warn("login_bad_body", map[string]any{"error": err.Error()})
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	creds := Credentials{
		Username: strings.TrimSpace(body.Username),
		Password: strings.TrimSpace(body.Password),
	}
	if creds.Username == "" || creds.Password == "" {
		h.logger.Warn("login_missing_fields", nil)
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	// Everything past this point keys on the normalized identity.
	identity := NormalizeIdentity(creds.Username)

	h.ledger.SweepExpired()

	if locked, unlockAt := h.ledger.IsLocked(identity); locked {
		h.logger.Warn("login_account_locked", map[string]any{
			"identity":    identity,
			"unlock_time": unlockAt.Format(time.RFC3339),
		})
		h.rejectLocked(w, unlockAt)
		return
	}

	h.logger.Info("login_attempt", map[string]any{
		"identity":     identity,
		"max_attempts": h.ledger.MaxAttempts(),
	})

	if err := h.store.VerifyPassword(r.Context(), identity, creds.Password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrPrincipalNotFound) {
			h.rejectFailure(w, identity)
			return
		}

		sentry.CaptureException(err)
		h.logger.Error("login_store_error", map[string]any{"identity": identity, "error": err.Error()})
		writeError(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	h.acceptLogin(r.Context(), w, identity)
}

func (h *Handler) rejectFailure(w http.ResponseWriter, identity string) {
	count := h.ledger.RecordFailure(identity)
	maxAttempts := h.ledger.MaxAttempts()
	remaining := maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}

	payload := map[string]any{
		"success":           false,
		"error":             "Invalid username or password",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"currentAttempts":   count,
		"remainingAttempts": remaining,
		"maxAttempts":       maxAttempts,
		"accountLocked":     false,
	}

	locked, unlockAt := h.ledger.IsLocked(identity)
	if locked {
		payload["accountLocked"] = true
		payload["unlockTime"] = unlockAt.Format(unlockTimeLayout)
		payload["lockoutDurationMinutes"] = int(h.ledger.Duration().Minutes())
	}

	h.logger.Warn("login_failed", map[string]any{
		"identity":           identity,
		"current_attempts":   count,
		"remaining_attempts": remaining,
		"locked":             locked,
	})

	writeJSON(w, http.StatusUnauthorized, payload)
}

func (h *Handler) rejectLocked(w http.ResponseWriter, unlockAt time.Time) {
	maxAttempts := h.ledger.MaxAttempts()
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"success": false,
		"error": fmt.Sprintf(
			"Account temporarily locked due to %d failed attempts. Try again after %s",
			maxAttempts, unlockAt.Format(unlockTimeLayout),
		),
		"timestamp":              time.Now().UTC().Format(time.RFC3339),
		"currentAttempts":        maxAttempts,
		"remainingAttempts":      0,
		"maxAttempts":            maxAttempts,
		"accountLocked":          true,
		"unlockTime":             unlockAt.Format(unlockTimeLayout),
		"lockoutDurationMinutes": int(h.ledger.Duration().Minutes()),
	})
}

func (h *Handler) acceptLogin(ctx context.Context, w http.ResponseWriter, identity string) {
	principal, err := h.store.Lookup(ctx, identity)
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("login_lookup_error", map[string]any{"identity": identity, "error": err.Error()})
		writeError(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	h.ledger.RecordSuccess(identity)

	accessToken, err := h.codec.Issue(principal, AccessToken)
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("login_token_error", map[string]any{"identity": identity, "error": err.Error()})
		writeError(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	refreshToken, err := h.codec.Issue(principal, RefreshToken)
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("login_token_error", map[string]any{"identity": identity, "error": err.Error()})
		writeError(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	// Best effort: stamping the last-login time never blocks or fails the
	// login response.
	go h.stampLastLogin(identity)

	h.logger.Info("login_success", map[string]any{"identity": identity, "roles": principal.Roles})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Login successful",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"username":     principal.Identity,
			"token":        accessToken,
			"refreshToken": refreshToken,
			"roles":        principal.Roles,
		},
	})
}

func (h *Handler) stampLastLogin(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), stampTimeout)
	defer cancel()

	if err := h.store.StampLastLogin(ctx, identity); err != nil {
		h.logger.Error("stamp_last_login_failed", map[string]any{"identity": identity, "error": err.Error()})
	}
}

// Refresh exchanges a valid, unexpired refresh-kind token for a fresh access
// token. Any other token, refresh tokens of unknown users included, is
// rejected with a generic 401.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "Invalid token format")
		return
	}

	if !h.codec.IsRefreshKind(token) {
		h.logger.Warn("refresh_not_refresh_kind", nil)
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	identity, err := h.codec.ExtractIdentity(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	principal, err := h.store.Lookup(r.Context(), identity)
	if err != nil {
		if !errors.Is(err, ErrPrincipalNotFound) {
			sentry.CaptureException(err)
		}
		h.logger.Warn("refresh_lookup_failed", map[string]any{"identity": identity, "error": err.Error()})
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	if !h.codec.Validate(token, principal) {
		h.logger.Warn("refresh_token_invalid", map[string]any{"identity": identity})
		writeError(w, http.StatusUnauthorized, "Invalid or expired refresh token")
		return
	}

	accessToken, err := h.codec.Issue(principal, AccessToken)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusUnauthorized, "Authentication error")
		return
	}

	h.logger.Info("refresh_success", map[string]any{"identity": identity})

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "Token refreshed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"username": principal.Identity,
			"token":    accessToken,
			"roles":    principal.Roles,
		},
	})
}

// bearerToken pulls the token out of the Authorization header. A malformed
// header is indistinguishable from an absent one.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
