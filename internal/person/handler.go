package person

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"

	"budget-service/internal/observability"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9@._-]{3,64}$`)

const (
	minPasswordLength = 8
	maxPasswordLength = 200

	maxJSONBodyBytes = 1 << 20
)

// Registrar creates new accounts. Satisfied by *Store.
type Registrar interface {
	Register(ctx context.Context, username, password, email string) error
}

type Handler struct {
	registrar Registrar
	logger    *observability.Logger
}

func NewHandler(registrar Registrar, logger *observability.Logger) *Handler {
	return &Handler{registrar: registrar, logger: logger}
}

// Register handles the public POST /register endpoint.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	body.Email = strings.TrimSpace(body.Email)
	if !usernameRegex.MatchString(body.Username) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < minPasswordLength || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	if err := h.registrar.Register(r.Context(), body.Username, body.Password, body.Email); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			h.logger.Warn("register_username_taken", map[string]any{"username": body.Username})
			writeError(w, http.StatusBadRequest, "username already taken")
			return
		}

		sentry.CaptureException(err)
		h.logger.Error("register_failed", map[string]any{"username": body.Username, "error": err.Error()})
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("register_success", map[string]any{"username": body.Username})
	writeJSON(w, http.StatusOK, map[string]string{"message": "User registered successfully"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
