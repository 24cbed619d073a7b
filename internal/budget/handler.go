package budget

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/getsentry/sentry-go"

	"budget-service/internal/auth"
)

var (
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	colorRegex    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

const (
	maxNameLength = 120

	maxJSONBodyBytes = 1 << 20
)

// Repository is the persistence surface the handler needs. Satisfied by
// *PostgresRepository.
type Repository interface {
	ListByOwner(ctx context.Context, username string) ([]Ledger, error)
	Create(ctx context.Context, username string, input LedgerInput) (Ledger, error)
	Update(ctx context.Context, username, id string, input LedgerInput) (Ledger, error)
	Delete(ctx context.Context, username, id string) error
}

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// requirePrincipal enforces that the request gate attached a principal. The
// gate lets token-less requests through; routes that need authentication
// reject them here.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return auth.Principal{}, false
	}
	return principal, true
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	ledgers, err := h.repo.ListByOwner(r.Context(), principal.Identity)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list ledgers")
		return
	}

	writeJSON(w, http.StatusOK, ledgers)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	ledger, err := h.repo.Create(r.Context(), principal.Identity, input)
	if err != nil {
		if errors.Is(err, ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "ledger not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to create ledger")
		return
	}

	writeJSON(w, http.StatusCreated, ledger)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "ledger id is required")
		return
	}

	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	ledger, err := h.repo.Update(r.Context(), principal.Identity, id, input)
	if err != nil {
		if errors.Is(err, ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "ledger not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to update ledger")
		return
	}

	writeJSON(w, http.StatusOK, ledger)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "ledger id is required")
		return
	}

	if err := h.repo.Delete(r.Context(), principal.Identity, id); err != nil {
		if errors.Is(err, ErrLedgerNotFound) {
			writeError(w, http.StatusNotFound, "ledger not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to delete ledger")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func parseInput(w http.ResponseWriter, r *http.Request) (LedgerInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input LedgerInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return LedgerInput{}, false
	}

	input.Name = strings.TrimSpace(input.Name)
	input.Description = strings.TrimSpace(input.Description)
	if input.Name == "" || utf8.RuneCountInString(input.Name) > maxNameLength {
		writeError(w, http.StatusBadRequest, "ledger name is invalid")
		return LedgerInput{}, false
	}

	if input.Currency == "" {
		input.Currency = "USD"
	}
	if !currencyRegex.MatchString(input.Currency) {
		writeError(w, http.StatusBadRequest, "currency must be a 3-letter code")
		return LedgerInput{}, false
	}

	if input.Color == "" {
		input.Color = "#000000"
	}
	if !colorRegex.MatchString(input.Color) {
		writeError(w, http.StatusBadRequest, "color must be a hex value")
		return LedgerInput{}, false
	}

	return input, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
