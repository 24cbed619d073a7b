package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"

	"budget-service/internal/auth"
	"budget-service/internal/observability"
)

// LockoutStatusHandler exposes the lockout ledger to operators: a sweep of
// expired windows plus a snapshot of every tracked identity. Guarded by a
// shared secret, not by user tokens, so it stays reachable while accounts
// are locked out.
type LockoutStatusHandler struct {
	ledger *auth.LockoutLedger
	logger *observability.Logger
	secret string
}

func NewLockoutStatusHandler(ledger *auth.LockoutLedger, logger *observability.Logger, secret string) *LockoutStatusHandler {
	return &LockoutStatusHandler{
		ledger: ledger,
		logger: logger,
		secret: strings.TrimSpace(secret),
	}
}

func (h *LockoutStatusHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.secret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	h.ledger.SweepExpired()
	accounts := h.ledger.Snapshot()

	locked := 0
	for _, account := range accounts {
		if account.Locked {
			locked++
		}
	}

	h.logger.Info("lockout_status_report", map[string]any{
		"tracked": len(accounts),
		"locked":  locked,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"maxAttempts":            h.ledger.MaxAttempts(),
		"lockoutDurationMinutes": int(h.ledger.Duration().Minutes()),
		"totalLockedAccounts":    locked,
		"accounts":               accounts,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
