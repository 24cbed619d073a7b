package auth

import (
	"encoding/json"
	"net/http"
	"time"
)

const unlockTimeLayout = "2006-01-02 15:04:05"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError emits the rejection envelope shared by RequestGate and the
// refresh endpoint: {success:false, error, timestamp}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success":   false,
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
