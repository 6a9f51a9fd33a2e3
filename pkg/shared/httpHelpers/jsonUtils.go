package httpHelpers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/CARTAvis/go-fleet/pkg/shared/defs"
)

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, defs.ErrorBody{Error: msg})
}

func WriteOutput(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		// Headers are already sent, so all we can do is report it
		slog.Error("Error encoding JSON", "error", err)
	}
}
