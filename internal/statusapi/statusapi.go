// Package statusapi exposes a read-only view of a session.SessionLayer's
// Session Table over plain HTTP+JSON, for operators and for the cislctl
// CLI. It holds only the layer's read-only accessors: it has no write
// path, matching spec.md's exclusion of session-mutation tooling from
// scope.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-dvbci/ci-sessionlayer/internal/session"
)

// sessionView is the wire representation of one session.SessionSnapshot.
type sessionView struct {
	Number       uint16 `json:"session_number"`
	State        string `json:"state"`
	ResourceID   string `json:"resource_id"`
	SlotID       uint8  `json:"slot_id"`
	ConnectionID uint8  `json:"connection_id"`
}

func toView(s session.SessionSnapshot) sessionView {
	return sessionView{
		Number:       s.Number,
		State:        s.State.String(),
		ResourceID:   "0x" + strconv.FormatUint(uint64(s.ResourceID), 16),
		SlotID:       s.SlotID,
		ConnectionID: s.ConnectionID,
	}
}

// Handler builds the status surface's http.Handler, routing GET /sessions,
// GET /sessions/{n} and GET /stats against layer.
func Handler(layer *session.SessionLayer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, _ *http.Request) {
		snaps := layer.Sessions()
		views := make([]sessionView, len(snaps))
		for i, s := range snaps {
			views[i] = toView(s)
		}
		writeJSON(w, http.StatusOK, views)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, layer.Stats())
	})
	mux.HandleFunc("GET /sessions/{n}", func(w http.ResponseWriter, r *http.Request) {
		n, err := parseSessionNumber(r.PathValue("n"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		snap, ok := layer.Session(n)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		writeJSON(w, http.StatusOK, toView(snap))
	})
	return mux
}

func parseSessionNumber(raw string) (uint16, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
