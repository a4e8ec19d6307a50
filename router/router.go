// Package router registers all HTTP endpoints using vanilla net/http (Go 1.22+ mux).
package router

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/orbit-relay/hub/config"
	"github.com/orbit-relay/hub/hub"
	"github.com/orbit-relay/hub/middleware"
	"github.com/orbit-relay/hub/store"
	"github.com/orbit-relay/hub/wsio"
)

// Deps holds all dependencies for the router.
type Deps struct {
	Hub       *hub.Hub
	WS        *wsio.Server
	Config    *config.Global
	JWTSecret []byte
}

// New builds and returns the application HTTP handler: the relay's two
// WebSocket upgrade endpoints, plus the small HTTP read-model surface that
// shares state with the Hub (spec.md §6).
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	requireAuth := middleware.RequireAuth(d.JWTSecret)

	mux.HandleFunc("GET /ws/client", d.WS.UpgradeClient)
	mux.HandleFunc("GET /ws/anchor", d.WS.UpgradeAnchor)

	mux.Handle("GET /relay/artifacts", requireAuth(http.HandlerFunc(getRelayArtifacts(d))))

	mux.HandleFunc("GET /health", health(d))

	return mux
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// ---- handlers ----

// getRelayArtifacts is the HTTP parity surface for the orbit.artifacts.list
// control frame (spec.md §6): GET /relay/artifacts?threadId=&limit=&beforeId=.
func getRelayArtifacts(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.ContextUserID(r)
		q := r.URL.Query()

		threadID := q.Get("threadId")
		limit, _ := strconv.Atoi(q.Get("limit"))
		beforeID, _ := strconv.ParseInt(q.Get("beforeId"), 10, 64)

		artifacts, err := d.Hub.ListArtifacts(r.Context(), userID, threadID, limit, beforeID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if artifacts == nil {
			artifacts = []store.Artifact{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
	}
}

func health(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients, anchors := d.Hub.Counts()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"authMode": d.Config.Get().AuthMode,
			"clients":  clients,
			"anchors":  anchors,
		})
	}
}
