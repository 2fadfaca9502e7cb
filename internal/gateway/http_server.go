package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pairrelay/internal/auth"
)

const readHeaderTimeout = 5 * time.Second

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authenticate := auth.Middleware(s.authService, s.logger)

	ws := authenticate(s.newWSHandler())
	wsPath := s.config.Server.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	mux.Handle(wsPath, ws)

	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	mux.Handle("/pairing/qr", authenticate(auth.RequireUser(s.authService, http.HandlerFunc(s.handleQR))))

	if wsPath != "/" {
		mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
				ws.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
		}))
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.relay.SessionCount(r.Context())
	status, code := "ok", http.StatusOK
	if err != nil {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"sessions":    sessions,
		"connections": s.ConnectionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
