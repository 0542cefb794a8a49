// Package gateway is the WebSocket front of the daemon: connection
// lifecycle, frame dispatch, and the tool call pipeline.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolgate/backend/internal/bus"
	"github.com/toolgate/backend/internal/config"
	"github.com/toolgate/backend/internal/session"
	"github.com/toolgate/backend/internal/tools"
	"github.com/toolgate/backend/internal/workflow"
)

// Server wires the gateway's collaborators and serves the WebSocket
// endpoint.
type Server struct {
	cfg      *config.Config
	sessions *session.Manager
	tools    *tools.Registry
	frame    *tools.Frame
	engine   *workflow.Engine
	bus      *bus.Client

	upgrader websocket.Upgrader
}

// NewServer assembles the gateway.
func NewServer(cfg *config.Config, sessions *session.Manager, reg *tools.Registry, frame *tools.Frame, engine *workflow.Engine, busClient *bus.Client) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		tools:    reg,
		frame:    frame,
		engine:   engine,
		bus:      busClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The daemon binds to loopback for local clients; remote
			// deployments front it with an authenticating proxy.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP mux with the WebSocket, health, and metrics
// endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// HandleWebSocket upgrades the connection and starts the pump pair.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("client connected", "remote", ws.RemoteAddr().String())

	c := newConn(s, ws)
	go c.writePump()
	c.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"sessions":    s.sessions.Count(),
		"bus_enabled": s.bus.Enabled(),
		"bus_breaker": s.bus.BreakerState().String(),
	})
}
