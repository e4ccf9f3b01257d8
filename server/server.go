package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Server binds the HTTP surface: the WebSocket endpoint for the messaging
// protocol and a plain health endpoint for orchestration probes.
type Server struct {
	log      *slog.Logger
	manager  *Manager
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func NewServer(log *slog.Logger, addr string, manager *Manager) *Server {
	s := &Server{
		log:     log,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Wallet tokens authenticate clients, not origins; browsers of
			// any origin may open the socket and still must authenticate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
// A failure to bind is the only fatal startup fault.
func (s *Server) ListenAndServe() error {
	s.log.Info("Listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	session := s.manager.Connect(conn)
	go session.writePump()
	go session.readPump(s.manager)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.manager.Stats()); err != nil {
		s.log.Debug("Failed to write health response", "err", err)
	}
}
