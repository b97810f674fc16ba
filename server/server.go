package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/permsweep/permsweep/audit"
	"github.com/permsweep/permsweep/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observer-only server on a local port; cross-origin is fine
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StatusServer serves the current audit status over HTTP and streams
// updates over websocket.
type StatusServer struct {
	db          *sql.DB
	broadcaster *Broadcaster
	httpServer  *http.Server
	log         *zap.SugaredLogger
}

// NewStatusServer creates a status server on port
func NewStatusServer(db *sql.DB, broadcaster *Broadcaster, port int, log *zap.SugaredLogger) *StatusServer {
	s := &StatusServer{
		db:          db,
		broadcaster: broadcaster,
		log:         log.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *StatusServer) Start() error {
	s.log.Infow("Status server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "status server")
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests
func (s *StatusServer) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := audit.ReadStatus(s.db)
	if err != nil {
		if errors.IsNoJob(err) {
			http.Error(w, `{"error":"no audit has run"}`, http.StatusNotFound)
			return
		}
		s.log.Errorw("Failed to read status", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warnw("Failed to encode status", "error", err)
	}
}

func (s *StatusServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	updates := make(chan *audit.Status, 16)
	s.broadcaster.RegisterClient(clientID, updates)
	s.log.Infow("Observer connected", "client", clientID)

	defer func() {
		s.broadcaster.UnregisterClient(clientID)
		conn.Close()
		s.log.Infow("Observer disconnected", "client", clientID)
	}()

	// Drain the read side so close frames are processed. The writer
	// below must observe the disconnect even when no updates are
	// flowing, or it parks on the channel and keeps the registry entry
	// alive until the next broadcast.
	done := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()

	// Send the current status immediately so a fresh observer isn't
	// blank until the next update
	if status, err := audit.ReadStatus(s.db); err == nil {
		if err := conn.WriteJSON(status); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case status := <-updates:
			if err := conn.WriteJSON(status); err != nil {
				return
			}
		}
	}
}
