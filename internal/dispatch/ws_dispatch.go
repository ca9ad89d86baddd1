package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession represents a connected provider session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds provider sessions.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(providerID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[providerID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, providerID)
}

// Send writes the event to the provider's live session, if any.
func (r *WSRegistry) Send(providerID string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[providerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.send(ev); err != nil {
		r.logger.Warn("ws send failed", "provider_id", providerID, "error", err)
		return err
	}
	return nil
}

// Notify implements Notifier; delivery failure is swallowed by contract.
func (r *WSRegistry) Notify(providerID string, ev Event) {
	_ = r.Send(providerID, ev)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
