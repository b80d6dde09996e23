package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSSession represents a connected member session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(n)
}

// Ping sends a keepalive control frame.
func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// WSRegistry holds one live session per user; a reconnect replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(userID string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[userID]; ok && cur == s {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// Notify writes to recipients that are connected. Offline recipients are
// skipped without error.
func (r *WSRegistry) Notify(_ context.Context, n Notification) (int, error) {
	delivered := 0
	var errs []error
	for _, uid := range n.Recipients {
		r.mu.RLock()
		s, ok := r.sessions[uid]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := s.Send(n); err != nil {
			errs = append(errs, fmt.Errorf("ws send to %s: %w", uid, err))
			r.Remove(uid, s)
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}
