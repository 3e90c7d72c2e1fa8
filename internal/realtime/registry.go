package realtime

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession is returned when no live connection exists for a key.
var ErrNoSession = errors.New("no websocket session")

// Session wraps one connected customer or provider socket. Writes are
// serialized; gorilla/websocket allows only one concurrent writer.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *Session) Send(event string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(envelope{Event: event, Data: data})
}

// Registry holds connected sessions keyed "role:id" (customer:42,
// provider:7) plus job rooms that both parties of an accepted job join.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Add registers a connection under role:id, replacing a stale one.
// The returned session is the removal token for Remove.
func (r *Registry) Add(key string, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key] = s
	return s
}

// Remove drops the session and purges it from every room, but only if
// it is still the one registered under the key. A reconnect replaces
// the session, and the dying connection's read loop must not evict the
// replacement.
func (r *Registry) Remove(key string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] != s {
		return
	}
	delete(r.sessions, key)
	for _, members := range r.rooms {
		delete(members, key)
	}
}

// Join adds a session to a job room.
func (r *Registry) Join(room, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][key] = struct{}{}
}

// SendTo delivers one event to one session.
func (r *Registry) SendTo(key, event string, data any) error {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(event, data)
}

// Broadcast delivers one event to every member of a room. Send errors
// on individual sessions are ignored; a dead socket is reaped when its
// read loop exits.
func (r *Registry) Broadcast(room, event string, data any) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.rooms[room]))
	for key := range r.rooms[room] {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	for _, key := range keys {
		_ = r.SendTo(key, event, data)
	}
}
