package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/chap-sh/chap/internal/platform"
)

// Conn is the transport a session writes to. The production implementation
// wraps *websocket.Conn; tests substitute an in-memory fake.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Session is one authenticated live connection bound to exactly one node.
// Sessions live only in this process's memory and are owned by the
// Registry; they are never persisted.
type Session struct {
	ID        string
	NodeID    int64
	NodeUUID  string
	NodeName  string
	CreatedAt time.Time

	conn Conn
	wmu  sync.Mutex
}

func NewSession(conn Conn, nodeID int64, nodeUUID, nodeName string) *Session {
	return &Session{
		ID:        platform.NewID(),
		NodeID:    nodeID,
		NodeUUID:  nodeUUID,
		NodeName:  nodeName,
		CreatedAt: time.Now(),
		conn:      conn,
	}
}

// Send writes one envelope to the session, stamping the outbound timestamp.
// Writes are serialized; the poller, the flush path, and the read loop's
// responses all share this socket.
func (s *Session) Send(ctx context.Context, msgType string, payload any) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msgType, err)
	}
	return s.write(ctx, data)
}

// SendRaw writes an envelope whose payload is already serialized JSON.
func (s *Session) SendRaw(ctx context.Context, msgType string, payload json.RawMessage) error {
	now := time.Now().UTC()
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload, Timestamp: &now})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msgType, err)
	}
	return s.write(ctx, data)
}

func (s *Session) write(ctx context.Context, data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(ctx, data)
}

func (s *Session) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

// Registry maps node ids to their single live session. It is safe for
// concurrent use by the accept path, the poller, and core's live pusher.
type Registry struct {
	mu     sync.RWMutex
	byNode map[int64]*Session
}

func NewRegistry() *Registry {
	return &Registry{byNode: map[int64]*Session{}}
}

// Bind makes the session the node's live session. Any previous session for
// the same node id is removed and closed so it cannot receive duplicate
// pushes; its eventual read-loop error is handled by its own goroutine.
func (r *Registry) Bind(s *Session) *Session {
	r.mu.Lock()
	prev := r.byNode[s.NodeID]
	r.byNode[s.NodeID] = s
	r.mu.Unlock()

	if prev != nil {
		_ = prev.Close(StatusSuperseded, "superseded by new session")
	}
	return prev
}

// Detach removes the session if it is still the node's current one and
// reports whether it was. A superseded session detaching late must not
// unbind its replacement.
func (r *Registry) Detach(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byNode[s.NodeID]; ok && cur.ID == s.ID {
		delete(r.byNode, s.NodeID)
		return true
	}
	return false
}

func (r *Registry) Get(nodeID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byNode[nodeID]
	return s, ok
}

// NodeIDs returns the ids of all currently connected nodes.
func (r *Registry) NodeIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.byNode))
	for id := range r.byNode {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byNode)
}
