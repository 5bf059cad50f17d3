package gateway

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/chap-sh/chap/internal/model"
)

// ---------- Mock DB ----------

// mockDB implements core.DB for testing.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

func noRowsRow() *mockRow {
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func nodeRow(n model.Node) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*int64)) = n.ID
		*(dest[1].(*string)) = n.UUID
		*(dest[2].(*string)) = n.Name
		*(dest[3].(*string)) = n.TokenHash
		*(dest[4].(*string)) = n.Status
		*(dest[5].(**time.Time)) = n.LastSeenAt
		*(dest[6].(**string)) = n.AgentVersion
		*(dest[7].(*json.RawMessage)) = n.SystemInfo
		*(dest[8].(*json.RawMessage)) = n.Metrics
		*(dest[9].(*int64)) = n.CPUMillis
		*(dest[10].(*int64)) = n.MemoryMB
		*(dest[11].(*time.Time)) = n.CreatedAt
		*(dest[12].(*time.Time)) = n.UpdatedAt
		return nil
	}}
}

func deploymentRow(d model.Deployment) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*int64)) = d.ID
		*(dest[1].(*string)) = d.UUID
		*(dest[2].(*int64)) = d.ApplicationID
		*(dest[3].(*string)) = d.Status
		*(dest[4].(**string)) = d.CommitSHA
		*(dest[5].(**string)) = d.CommitMessage
		*(dest[6].(**string)) = d.ErrorMessage
		*(dest[7].(**time.Time)) = d.StartedAt
		*(dest[8].(**time.Time)) = d.FinishedAt
		*(dest[9].(*time.Time)) = d.CreatedAt
		*(dest[10].(*time.Time)) = d.UpdatedAt
		return nil
	}}
}

// mockRows implements pgx.Rows over model.Task values.
type mockRows struct {
	callIndex int
	tasks     []model.Task
}

func taskRows(tasks ...model.Task) *mockRows {
	return &mockRows{tasks: tasks}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.tasks)
}

func (m *mockRows) Scan(dest ...any) error {
	t := m.tasks[m.callIndex]
	m.callIndex++
	*(dest[0].(*int64)) = t.ID
	*(dest[1].(*int64)) = t.NodeID
	*(dest[2].(*string)) = t.Type
	*(dest[3].(*json.RawMessage)) = t.Payload
	*(dest[4].(*time.Time)) = t.CreatedAt
	return nil
}

func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

// ---------- Fake transport ----------

// fakeConn is an in-memory Conn. Tests feed inbound frames through the
// channel and read back everything written.
type fakeConn struct {
	inbound chan []byte

	mu          sync.Mutex
	written     [][]byte
	writeErr    error
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.written = append(c.written, buf)
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
	}
	return nil
}

// send queues an inbound envelope.
func (c *fakeConn) send(msgType string, payload any) {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: msgType, Payload: raw})
	c.inbound <- data
}

// sentTypes decodes every written frame's envelope type, in order.
func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, data := range c.written {
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func (c *fakeConn) closedWith() (bool, websocket.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}
