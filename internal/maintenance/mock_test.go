package maintenance

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/chap-sh/chap/internal/model"
)

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

func countRow(n int64) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*int64)) = n
		return nil
	}}
}

// mockRows yields rows via per-row scan functions.
type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func nodeScan(n model.Node) func(dest ...any) error {
	return func(dest ...any) error {
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
	}
}

func containerScan(c model.Container) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*int64)) = c.NodeID
		*(dest[1].(*string)) = c.ContainerID
		*(dest[2].(*string)) = c.Name
		*(dest[3].(*string)) = c.Image
		*(dest[4].(*string)) = c.State
		*(dest[5].(*time.Time)) = c.ReportedAt
		return nil
	}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	fn := m.scanFuncs[m.callIndex]
	m.callIndex++
	return fn(dest...)
}

func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }
