package maintenance

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
)

func newSweeperFixture(db *mockDB) *Sweeper {
	services := core.NewServices(db, core.Collaborators{}, zerolog.Nop())
	return NewSweeper(services, 2*time.Minute, zerolog.Nop())
}

func TestSweeper_SweepLiveness_MarksStaleNodesOffline(t *testing.T) {
	db := &mockDB{}
	s := newSweeperFixture(db)
	ctx := context.Background()

	stale := newMockRows(
		nodeScan(model.Node{ID: 1, UUID: "node-a", Status: model.NodeStatusOnline}),
		nodeScan(model.Node{ID: 2, UUID: "node-b", Status: model.NodeStatusOnline}),
	)
	db.On("Query", ctx, sqlContaining("last_seen_at IS NULL OR last_seen_at <"), mock.Anything).Return(stale, nil)
	db.On("Exec", ctx, sqlContaining("UPDATE nodes SET status"), mock.MatchedBy(func(args []any) bool {
		return args[0] == model.NodeStatusOffline
	})).Return(pgconn.CommandTag{}, nil).Twice()

	res, err := s.SweepLiveness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 2, res.Notified)
	db.AssertExpectations(t)
}

func TestSweeper_SweepLiveness_PerNodeFailureIsBestEffort(t *testing.T) {
	db := &mockDB{}
	s := newSweeperFixture(db)
	ctx := context.Background()

	stale := newMockRows(
		nodeScan(model.Node{ID: 1, UUID: "node-a"}),
		nodeScan(model.Node{ID: 2, UUID: "node-b"}),
	)
	db.On("Query", ctx, sqlContaining("last_seen_at IS NULL"), mock.Anything).Return(stale, nil)
	db.On("Exec", ctx, sqlContaining("UPDATE nodes SET status"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused")).Once()
	db.On("Exec", ctx, sqlContaining("UPDATE nodes SET status"), mock.Anything).
		Return(pgconn.CommandTag{}, nil).Once()

	res, err := s.SweepLiveness(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Equal(t, 1, res.Notified)
}

func TestSweeper_CleanupOrphans_QueuesAndSkips(t *testing.T) {
	db := &mockDB{}
	s := newSweeperFixture(db)
	ctx := context.Background()

	orphans := newMockRows(
		containerScan(model.Container{NodeID: 1, ContainerID: "ctr-old", Name: "gone"}),
		containerScan(model.Container{NodeID: 1, ContainerID: "ctr-pending", Name: "gone2"}),
	)
	db.On("Query", ctx, sqlContaining("LEFT JOIN applications"), mock.Anything).Return(orphans, nil)
	db.On("QueryRow", ctx, sqlContaining("payload->>'container_id'"), mock.MatchedBy(func(args []any) bool {
		return args[2] == "ctr-old"
	})).Return(countRow(0))
	db.On("QueryRow", ctx, sqlContaining("payload->>'container_id'"), mock.MatchedBy(func(args []any) bool {
		return args[2] == "ctr-pending"
	})).Return(countRow(1))
	db.On("QueryRow", ctx, sqlContaining("INSERT INTO tasks"), mock.Anything).
		Return(&mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*int64)) = 9
			*(dest[1].(*time.Time)) = time.Now()
			return nil
		}}).Once()

	res, err := s.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)
	assert.Equal(t, 1, res.Skipped)
	db.AssertExpectations(t)
}

func TestRunner_Cycle_ReportsCounts(t *testing.T) {
	db := &mockDB{}
	s := newSweeperFixture(db)
	out := &bytes.Buffer{}
	r := NewRunner(s, time.Minute, out, zerolog.Nop())
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("last_seen_at IS NULL"), mock.Anything).Return(newMockRows(), nil)
	db.On("Query", ctx, sqlContaining("LEFT JOIN applications"), mock.Anything).Return(newMockRows(), nil)

	require.NoError(t, r.RunOnce(ctx))
	assert.Equal(t, "nodes checked=0 notified=0; cleanup queued=0 skipped=0\n", out.String())
}

func TestRunner_Run_ContinuesAfterFailedCycle(t *testing.T) {
	db := &mockDB{}
	s := newSweeperFixture(db)
	out := &bytes.Buffer{}
	r := NewRunner(s, 5*time.Millisecond, out, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First cycle fails outright; the loop must still reach the next tick
	// and complete a full cycle there.
	db.On("Query", ctx, sqlContaining("last_seen_at IS NULL"), mock.Anything).
		Return(nil, errors.New("connection refused")).Once()
	db.On("Query", ctx, sqlContaining("last_seen_at IS NULL"), mock.Anything).
		Return(newMockRows(), nil)
	db.On("Query", ctx, sqlContaining("LEFT JOIN applications"), mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(newMockRows(), nil)

	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, out.String(), "nodes checked=0 notified=0; cleanup queued=0 skipped=0")
	db.AssertExpectations(t)
}

func TestRunner_Cycle_SweepErrorPropagates(t *testing.T) {
	db := &mockDB{}
	s := newSweeperFixture(db)
	out := &bytes.Buffer{}
	r := NewRunner(s, time.Minute, out, zerolog.Nop())
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("last_seen_at IS NULL"), mock.Anything).Return(nil, errors.New("connection refused"))

	require.Error(t, r.RunOnce(ctx))
	assert.Empty(t, out.String())
}
