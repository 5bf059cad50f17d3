package limits

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

func TestPortAllocator_Allocate_SkipsReserved(t *testing.T) {
	db := &mockDB{}
	a := NewPortAllocator(db, 20000, 20009)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("SELECT port FROM port_reservations"), mock.Anything).
		Return(portRows(20000, 20002), nil)
	db.On("Exec", ctx, sqlContaining("INSERT INTO port_reservations"), mock.Anything).
		Return(pgconn.CommandTag{}, nil).Times(3)

	ports, err := a.Allocate(ctx, "dep-1", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{20001, 20003, 20004}, ports)
	db.AssertExpectations(t)
}

func TestPortAllocator_Allocate_Exhausted(t *testing.T) {
	db := &mockDB{}
	a := NewPortAllocator(db, 20000, 20002)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("SELECT port FROM port_reservations"), mock.Anything).
		Return(portRows(20000, 20001), nil)

	_, err := a.Allocate(ctx, "dep-1", 3, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "need 2")
	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestPortAllocator_Allocate_PartialFailureReleases(t *testing.T) {
	db := &mockDB{}
	a := NewPortAllocator(db, 20000, 20009)
	ctx := context.Background()

	db.On("Query", ctx, sqlContaining("SELECT port FROM port_reservations"), mock.Anything).
		Return(portRows(), nil)
	db.On("Exec", ctx, sqlContaining("INSERT INTO port_reservations"), mock.Anything).
		Return(pgconn.CommandTag{}, nil).Once()
	db.On("Exec", ctx, sqlContaining("INSERT INTO port_reservations"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("duplicate key")).Once()
	db.On("Exec", ctx, sqlContaining("DELETE FROM port_reservations"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	_, err := a.Allocate(ctx, "dep-1", 3, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserve port")
	db.AssertExpectations(t)
}

func TestPortAllocator_Allocate_ZeroCount(t *testing.T) {
	db := &mockDB{}
	a := NewPortAllocator(db, 20000, 20009)

	ports, err := a.Allocate(context.Background(), "dep-1", 3, 0)
	require.NoError(t, err)
	assert.Nil(t, ports)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestPortAllocator_Release(t *testing.T) {
	db := &mockDB{}
	a := NewPortAllocator(db, 20000, 20009)
	ctx := context.Background()

	db.On("Exec", ctx, sqlContaining("DELETE FROM port_reservations"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	require.NoError(t, a.Release(ctx, "dep-1"))
	db.AssertExpectations(t)
}
