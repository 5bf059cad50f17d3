package limits

import (
	"context"
	"fmt"

	"github.com/chap-sh/chap/internal/core"
)

// PortAllocator hands out host ports from a fixed range, tracked per node
// in the port_reservations table. Reservations are keyed by the owning
// deployment's uuid so a cancel or failure can release them in one call.
type PortAllocator struct {
	db    core.DB
	start int
	end   int
}

func NewPortAllocator(db core.DB, start, end int) *PortAllocator {
	return &PortAllocator{db: db, start: start, end: end}
}

func (a *PortAllocator) Allocate(ctx context.Context, reservationID string, nodeID int64, count int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}

	rows, err := a.db.Query(ctx,
		`SELECT port FROM port_reservations WHERE node_id = $1 ORDER BY port`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list reserved ports for node %d: %w", nodeID, err)
	}
	defer rows.Close()

	used := map[int]bool{}
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("scan reserved port: %w", err)
		}
		used[port] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reserved ports: %w", err)
	}

	var ports []int
	for p := a.start; p <= a.end && len(ports) < count; p++ {
		if !used[p] {
			ports = append(ports, p)
		}
	}
	if len(ports) < count {
		return nil, fmt.Errorf("node %d has %d free ports in %d-%d, need %d", nodeID, len(ports), a.start, a.end, count)
	}

	for _, port := range ports {
		_, err := a.db.Exec(ctx,
			`INSERT INTO port_reservations (reservation_id, node_id, port, created_at) VALUES ($1, $2, $3, now())`,
			reservationID, nodeID, port)
		if err != nil {
			// Drop whatever part of the reservation made it in.
			if relErr := a.Release(ctx, reservationID); relErr != nil {
				return nil, fmt.Errorf("reserve port %d on node %d: %w (release also failed: %v)", port, nodeID, err, relErr)
			}
			return nil, fmt.Errorf("reserve port %d on node %d: %w", port, nodeID, err)
		}
	}
	return ports, nil
}

func (a *PortAllocator) Release(ctx context.Context, reservationID string) error {
	_, err := a.db.Exec(ctx, `DELETE FROM port_reservations WHERE reservation_id = $1`, reservationID)
	if err != nil {
		return fmt.Errorf("release port reservation %s: %w", reservationID, err)
	}
	return nil
}
