// Package maintenance holds the periodic background routines: the node
// liveness sweep and orphaned-container cleanup.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/chap-sh/chap/internal/core"
	"github.com/chap-sh/chap/internal/model"
)

// Sweeper runs one maintenance cycle's routines. Per-node failures are
// best-effort and logged; only wiring errors propagate.
type Sweeper struct {
	services     *core.Services
	offlineGrace time.Duration
	logger       zerolog.Logger
}

func NewSweeper(services *core.Services, offlineGrace time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		services:     services,
		offlineGrace: offlineGrace,
		logger:       logger.With().Str("component", "maintenance").Logger(),
	}
}

// LivenessResult counts one liveness sweep.
type LivenessResult struct {
	Checked  int
	Notified int
}

// SweepLiveness marks nodes offline whose last activity predates the grace
// window. This catches nodes whose TCP disconnect never reached the
// server.
func (s *Sweeper) SweepLiveness(ctx context.Context) (LivenessResult, error) {
	cutoff := time.Now().Add(-s.offlineGrace)
	stale, err := s.services.Nodes.StaleOnline(ctx, cutoff)
	if err != nil {
		return LivenessResult{}, fmt.Errorf("liveness sweep: %w", err)
	}

	res := LivenessResult{Checked: len(stale)}
	for _, node := range stale {
		if err := s.services.Nodes.MarkOffline(ctx, node.ID); err != nil {
			s.logger.Error().Err(err).Str("node", node.UUID).Msg("failed to mark stale node offline")
			continue
		}
		s.logger.Info().Str("node", node.UUID).Time("cutoff", cutoff).Msg("node marked offline by sweep")
		res.Notified++
	}
	return res, nil
}

// CleanupResult counts one orphan-cleanup pass.
type CleanupResult struct {
	Queued  int
	Skipped int
}

// CleanupOrphans queues a container:remove task for every reported
// container that no longer belongs to an application. Containers that
// already have a pending remove task are skipped so repeated cycles do not
// pile up duplicates.
func (s *Sweeper) CleanupOrphans(ctx context.Context) (CleanupResult, error) {
	orphans, err := s.services.Containers.Orphans(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("orphan cleanup: %w", err)
	}

	var res CleanupResult
	for _, c := range orphans {
		pending, err := s.services.Tasks.HasPendingContainerTask(ctx, c.NodeID, model.TaskTypeContainerRemove, c.ContainerID)
		if err != nil {
			s.logger.Error().Err(err).Str("container", c.ContainerID).Msg("failed to check pending removal")
			continue
		}
		if pending {
			res.Skipped++
			continue
		}

		payload, _ := json.Marshal(map[string]string{"container_id": c.ContainerID})
		if err := s.services.Dispatcher.Enqueue(ctx, c.NodeID, model.TaskTypeContainerRemove, payload); err != nil {
			s.logger.Error().Err(err).Str("container", c.ContainerID).Msg("failed to queue container removal")
			continue
		}
		s.logger.Info().Str("container", c.ContainerID).Int64("node_id", c.NodeID).Msg("orphaned container removal queued")
		res.Queued++
	}
	return res, nil
}
