package checkpoint

import (
	"context"
	"fmt"

	"github.com/dukex/orchestra/pkg/models"
	"github.com/robfig/cron/v3"
)

// Start schedules the interval sweep over the executions source reports.
func (m *Manager) Start(ctx context.Context, source Source) error {
	if m.cfg.Interval <= 0 {
		m.logger.InfoContext(ctx, "Interval checkpoints disabled")

		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("checkpoint sweep already started")
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.AddFunc("@every "+m.cfg.Interval.String(), func() {
		m.Sweep(context.WithoutCancel(ctx), source)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule checkpoint sweep: %w", err)
	}

	c.Start()
	m.cron = c

	m.logger.InfoContext(ctx, "Checkpoint sweep started", "interval", m.cfg.Interval, "retain", m.cfg.Retain)

	return nil
}

// Stop halts the sweep and waits for a running one to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep checkpoints every live execution and applies retention. It returns the number
// of checkpoints taken.
func (m *Manager) Sweep(ctx context.Context, source Source) int {
	taken := 0

	for _, x := range source.Snapshots() {
		if _, err := m.Checkpoint(ctx, x, models.CheckpointInterval); err != nil {
			m.logger.ErrorContext(ctx, "Interval checkpoint failed", "execution_id", x.ID, "error", err)

			continue
		}

		taken++

		m.prune(ctx, x.ID)
	}

	if taken > 0 {
		m.logger.DebugContext(ctx, "Checkpoint sweep finished", "checkpoints", taken)
	}

	return taken
}
