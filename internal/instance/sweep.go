package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSweeper schedules SweepIdle on the configured cron schedule
func (m *Manager) StartSweeper() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("idle sweeper already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(m.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopGrace+storeTimeout)
		defer cancel()
		if n := m.SweepIdle(ctx); n > 0 {
			m.logger.Info("idle sweep stopped instances", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", m.cfg.SweepSchedule, err)
	}
	c.Start()
	m.cron = c

	m.logger.Debug("idle sweeper started", "schedule", m.cfg.SweepSchedule, "idle_timeout", m.cfg.IdleTimeout)
	return nil
}

// StopSweeper stops the schedule and waits for a running sweep to finish
func (m *Manager) StopSweeper() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// SweepIdle stops every instance whose last activity is older than the idle
// timeout, whatever its status, and returns how many were stopped
func (m *Manager) SweepIdle(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []string
	for id, inst := range m.instances {
		if !inst.stopping && inst.lastActivity.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	stopped := 0
	for _, id := range idle {
		m.logger.Info("stopping idle instance", "instance_id", id, "idle_timeout", m.cfg.IdleTimeout)
		if err := m.StopInstance(ctx, id); err != nil {
			m.logger.Warn("failed to stop idle instance", "instance_id", id, "error", err)
			continue
		}
		stopped++
	}
	return stopped
}
