package session

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

type janitor struct {
	cron *cron.Cron
}

// Start schedules the background upkeep: idle reaping and tombstone
// pruning every ReapEvery, keepalive probes every KeepaliveEvery, and a
// daily purge of expired audit entries.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.janitor != nil {
		return nil
	}
	c := cron.New()
	if m.cfg.ReapEvery > 0 {
		if _, err := c.AddFunc(every(m.cfg.ReapEvery), m.Reap); err != nil {
			return fmt.Errorf("schedule reaper: %w", err)
		}
	}
	if m.cfg.KeepaliveEvery > 0 {
		if _, err := c.AddFunc(every(m.cfg.KeepaliveEvery), m.Keepalive); err != nil {
			return fmt.Errorf("schedule keepalive: %w", err)
		}
	}
	if m.auditor != nil {
		if _, err := c.AddFunc("@daily", m.purgeAudit); err != nil {
			return fmt.Errorf("schedule audit purge: %w", err)
		}
	}
	c.Start()
	m.janitor = &janitor{cron: c}
	return nil
}

// Stop halts the janitor and waits for running jobs.
func (m *Manager) Stop() {
	m.mu.Lock()
	j := m.janitor
	m.janitor = nil
	m.mu.Unlock()
	if j != nil {
		<-j.cron.Stop().Done()
	}
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// Reap closes expired idle connections in every pool and forgets old
// shell tombstones.
func (m *Manager) Reap() {
	now := time.Now()
	closed := 0
	for _, p := range m.allPools() {
		closed += p.ReapIdle(now)
	}
	pruned := m.shells.prune(now.Add(-m.cfg.TombstoneTTL))
	if closed > 0 || pruned > 0 {
		log.Printf("[session-mgr] janitor: closed %d idle connections, pruned %d shell tokens", closed, pruned)
	}
}

// Keepalive probes the idle connections of every pool.
func (m *Manager) Keepalive() {
	for _, p := range m.allPools() {
		p.Keepalive()
	}
}

func (m *Manager) purgeAudit() {
	m.auditor.PurgeOlderThan(0)
}
