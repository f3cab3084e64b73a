package observability

import (
	"sync"
	"time"
)

// StatusTracker accumulates orchestrator activity for the live status row.
type StatusTracker struct {
	mu           sync.Mutex
	startedAt    time.Time
	activePlans  int
	activeRuns   int
	voiceRunning bool
	lastActivity string
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{startedAt: time.Now()}
}

func (t *StatusTracker) SetPlans(n int) {
	t.mu.Lock()
	t.activePlans = n
	t.mu.Unlock()
}

func (t *StatusTracker) SetRuns(n int) {
	t.mu.Lock()
	t.activeRuns = n
	t.mu.Unlock()
}

func (t *StatusTracker) SetVoiceRunning(on bool) {
	t.mu.Lock()
	t.voiceRunning = on
	t.mu.Unlock()
}

func (t *StatusTracker) SetActivity(desc string) {
	t.mu.Lock()
	t.lastActivity = desc
	t.mu.Unlock()
}

func (t *StatusTracker) Snapshot() StatusSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StatusSnapshot{
		Uptime:       time.Since(t.startedAt),
		ActivePlans:  t.activePlans,
		ActiveRuns:   t.activeRuns,
		VoiceRunning: t.voiceRunning,
		LastActivity: t.lastActivity,
	}
}
