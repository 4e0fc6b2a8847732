// Package costs aggregates agent usage per bot, per user, and globally.
// All state is in memory and resets on restart.
package costs

import (
	"sync"
	"time"
)

// Usage is one rollup bucket.
type Usage struct {
	TotalTasks      int       `json:"totalTasks"`
	CompletedTasks  int       `json:"completedTasks"`
	FailedTasks     int       `json:"failedTasks"`
	TotalCostUSD    float64   `json:"totalCostUsd"`
	TotalDurationMS int64     `json:"totalDurationMs"`
	LastTaskAt      time.Time `json:"lastTaskAt"`
}

// Tracker accumulates usage rollups. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	byBot  map[string]*Usage
	byUser map[string]*Usage
	global Usage
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byBot:  make(map[string]*Usage),
		byUser: make(map[string]*Usage),
	}
}

// Record adds one finished task to the bot, user, and global rollups.
func (t *Tracker) Record(botName, userID string, success bool, costUSD float64, durationMS int64) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	apply := func(u *Usage) {
		u.TotalTasks++
		if success {
			u.CompletedTasks++
		} else {
			u.FailedTasks++
		}
		u.TotalCostUSD += costUSD
		u.TotalDurationMS += durationMS
		u.LastTaskAt = now
	}

	apply(t.bucket(t.byBot, botName))
	if userID != "" {
		apply(t.bucket(t.byUser, userID))
	}
	apply(&t.global)
}

func (t *Tracker) bucket(m map[string]*Usage, key string) *Usage {
	u, ok := m[key]
	if !ok {
		u = &Usage{}
		m[key] = u
	}
	return u
}

// Snapshot is a copy of all rollups for the stats API.
type Snapshot struct {
	Global Usage            `json:"global"`
	Bots   map[string]Usage `json:"bots"`
	Users  map[string]Usage `json:"users"`
}

// Snapshot returns a copy of the current rollups.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Global: t.global,
		Bots:   make(map[string]Usage, len(t.byBot)),
		Users:  make(map[string]Usage, len(t.byUser)),
	}
	for k, v := range t.byBot {
		snap.Bots[k] = *v
	}
	for k, v := range t.byUser {
		snap.Users[k] = *v
	}
	return snap
}
