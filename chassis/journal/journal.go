// Package journal records orchestrator run attempts.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status of a run attempt.
type Status string

// Statuses.
const (
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusExhausted Status = "CRITICAL_ERROR"
	StatusSkipped   Status = "SKIPPED"
)

// Entry is one run attempt of one worker.
type Entry struct {
	Dataset    string    `json:"dataset"`
	AOI        string    `json:"aoi"`
	Attempt    int       `json:"attempt"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Journal ...
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	// Recent returns the latest entries of a worker, newest first. A zero limit returns all.
	Recent(ctx context.Context, dataset, aoi string, limit int) ([]Entry, error)
	// CleanOld removes successful entries older than expiration.
	CleanOld(ctx context.Context, expiration time.Duration) (int, error)
}

// Memory keeps entries in process. Used when no database is configured.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemory ...
func NewMemory() *Memory {
	return &Memory{now: func() time.Time { return time.Now().UTC() }}
}

// Record ...
func (m *Memory) Record(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Recent ...
func (m *Memory) Recent(_ context.Context, dataset, aoi string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Dataset == dataset && e.AOI == aoi {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CleanOld ...
func (m *Memory) CleanOld(_ context.Context, expiration time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-expiration)
	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.Status == StatusSuccess && e.FinishedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}
