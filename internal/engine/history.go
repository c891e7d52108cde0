package engine

import (
	"time"

	"ratewatch/internal/domain"
)

// recordLocked appends one alert snapshot to history and enforces the size cap.
// Params: entry kind, live alert, optional resolution time, and record instant.
// Returns: history updated in place; oldest entries are evicted first.
func (e *Evaluator) recordLocked(kind domain.HistoryKind, alert *domain.ActiveAlert, resolvedAt *time.Time, now time.Time) {
	entry := domain.AlertHistoryEntry{
		ID:         e.newID(),
		Kind:       kind,
		Alert:      alert.Clone(),
		RecordedAt: now,
	}
	if resolvedAt != nil {
		at := *resolvedAt
		entry.ResolvedAt = &at
	}
	e.history = append(e.history, entry)
	if overflow := len(e.history) - e.cfg.MaxHistory; overflow > 0 {
		e.history = append([]domain.AlertHistoryEntry(nil), e.history[overflow:]...)
	}
}

// pruneHistoryLocked drops entries older than the retention horizon.
// Params: current evaluation instant.
// Returns: number of removed entries.
func (e *Evaluator) pruneHistoryLocked(now time.Time) int {
	horizon := now.Add(-e.cfg.HistoryRetention)
	drop := 0
	for drop < len(e.history) && e.history[drop].RecordedAt.Before(horizon) {
		drop++
	}
	if drop == 0 {
		return 0
	}
	e.history = append([]domain.AlertHistoryEntry(nil), e.history[drop:]...)
	e.logger.Debug("pruned alert history", "removed", drop, "remaining", len(e.history))
	return drop
}

// History returns newest-first history entries.
// Params: maximum entries (limit <= 0 returns all).
// Returns: detached entry copies.
func (e *Evaluator) History(limit int) []domain.AlertHistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.AlertHistoryEntry, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		entry := e.history[i]
		entry.Alert = entry.Alert.Clone()
		if entry.ResolvedAt != nil {
			at := *entry.ResolvedAt
			entry.ResolvedAt = &at
		}
		out = append(out, entry)
	}
	return out
}
