package app

import (
	"fmt"

	"tcpview/internal/conntable"
	"tcpview/internal/tracker"
)

// Records returns the tracked connections matching query, see tracker.ParseFilter.
func (a *App) Records(query string) ([]tracker.Record, error) {
	f, err := tracker.ParseFilter(query)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return a.engine.List(f), nil
}

// Ready reports whether at least one tick has completed.
func (a *App) Ready() bool {
	_, ok := a.engine.Data()
	return ok
}

// Mode returns the pause and capture switches.
func (a *App) Mode() tracker.Mode {
	return a.engine.Mode()
}

// SetPaused freezes or resumes updates.
func (a *App) SetPaused(paused bool) {
	a.engine.SetPaused(paused)
}

// SetCapturing keeps or drops vanished connections.
func (a *App) SetCapturing(capturing bool) {
	a.engine.SetCapturing(capturing)
}

// DeleteStale removes the given stale rows.
func (a *App) DeleteStale(keys ...conntable.Key) (int, error) {
	return a.engine.Delete(keys...)
}

// DeleteAllStale removes every stale row.
func (a *App) DeleteAllStale() (int, error) {
	stale := a.engine.List(tracker.Filter{StaleOnly: true})
	keys := make([]conntable.Key, 0, len(stale))
	for _, r := range stale {
		keys = append(keys, r.Key)
	}
	return a.engine.Delete(keys...)
}
