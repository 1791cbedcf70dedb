package app

import (
	"fmt"
	"time"
)

// ExportName returns the default export file name for t.
func ExportName(t time.Time) string {
	return fmt.Sprintf("tcpview-%s.json", t.Format("20060102-150405"))
}

// Export saves the current records to path. Updates are paused while the
// file is written and the previous pause state is restored afterwards.
func (a *App) Export(path string) error {
	wasPaused := a.engine.IsPaused()
	a.engine.SetPaused(true)
	defer a.engine.SetPaused(wasPaused)

	if err := a.engine.Export(path); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	a.log.WithField("path", path).Info("exported connections")
	return nil
}
