package app

import (
	"errors"

	"feedsync/pkg/logger"
)

// Shutdown stops the ops server and maintenance, abandons in-flight
// publications and closes the store. Later calls are no-ops.
func (a *App) Shutdown() error {
	a.mu.Lock()
	if a.state == "stopped" || a.state == "shutting_down" {
		a.mu.Unlock()
		return nil
	}
	a.state = "shutting_down"
	a.mu.Unlock()

	var errs []error
	if a.srvFast != nil {
		if err := a.srvFast.Shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.stopMaint != nil {
		a.stopMaint()
	}
	a.client.Close()
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
		errs = append(errs, err)
	}
	a.setState("stopped")
	logger.Info("app_stopped")
	return errors.Join(errs...)
}
