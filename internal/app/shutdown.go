package app

import (
	"errors"
	"fmt"
)

// Shutdown performs graceful shutdown of all components.
// It stops the application in the following order:
//  1. Cancels the application context
//  2. Waits for pools to record in-flight outcomes and for the scheduler,
//     janitor and HTTP server to return
//  3. Closes the notifier
//  4. Closes the store
//
// The method is thread-safe and can be called from multiple goroutines.
func (a *App) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// If not started, nothing to do
	if !a.started {
		return nil
	}

	a.cancel()
	a.running.Wait()

	err := a.closeResources()

	a.started = false
	a.logger.Info("Application shutdown complete")
	return err
}

// closeResources releases the notifier and the store. Called with a.mu held.
func (a *App) closeResources() error {
	var errs []error
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.logger.Error("Failed to close notifier", err)
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close store", err)
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
