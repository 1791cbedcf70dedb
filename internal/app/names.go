package app

import (
	"context"
	"fmt"
)

// ResolveNames starts the privileged helper so owners of every socket can be
// shown. It blocks while the user is asked for authorisation.
func (a *App) ResolveNames(ctx context.Context) error {
	if err := a.engine.StartResolver(ctx); err != nil {
		return fmt.Errorf("start helper: %w", err)
	}
	a.log.Info("privileged name resolution enabled")
	return nil
}

// NamesActive reports whether the privileged helper is serving requests.
func (a *App) NamesActive() bool {
	return a.engine.ResolverActive()
}
