// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package process

import (
	"context"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"
)

// DefaultShutdownTimeout bounds the drain started by a signal.
const DefaultShutdownTimeout = 30 * time.Second

// SignalWatcher is a worker that shuts a registry down when a signal
// arrives, then stops.
type SignalWatcher struct {
	catacomb catacomb.Catacomb
	registry *Registry
	sigCh    <-chan os.Signal
	timeout  time.Duration
}

// ShutdownOnSignal returns a worker that drains the registry when a
// value arrives on sig, waiting at most timeout for the drain. Its Wait
// returns once the drain is over, with the drain's error.
func (r *Registry) ShutdownOnSignal(sig <-chan os.Signal, timeout time.Duration) (*SignalWatcher, error) {
	if sig == nil {
		return nil, errors.NotValidf("nil signal channel")
	}
	if timeout <= 0 {
		return nil, errors.NotValidf("non-positive timeout")
	}
	s := &SignalWatcher{
		registry: r,
		sigCh:    sig,
		timeout:  timeout,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.watch,
	}); err != nil {
		return nil, errors.Annotate(err, "creating catacomb plan")
	}
	return s, nil
}

// Kill implements worker.Kill
func (s *SignalWatcher) Kill() {
	s.catacomb.Kill(nil)
}

// Wait implements worker.Wait
func (s *SignalWatcher) Wait() error {
	return s.catacomb.Wait()
}

func (s *SignalWatcher) watch() error {
	select {
	case sig, ok := <-s.sigCh:
		if !ok {
			return errors.New("signal channel closed unexpectedly")
		}
		logger.Infof("received %v, shutting down", sig)
		// The drain is not cut short by Kill; only the timeout ends it.
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		return errors.Trace(s.registry.Shutdown(ctx))
	case <-s.catacomb.Dying():
		return s.catacomb.ErrDying()
	}
}
