// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package contains the supervisor worker and the long-running workers
// it manages.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultSupervisorTimeout = 5 * time.Second

var ErrWorkerTimeout = errors.New("supervisor: worker not ready in time")

// Worker is a long-running go routine.
type Worker interface {
	fmt.Stringer

	// Start runs the worker until ctx is canceled. The worker sends to
	// ready once it is serving.
	Start(ctx context.Context, ready chan<- struct{}) error
}

// SupervisorWorker starts the workers in order, waiting for each one to be
// ready. When one of them exits, the others are canceled.
type SupervisorWorker struct {
	Name    string
	Workers []Worker
	Timeout time.Duration
}

func (w SupervisorWorker) String() string {
	return w.Name
}

func (w SupervisorWorker) Start(ctx context.Context, ready chan<- struct{}) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timeout := w.Timeout
	if timeout == 0 {
		timeout = DefaultSupervisorTimeout
	}

	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	for _, worker := range w.Workers {
		innerReady := make(chan struct{}, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := worker.Start(ctx, innerReady)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("supervisor: worker exited with error", "worker", worker.String(), "error", err)
				fail(fmt.Errorf("%v: %w", worker, err))
				return
			}
			slog.Debug("supervisor: worker exited", "worker", worker.String())
			cancel()
		}()
		select {
		case <-innerReady:
			slog.Debug("supervisor: worker ready", "worker", worker.String())
		case <-time.After(timeout):
			fail(fmt.Errorf("%w: %v", ErrWorkerTimeout, worker))
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() == nil {
		slog.Info("supervisor: all workers ready", "supervisor", w.Name)
		ready <- struct{}{}
	}
	<-ctx.Done()
	wg.Wait()
	return firstErr
}
