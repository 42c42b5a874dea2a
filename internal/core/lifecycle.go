package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/drive-recorder/internal/types"
)

// Component is a supervised unit with cooperative shutdown
type Component interface {
	Name() string
	// Stop requests shutdown; idempotent and non-blocking
	Stop()
	// Wait blocks until the component has terminated or ctx expires
	Wait(ctx context.Context) error
}

// Controller stops components in a fixed order.
//
// Each component is stopped and then awaited, bounded by a per-component
// budget, before the next one is stopped. Producers therefore finish (and
// hand off their last clip) before the writer closes its queue. A component
// that misses its budget is reported and left running; the sequence moves on.
type Controller struct {
	components []Component
	timeout    time.Duration

	once   sync.Once
	result error
}

// NewController creates a controller that stops components in the given order
func NewController(timeout time.Duration, components ...Component) *Controller {
	return &Controller{
		components: components,
		timeout:    timeout,
	}
}

// Shutdown runs the stop sequence once. Later calls return the first result.
//
// The returned error joins one ShutdownTimeout error per component that did
// not terminate within its budget (or before ctx expired).
func (c *Controller) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.result = c.shutdown(ctx)
	})
	return c.result
}

func (c *Controller) shutdown(ctx context.Context) error {
	start := time.Now()
	slog.Info("lifecycle: shutdown sequence started",
		"components", len(c.components),
		"per_component_timeout", c.timeout,
	)

	var errs []error
	for _, comp := range c.components {
		name := comp.Name()
		compStart := time.Now()

		slog.Info("lifecycle: stopping component", "component", name)
		comp.Stop()

		waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := comp.Wait(waitCtx)
		cancel()

		if err != nil {
			timeoutErr := types.ShutdownTimeoutError(name,
				fmt.Errorf("did not stop within %s: %w", c.timeout, err))
			errs = append(errs, timeoutErr)
			slog.Warn("lifecycle: component did not stop in time, leaving it running",
				"component", name,
				"timeout", c.timeout,
				"error", err,
			)
			continue
		}

		slog.Info("lifecycle: component stopped",
			"component", name,
			"elapsed", time.Since(compStart),
		)
	}

	slog.Info("lifecycle: shutdown sequence finished",
		"elapsed", time.Since(start),
		"timeouts", len(errs),
	)
	return errors.Join(errs...)
}
