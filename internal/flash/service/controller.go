// Package service suspends and resumes the firmware host services around
// flash operations. Suspension is reference counted so nested scopes (a
// batch holding the services down across many devices) stop the units once
// and restart them only when the outermost scope ends.
package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

// ResumeFunc ends one suspension scope. It is idempotent; the units
// restart when the last scope ends.
type ResumeFunc func(ctx context.Context) error

// Controller manages the klipper and moonraker systemd units.
type Controller struct {
	runner   proc.Runner
	patterns []string
	exclude  map[string]bool
	logger   *log.Logger

	mu      sync.Mutex
	refs    int
	stopped []string
}

// NewController builds a controller over the unit glob patterns from the
// daemon settings. The orchestrator's own unit is always excluded so a
// batch cannot stop the daemon out from under itself.
func NewController(runner proc.Runner, patterns []string, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[Service] ", log.LstdFlags)
	}
	return &Controller{
		runner:   runner,
		patterns: patterns,
		exclude:  map[string]bool{"kfleetd.service": true, "klipperfleet.service": true},
		logger:   logger,
	}
}

// Suspend stops the matching units if this is the first active scope and
// returns the scope's resume func. Callers must invoke the resume func on
// every exit path.
func (c *Controller) Suspend(ctx context.Context) (ResumeFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		units, err := c.listUnits(ctx)
		if err != nil {
			return nil, err
		}
		for _, unit := range units {
			if err := c.runUnitAction(ctx, "stop", unit); err != nil {
				// Roll back the units already stopped before failing.
				for _, stopped := range c.stopped {
					if startErr := c.runUnitAction(ctx, "start", stopped); startErr != nil {
						c.logger.Printf("rollback start of %s failed: %v", stopped, startErr)
					}
				}
				c.stopped = nil
				return nil, err
			}
			c.stopped = append(c.stopped, unit)
		}
		if len(c.stopped) > 0 {
			c.logger.Printf("suspended units: %s", strings.Join(c.stopped, ", "))
		}
	}
	c.refs++

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			err = c.resume(ctx)
		})
		return err
	}, nil
}

func (c *Controller) resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}

	var firstErr error
	for _, unit := range c.stopped {
		if err := c.runUnitAction(ctx, "start", unit); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(c.stopped) > 0 {
		c.logger.Printf("resumed units: %s", strings.Join(c.stopped, ", "))
	}
	c.stopped = nil
	return firstErr
}

// Suspended reports whether any scope currently holds the services down.
func (c *Controller) Suspended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs > 0
}

// StopUnit stops one named unit outside the refcounted scope. The linux
// adapter uses it for the host MCU service.
func (c *Controller) StopUnit(ctx context.Context, unit string) error {
	return c.runUnitAction(ctx, "stop", unit)
}

// StartUnit starts one named unit outside the refcounted scope.
func (c *Controller) StartUnit(ctx context.Context, unit string) error {
	return c.runUnitAction(ctx, "start", unit)
}

// listUnits expands the configured patterns into concrete unit names.
func (c *Controller) listUnits(ctx context.Context) ([]string, error) {
	args := []string{"list-units", "--type=service", "--all", "--no-legend", "--plain"}
	args = append(args, c.patterns...)
	result, err := c.runner.Run(ctx, proc.Command{
		Name:    "systemctl",
		Args:    args,
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("service: list units: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("service: list units: systemctl exited %d: %s", result.ExitCode, strings.TrimSpace(result.Output))
	}

	var units []string
	for _, line := range strings.Split(result.Output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		unit := fields[0]
		if !strings.HasSuffix(unit, ".service") || c.exclude[unit] {
			continue
		}
		units = append(units, unit)
	}
	return units, nil
}

func (c *Controller) runUnitAction(ctx context.Context, action, unit string) error {
	result, err := c.runner.Run(ctx, proc.Command{
		Name:    "systemctl",
		Args:    []string{action, unit},
		Sudo:    true,
		Timeout: 30 * time.Second,
	}, nil)
	if err != nil {
		return fmt.Errorf("service: %s %s: %w", action, unit, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("service: %s %s: systemctl exited %d: %s", action, unit, result.ExitCode, strings.TrimSpace(result.Output))
	}
	return nil
}
