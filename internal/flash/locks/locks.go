// Package locks brokers exclusive access to the host resources that flash
// operations contend on: each CAN interface, and the firmware service
// process group. Waiters are granted strictly in arrival order so a batch
// cannot starve an interactive operation.
package locks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ServiceLockName guards systemd service stop/start and the host MCU
// process group.
const ServiceLockName = "service"

// CANLockName returns the lock name guarding one CAN interface.
func CANLockName(iface string) string {
	return "can:" + iface
}

// ReleaseFunc releases an acquired lock. It is idempotent.
type ReleaseFunc func()

// Manager hands out named exclusive locks with FIFO fairness.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	held    bool
	holder  string
	waiters []*waiter
}

type waiter struct {
	ready chan struct{}
	label string
}

func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lockState)}
}

// Acquire blocks until the named lock is free or ctx is done. The label is
// carried into contention errors for diagnostics. Release the returned
// ReleaseFunc on every exit path.
func (m *Manager) Acquire(ctx context.Context, name, label string) (ReleaseFunc, error) {
	m.mu.Lock()
	state := m.locks[name]
	if state == nil {
		state = &lockState{}
		m.locks[name] = state
	}
	if !state.held {
		state.held = true
		state.holder = label
		m.mu.Unlock()
		return m.releaser(name), nil
	}

	w := &waiter{ready: make(chan struct{}), label: label}
	state.waiters = append(state.waiters, w)
	holder := state.holder
	m.mu.Unlock()

	select {
	case <-w.ready:
		return m.releaser(name), nil
	case <-ctx.Done():
		m.abandon(name, w)
		return nil, fmt.Errorf("locks: %s held by %s: %w", name, holder, ctx.Err())
	}
}

// AcquireTimeout is Acquire with an explicit wait bound.
func (m *Manager) AcquireTimeout(ctx context.Context, name, label string, timeout time.Duration) (ReleaseFunc, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Acquire(waitCtx, name, label)
}

// Holder reports who currently holds the named lock, or "" when free.
func (m *Manager) Holder(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state := m.locks[name]; state != nil && state.held {
		return state.holder
	}
	return ""
}

func (m *Manager) releaser(name string) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(name)
		})
	}
}

func (m *Manager) release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.locks[name]
	if state == nil || !state.held {
		return
	}
	if len(state.waiters) == 0 {
		state.held = false
		state.holder = ""
		return
	}
	next := state.waiters[0]
	state.waiters = state.waiters[1:]
	state.holder = next.label
	close(next.ready)
}

// abandon removes a waiter whose context expired. If the waiter was granted
// the lock during the race, the grant is passed on immediately.
func (m *Manager) abandon(name string, w *waiter) {
	m.mu.Lock()
	state := m.locks[name]
	if state != nil {
		for i, queued := range state.waiters {
			if queued == w {
				state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()

	// Not in the queue: the grant already happened.
	select {
	case <-w.ready:
		m.release(name)
	default:
	}
}
