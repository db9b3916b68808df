// Package adapter contains the per-transport flashing adapters. Each
// adapter knows how to discover devices on its transport, how to move them
// between firmware and bootloader, and how to invoke the transport's
// flashing tool. Adapters classify their own failures; callers see
// flash.Error values carrying the failed step's kind and the tool output.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/fleet"
	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

// Target identifies one device for an adapter operation. Address is the
// transient transport address the mode detector resolved for the device's
// current mode: a CAN UUID, a serial path, or a DFU serial/USB path.
type Target struct {
	Device       fleet.Device
	Address      string
	ArtifactPath string
}

// Adapter is one transport's flashing implementation.
type Adapter interface {
	Transport() fleet.Transport

	// Discover lists devices currently visible on the transport. Results
	// may be served from a short-lived cache; mode transitions invalidate.
	Discover(ctx context.Context) ([]fleet.Observation, error)

	// Flash writes the artifact to a device that is in bootloader mode.
	Flash(ctx context.Context, target Target, sink proc.LineSink) error

	// EnterBootloader reboots a firmware-mode device into its bootloader.
	EnterBootloader(ctx context.Context, target Target, sink proc.LineSink) error

	// ExitBootloader returns a bootloader-mode device to its firmware.
	// Transports where the flash tool itself reboots the device report
	// success without doing anything.
	ExitBootloader(ctx context.Context, target Target, sink proc.LineSink) error
}

// Set holds one adapter per transport.
type Set struct {
	adapters map[fleet.Transport]Adapter
}

func NewSet(adapters ...Adapter) *Set {
	s := &Set{adapters: make(map[fleet.Transport]Adapter, len(adapters))}
	for _, a := range adapters {
		s.adapters[a.Transport()] = a
	}
	return s
}

// For returns the adapter for the transport, or nil.
func (s *Set) For(transport fleet.Transport) Adapter {
	return s.adapters[transport]
}

// All returns the adapters in no particular order.
func (s *Set) All() []Adapter {
	out := make([]Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	return out
}

// discoveryCache memoizes discovery results for a short window. Discovery
// feeds both status polling and batch planning; the cache keeps repeated
// polls from hammering the tools while transitions explicitly invalidate.
type discoveryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	observations []fleet.Observation
	at           time.Time
}

func newDiscoveryCache(ttl time.Duration) *discoveryCache {
	return &discoveryCache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *discoveryCache) get(key string) ([]fleet.Observation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.at) >= c.ttl {
		return nil, false
	}
	return append([]fleet.Observation(nil), entry.observations...), true
}

func (c *discoveryCache) put(key string, observations []fleet.Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{
		observations: append([]fleet.Observation(nil), observations...),
		at:           c.now(),
	}
}

func (c *discoveryCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *discoveryCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}
