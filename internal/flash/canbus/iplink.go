package canbus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ModularPrintingSystem/KlipperFleet/internal/flash/proc"
)

// LinkManager brings CAN interfaces up and inspects their link state
// through ip(8).
type LinkManager struct {
	runner  proc.Runner
	bitrate int
}

func NewLinkManager(runner proc.Runner, bitrate int) *LinkManager {
	return &LinkManager{runner: runner, bitrate: bitrate}
}

// IsUp reports whether the interface is administratively up and has a
// carrier. An interface that ip does not know about counts as down.
func (m *LinkManager) IsUp(ctx context.Context, iface string) (bool, error) {
	result, err := m.runner.Run(ctx, proc.Command{
		Name:    "ip",
		Args:    []string{"link", "show", iface},
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("canbus: ip link show %s: %w", iface, err)
	}
	if result.ExitCode != 0 {
		return false, nil
	}
	up := strings.Contains(result.Output, "state UP") || strings.Contains(result.Output, "state UNKNOWN")
	return up && !strings.Contains(result.Output, "NO-CARRIER"), nil
}

// EnsureUp brings the interface up with the configured bitrate if it is not
// already up. It waits briefly after bringing the link up so nodes have
// settled before the caller starts querying the bus.
func (m *LinkManager) EnsureUp(ctx context.Context, iface string) error {
	up, err := m.IsUp(ctx, iface)
	if err != nil {
		return err
	}
	if up {
		return nil
	}

	result, err := m.runner.Run(ctx, proc.Command{
		Name:    "ip",
		Args:    []string{"link", "set", iface, "up", "type", "can", "bitrate", fmt.Sprint(m.bitrate)},
		Sudo:    true,
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		return fmt.Errorf("canbus: bring up %s: %w", iface, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("canbus: bring up %s: ip exited %d: %s", iface, result.ExitCode, strings.TrimSpace(result.Output))
	}

	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ListInterfaces returns the names of CAN-type links known to the host.
func (m *LinkManager) ListInterfaces(ctx context.Context) ([]string, error) {
	result, err := m.runner.Run(ctx, proc.Command{
		Name:    "ip",
		Args:    []string{"-o", "link", "show", "type", "can"},
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("canbus: list can links: %w", err)
	}
	if result.ExitCode != 0 {
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(result.Output, "\n") {
		// Lines look like "3: can0: <NOARP,UP,LOWER_UP> ...".
		fields := strings.SplitN(line, ":", 3)
		if len(fields) < 3 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		if idx := strings.IndexByte(name, '@'); idx >= 0 {
			name = name[:idx]
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}
