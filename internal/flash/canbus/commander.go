package canbus

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Phase names one step of the bootloader handshake.
type Phase string

const (
	PhaseSetIdentity Phase = "set-identity"
	PhaseComplete    Phase = "complete"
)

// PhaseError reports which handshake phase failed. The transition layer
// uses it to abort without attempting later phases.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("canbus: %s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// PhaseOf returns the failed handshake phase, or "" when err is not a
// handshake failure.
func PhaseOf(err error) Phase {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return ""
}

const defaultResponseTimeout = 2 * time.Second

// Commander drives the two-phase Katapult handshake on an open bus.
type Commander struct {
	Bus             Bus
	ResponseTimeout time.Duration
}

func NewCommander(bus Bus) *Commander {
	return &Commander{Bus: bus, ResponseTimeout: defaultResponseTimeout}
}

// SetIdentity runs phase one: assign the handshake node id to the node with
// the given UUID and wait for the admin acknowledgement.
func (c *Commander) SetIdentity(ctx context.Context, uuid string) error {
	uuidBytes, err := ParseUUID(uuid)
	if err != nil {
		return &PhaseError{Phase: PhaseSetIdentity, Err: err}
	}
	if err := c.roundTrip(ctx, setIdentityFrame(uuidBytes), AdminResponseID); err != nil {
		return &PhaseError{Phase: PhaseSetIdentity, Err: err}
	}
	return nil
}

// Complete runs phase two: issue the framed "complete" command and wait for
// its acknowledgement. The node reboots out of its current mode on success.
func (c *Commander) Complete(ctx context.Context) error {
	if err := c.roundTrip(ctx, completeFrame(), DataResponseID); err != nil {
		return &PhaseError{Phase: PhaseComplete, Err: err}
	}
	return nil
}

// Reboot performs the full handshake in order. Both phases must succeed;
// a failed phase aborts without issuing the next one.
func (c *Commander) Reboot(ctx context.Context, uuid string) error {
	if err := c.SetIdentity(ctx, uuid); err != nil {
		return err
	}
	// Give the node a moment to adopt the assigned identity.
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return &PhaseError{Phase: PhaseComplete, Err: ctx.Err()}
	}
	return c.Complete(ctx)
}

// roundTrip sends the frame and waits for a frame on wantID, skipping
// unrelated bus traffic until the response timeout elapses.
func (c *Commander) roundTrip(ctx context.Context, f Frame, wantID uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.Bus.Send(f); err != nil {
		return err
	}

	timeout := c.ResponseTimeout
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no frame on id 0x%x within %s", ErrNoResponse, wantID, timeout)
		}
		resp, err := c.Bus.Recv(remaining)
		if err != nil {
			return err
		}
		if resp.ID == wantID {
			return nil
		}
	}
}
