package canbus

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoResponse is returned by Recv when no frame arrives within the
// timeout window.
var ErrNoResponse = errors.New("canbus: no response")

// Bus is a bound CAN socket. Tests substitute fakes; production code uses
// the raw SocketCAN implementation from Open.
type Bus interface {
	Send(f Frame) error
	Recv(timeout time.Duration) (Frame, error)
	Close() error
}

// OpenFunc opens a bus on the named interface. The batch orchestrator and
// adapters take it as a dependency so tests never touch real sockets.
type OpenFunc func(iface string) (Bus, error)

type rawBus struct {
	fd    int
	iface string
}

// Open binds a raw CAN socket to the named interface.
func Open(iface string) (Bus, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: interface %s: %w", iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: open raw socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind %s: %w", iface, err)
	}
	return &rawBus{fd: fd, iface: iface}, nil
}

var _ OpenFunc = Open

func (b *rawBus) Send(f Frame) error {
	buf, err := marshalFrame(f)
	if err != nil {
		return err
	}
	if _, err := unix.Write(b.fd, buf); err != nil {
		return fmt.Errorf("canbus: send on %s: %w", b.iface, err)
	}
	return nil
}

func (b *rawBus) Recv(timeout time.Duration) (Frame, error) {
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(b.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return Frame{}, fmt.Errorf("canbus: set recv timeout: %w", err)
	}
	buf := make([]byte, wireFrameSize)
	n, err := unix.Read(b.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return Frame{}, fmt.Errorf("%w on %s after %s", ErrNoResponse, b.iface, timeout)
		}
		return Frame{}, fmt.Errorf("canbus: recv on %s: %w", b.iface, err)
	}
	return unmarshalFrame(buf[:n])
}

func (b *rawBus) Close() error {
	return unix.Close(b.fd)
}
