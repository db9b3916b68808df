package adapter

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// magicBaudReset opens the serial port at 1200 baud and closes it again.
// USB CDC bootloaders (Katapult, Arduino-style loaders, STM32 boards wired
// for it) treat the open/close cycle at that rate as a reboot request. The
// port typically vanishes within a couple of seconds when the trick works.
func magicBaudReset(path string) error {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("adapter: open %s: %w", path, err)
	}
	defer unix.Close(fd)

	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("adapter: get termios %s: %w", path, err)
	}
	tio.Cflag &^= unix.CBAUD
	tio.Cflag |= unix.B1200
	tio.Ispeed = unix.B1200
	tio.Ospeed = unix.B1200
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return fmt.Errorf("adapter: set 1200 baud on %s: %w", path, err)
	}

	// Hold the port open briefly so the device registers the DTR toggle.
	time.Sleep(100 * time.Millisecond)
	return nil
}
