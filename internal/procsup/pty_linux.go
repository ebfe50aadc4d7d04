package procsup

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openPty allocates a pty pair for console=log, stdlib os/exec has no pty
// support so this goes straight to the unix ioctls: open /dev/ptmx,
// unlock it (TIOCSPTLCK), read back its slave number (TIOCGPTN), and open
// /dev/pts/<n>.
func openPty() (master, slave *os.File, err error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open /dev/ptmx: %w", err)
	}
	master = os.NewFile(uintptr(fd), "/dev/ptmx")

	if err := unix.IoctlSetInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("TIOCSPTLCK: %w", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("TIOCGPTN: %w", err)
	}

	slavePath := fmt.Sprintf("/dev/pts/%d", n)
	slaveFd, err := unix.Open(slavePath, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, nil, fmt.Errorf("open %s: %w", slavePath, err)
	}
	slave = os.NewFile(uintptr(slaveFd), slavePath)
	return master, slave, nil
}
