//go:build linux

package tundevice

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Zxce3/teavpn2/application"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca
	iffTun     = 0x0001
	iffNoPI    = 0x1000
	tunPath    = "/dev/net/tun"
)

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [24]byte
}

// Open creates (or attaches to) a TUN interface named ifName via the
// /dev/net/tun + TUNSETIFF ioctl, then wraps the resulting fd in the
// split-epoll application.Device this package implements. logger may
// be nil.
func Open(ifName string, logger application.Logger) (application.Device, error) {
	f, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tundevice: open %s: %w", tunPath, err)
	}

	var req ifReq
	copy(req.Name[:], ifName)
	req.Flags = iffTun | iffNoPI

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("tundevice: TUNSETIFF for %s: %w", ifName, errno)
	}

	return NewEpollDevice(f, logger)
}
