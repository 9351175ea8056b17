//go:build linux

package tundevice

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/Zxce3/teavpn2/internal/protocol"
)

// Configure applies the interface parameters a client received in
// AUTH_OK (address, netmask, MTU) to the named TUN interface and brings
// it up by shelling out to the "ip" tool rather than reimplementing
// netlink.
func Configure(ifName string, info protocol.IfInfo) error {
	addr := net.IP(info.IPv4[:]).String()
	prefix := maskBits(info.Netmask)

	if out, err := exec.Command("ip", "addr", "add", fmt.Sprintf("%s/%d", addr, prefix), "dev", ifName).CombinedOutput(); err != nil {
		return fmt.Errorf("tundevice: ip addr add: %w: %s", err, out)
	}
	if out, err := exec.Command("ip", "link", "set", "dev", ifName, "mtu", fmt.Sprintf("%d", info.MTU), "up").CombinedOutput(); err != nil {
		return fmt.Errorf("tundevice: ip link set up: %w: %s", err, out)
	}
	return nil
}

// Teardown removes the interface, undoing Configure.
func Teardown(ifName string) error {
	out, err := exec.Command("ip", "link", "delete", ifName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tundevice: ip link delete: %w: %s", err, out)
	}
	return nil
}

func maskBits(mask [4]byte) int {
	n := 0
	for _, b := range mask {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}
