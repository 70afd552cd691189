package iface

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"sync"

	"github.com/songgao/water"
	"go.uber.org/zap"

	"qtun/utils"
)

// Iface wraps a platform TUN device, guarded by a mutex shared by every
// worker in the pipeline (spec.md §4.7, §5): device access is intentionally
// serialized, matching kernel semantics on most platforms.
type Iface struct {
	mu     sync.Mutex
	device *water.Interface
	name   string
	ip     string
	mtu    int
}

// NewIface creates a not-yet-started TUN wrapper. cidr is the configured
// `ip` key, e.g. "10.237.0.1/16".
func NewIface(cidr string, mtu int) *Iface {
	return &Iface{ip: cidr, mtu: mtu}
}

// Start creates the platform TUN device, assigns it the configured address
// and netmask, brings it up via ifconfig, and on macOS adds the subnet
// route the kernel won't add automatically for a point-to-point TUN.
func (f *Iface) Start() error {
	addr, ipNet, err := net.ParseCIDR(f.ip)
	if err != nil {
		return fmt.Errorf("parse cidr %q: %w", f.ip, err)
	}
	netmask := net.IP(ipNet.Mask).String()

	device, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return fmt.Errorf("create tun device: %w", err)
	}
	f.device = device
	f.name = device.Name()

	utils.Logger.Info("tun interface created", zap.String("name", f.name), zap.String("addr", addr.String()))

	if err := f.configure(addr.String(), netmask); err != nil {
		return err
	}
	addSystemRoute(f.name, addr.String())

	return nil
}

func (f *Iface) configure(addr, netmask string) error {
	args := ifconfigArgs(f.name, addr, netmask, f.mtu)
	out, err := exec.Command("ifconfig", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ifconfig %v: %w: %s", args, err, out)
	}
	return nil
}

func ifconfigArgs(name, addr, netmask string, mtu int) []string {
	if runtime.GOOS == "darwin" {
		return []string{name, addr, addr, "netmask", netmask, "mtu", fmt.Sprint(mtu), "up"}
	}
	return []string{name, addr, "netmask", netmask, "mtu", fmt.Sprint(mtu), "up"}
}

// Name returns the OS-assigned device name.
func (f *Iface) Name() string { return f.name }

// Read fills pkt's buffer from the device, serialized against every other
// reader and writer by f.mu — spec.md §4.7/§5 calls device access the
// dominant contention point and requires it serialized unqualified, not
// just on the write side.
func (f *Iface) Read(pkt *PacketIP) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device.Read(pkt.AsBytes())
}

// Write sends pkt's bytes to the device, serialized against every other
// reader and writer by f.mu — the dominant contention point the pipeline
// accepts by design (spec.md §5).
func (f *Iface) Write(pkt *PacketIP) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device.Write(pkt.AsBytes())
}
