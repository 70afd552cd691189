//go:build !darwin

package iface

// addSystemRoute is a no-op outside macOS: on Linux the kernel installs the
// subnet route automatically when the TUN address is assigned via ifconfig.
func addSystemRoute(_, _ string) {}
