//go:build darwin

package iface

import (
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"qtun/utils"
)

// addSystemRoute issues `route add -net <subnet> <ip>` on macOS, since the
// kernel does not automatically route the tunneled subnet to a TUN
// interface the way Linux does. "exists" failures are not fatal — the
// route only needs to be present, not freshly created.
func addSystemRoute(_, addr string) {
	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return
	}
	subnet := strings.Join(parts[:3], ".") + ".0"

	out, err := exec.Command("route", "add", "-net", subnet, addr).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "exists") {
		utils.Logger.Error("add system route failed", zap.String("subnet", subnet), zap.ByteString("output", out))
	}
}
