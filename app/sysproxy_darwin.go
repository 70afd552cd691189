//go:build darwin

package app

import (
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"qtun/utils"
)

// setProxy points the Wi-Fi service's auto-proxy-discovery URL at the local
// PAC file server. This is unconditional on macOS per spec.md §9's noted
// design choice in the reference implementation — the core never depends
// on proxy state, so a failure here only affects browser convenience.
func setProxy(fileSvrPort uint16) {
	url := fmt.Sprintf("http://127.0.0.1:%d/proxy.pac", fileSvrPort)
	out, err := exec.Command("networksetup", "-setautoproxyurl", "Wi-Fi", url).CombinedOutput()
	if err != nil {
		utils.Logger.Error("set system proxy failed", zap.ByteString("output", out), zap.Error(err))
		return
	}
	utils.Logger.Info("set system proxy successfully", zap.String("url", url))
}
