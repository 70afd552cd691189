//go:build !darwin

package app

import "qtun/utils"

// setProxy is a no-op outside macOS: spec.md §9 notes the reference
// implementation has no automated proxy configuration on other platforms
// either, leaving it to be set manually.
func setProxy(uint16) {
	utils.Logger.Info("set system proxy not supported on this platform, please set it manually")
}
