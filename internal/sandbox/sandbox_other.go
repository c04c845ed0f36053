//go:build !linux

package sandbox

import log "github.com/sirupsen/logrus"

// Apply is a no-op outside Linux; no primitive in this pack's dependency
// set hardens a process on other platforms. Per spec.md §6, absence must
// not break functionality.
func Apply() {
	log.Debug("sandbox: no hardening primitive available on this platform")
}
