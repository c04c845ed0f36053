//go:build linux

// Package sandbox applies best-effort process hardening at startup. On
// Linux this sets PR_SET_NO_NEW_PRIVS (the process and its children can
// never gain privileges through exec) and lowers RLIMIT_NOFILE to a modest
// ceiling, since the daemon only ever holds a handful of file descriptors
// open at once (the config file, the IPC socket, the HTTP listener, a log
// file). These mirror the spirit of pizauth's OpenBSD pledge/unveil calls
// in original_source/src/server/mod.rs, which have no Linux equivalent in
// this pack; filesystem-visibility restriction (the unveil half) is not
// implemented here, see DESIGN.md.
package sandbox

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxOpenFiles bounds RLIMIT_NOFILE. The daemon's working set of
// descriptors is small and fixed, so a generous but finite ceiling catches
// a runaway fd leak without risking legitimate operation.
const MaxOpenFiles = 256

// Apply installs best-effort hardening. Failures are logged at warn level
// and never prevent the daemon from starting: spec.md §6 requires that
// absence of a primitive must not break functionality.
func Apply() {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		log.WithError(err).Warn("sandbox: PR_SET_NO_NEW_PRIVS unavailable")
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.WithError(err).Warn("sandbox: reading RLIMIT_NOFILE failed")
		return
	}
	if rlim.Cur <= MaxOpenFiles {
		return
	}
	rlim.Cur = MaxOpenFiles
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		log.WithError(err).Warn("sandbox: lowering RLIMIT_NOFILE failed")
	}
}
