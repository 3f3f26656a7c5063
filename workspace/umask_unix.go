//go:build unix

package workspace

import "golang.org/x/sys/unix"

// setUmask installs mask and returns the previous value, so it can be
// restored on Close.
func setUmask(mask int) int {
	return unix.Umask(mask)
}

func restoreUmask(previous int) {
	unix.Umask(previous)
}
