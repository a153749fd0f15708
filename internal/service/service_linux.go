//go:build linux

package service

import "golang.org/x/sys/unix"

// IsRoot reports whether the process runs with effective UID 0.
func IsRoot() bool {
	return unix.Geteuid() == 0
}

func checkPlatform() error {
	return nil
}
