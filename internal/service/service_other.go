//go:build !linux

package service

// IsRoot always reports false off Linux.
func IsRoot() bool {
	return false
}

func checkPlatform() error {
	return ErrUnsupported
}
