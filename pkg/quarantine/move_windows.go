//go:build windows

package quarantine

import (
	"errors"
	"syscall"
)

// ERROR_NOT_SAME_DEVICE
const errNotSameDevice syscall.Errno = 17

func isPlatformCrossDevice(err error) bool {
	return errors.Is(err, errNotSameDevice)
}
