//go:build !windows

package quarantine

func isPlatformCrossDevice(error) bool { return false }
