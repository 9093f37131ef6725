package quarantine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// moveFile renames src to dst, falling back to copy and remove when the two
// are on different volumes.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !isCrossDevice(err) {
		return err
	}
	return copyAndRemove(src, dst)
}

func copyAndRemove(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())

	in.Close()
	if err := os.Remove(src); err != nil {
		// Keep a single copy.
		os.Remove(dst)
		return err
	}
	return nil
}

// clearReadOnly adds owner write permission so the file can be moved.
// Failure is ignored.
func clearReadOnly(path string, info os.FileInfo) {
	if info.Mode().Perm()&0o200 != 0 {
		return
	}
	_ = os.Chmod(path, info.Mode().Perm()|0o200)
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV) || isPlatformCrossDevice(err)
}
