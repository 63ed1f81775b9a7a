//go:build unix

package utils

import "golang.org/x/sys/unix"

// DiskFree reports the bytes available to the current user on the
// filesystem holding path. Returns 0 when the probe fails; callers treat
// 0 as unknown.
func DiskFree(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
