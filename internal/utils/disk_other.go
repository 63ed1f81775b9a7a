//go:build !unix

package utils

// DiskFree is unknown on platforms without statfs support.
func DiskFree(path string) int64 {
	return 0
}
