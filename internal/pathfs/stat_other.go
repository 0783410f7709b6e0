//go:build !linux && !darwin

package pathfs

import "os"

// statCtime falls back to mtime on platforms without a native ctime field
// (e.g. windows), since POSIX ctime has no direct analogue there.
func statCtime(info os.FileInfo) int64 {
	return info.ModTime().Unix()
}
