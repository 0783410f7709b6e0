//go:build darwin

package pathfs

import (
	"os"
	"syscall"
)

// statCtime extracts the POSIX ctime (inode change time) from a FileInfo.
func statCtime(info os.FileInfo) int64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ctimespec.Sec
	}
	return info.ModTime().Unix()
}
