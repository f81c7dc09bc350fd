//go:build linux

package scan

import (
	"os"
	"syscall"
	"time"
)

// changeTime gets the change time from FileInfo (Linux)
func changeTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	// Use ctime (change time)
	return time.Unix(int64(stat.Ctim.Sec), int64(stat.Ctim.Nsec))
}
