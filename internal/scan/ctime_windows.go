//go:build windows

package scan

import (
	"os"
	"syscall"
	"time"
)

// changeTime gets the change time from FileInfo (Windows)
func changeTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return info.ModTime()
	}
	// On Windows, use creation time as change time
	return time.Unix(0, stat.CreationTime.Nanoseconds())
}
