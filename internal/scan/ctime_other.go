//go:build !linux && !windows

package scan

import (
	"os"
	"time"
)

// changeTime falls back to the modification time where Stat_t has no Ctim
func changeTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
