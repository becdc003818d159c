package posix

import (
	"os"
	"strconv"
	"syscall"
)

// ownerGroup extracts the numeric uid/gid from a FileInfo's underlying
// syscall.Stat_t, rendered as strings since the core treats owner/group as
// opaque identifiers (resolving them to names is a presentation concern,
// not the driver's).
func ownerGroup(info os.FileInfo) (owner, group string) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return "", ""
	}
	return strconv.FormatUint(uint64(stat.Uid), 10), strconv.FormatUint(uint64(stat.Gid), 10)
}
