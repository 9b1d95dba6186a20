//go:build unix

package inputset

import (
	"os"
	"syscall"

	direrr "github.com/tanglewood/dbsnap/core/errors"
)

// identityOf reads the device and inode number off the platform's
// syscall.Stat_t. Both fields are widened to uint64 regardless of the
// platform's native Dev/Ino width.
func identityOf(info os.FileInfo) (Identity, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Identity{}, direrr.ErrUnsupported
	}
	return Identity{Dev: uint64(stat.Dev), Ino: uint64(stat.Ino)}, nil
}

// rawModeBits returns the low 16 bits of the on-disk st_mode verbatim,
// including the S_IFREG file-type bits Go's os.FileMode discards. The ZIP
// external attributes field expects this raw value, not a reconstruction
// from os.FileMode.Perm.
func rawModeBits(info os.FileInfo) (uint16, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, direrr.ErrUnsupported
	}
	return uint16(stat.Mode & 0xFFFF), nil
}
