//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package osfs

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// fileID identifies a file independently of the path used to open it.
type fileID struct {
	dev, ino uint64
}

func statFileID(path string, fi os.FileInfo) fileID {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return fileID{dev: uint64(st.Dev), ino: uint64(st.Ino)}
	}
	return fileID{}
}

func access(path string, write bool) bool {
	mode := uint32(unix.R_OK)
	if write {
		mode |= unix.W_OK
	}
	return unix.Access(path, mode) == nil
}
