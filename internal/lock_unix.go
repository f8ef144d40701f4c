//go:build aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package internal

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Byte offsets SQLite's unix VFS locks so that other SQLite processes
// observe locks taken here.
const (
	sqlitePendingByte  = 0x40000000
	sqliteReservedByte = sqlitePendingByte + 1
	sqliteSharedFirst  = sqlitePendingByte + 2
	sqliteSharedSize   = 510
)

// SetProcessLock moves the process's POSIX advisory lock on f from one level
// to another. It returns the level actually reached, which is below to when
// another process holds a conflicting lock.
func SetProcessLock(f *os.File, from, to LockLevel) (LockLevel, error) {
	fd := f.Fd()

	if to < from {
		switch to {
		case LockNone:
			if err := setFcntlLock(fd, unix.F_UNLCK, sqlitePendingByte, sqliteSharedSize+2); err != nil {
				return from, err
			}
			return LockNone, nil
		default:
			if from == LockExclusive {
				if err := setFcntlLock(fd, unix.F_RDLCK, sqliteSharedFirst, sqliteSharedSize); err != nil {
					return from, err
				}
			}
			switch to {
			case LockShared:
				if err := setFcntlLock(fd, unix.F_UNLCK, sqlitePendingByte, 2); err != nil {
					return from, err
				}
			case LockReserved:
				if err := setFcntlLock(fd, unix.F_UNLCK, sqlitePendingByte, 1); err != nil {
					return from, err
				}
			}
			return to, nil
		}
	}

	level := from
	if level < LockShared && to >= LockShared {
		// Readers briefly take the pending byte so that a writer waiting on
		// PENDING keeps new readers out.
		if err := setFcntlLock(fd, unix.F_RDLCK, sqlitePendingByte, 1); err != nil {
			return level, err
		}
		err := setFcntlLock(fd, unix.F_RDLCK, sqliteSharedFirst, sqliteSharedSize)
		_ = setFcntlLock(fd, unix.F_UNLCK, sqlitePendingByte, 1)
		if err != nil {
			return level, err
		}
		level = LockShared
	}

	if to == LockReserved && level < LockReserved {
		if err := setFcntlLock(fd, unix.F_WRLCK, sqliteReservedByte, 1); err != nil {
			return level, err
		}
		level = LockReserved
	}

	if to >= LockPending && level < LockPending {
		if err := setFcntlLock(fd, unix.F_WRLCK, sqlitePendingByte, 1); err != nil {
			return level, err
		}
		level = LockPending
	}

	if to == LockExclusive && level < LockExclusive {
		if err := setFcntlLock(fd, unix.F_WRLCK, sqliteSharedFirst, sqliteSharedSize); err != nil {
			return level, err
		}
		level = LockExclusive
	}

	return level, nil
}

func setFcntlLock(fd uintptr, lockType int16, start, length int64) error {
	flock := unix.Flock_t{
		Type:   lockType,
		Whence: 0,
		Start:  start,
		Len:    length,
	}
	if err := unix.FcntlFlock(fd, unix.F_SETLK, &flock); err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return fmt.Errorf("fcntl lock at %d: %w", start, ErrBusy)
		}
		return fmt.Errorf("fcntl lock at %d: %w", start, err)
	}
	return nil
}
