package internal

import (
	"fmt"
	"sync"
)

// LockLevel mirrors SQLite's file lock levels.
type LockLevel int

const (
	LockNone LockLevel = iota
	LockShared
	LockReserved
	LockPending
	LockExclusive
)

func (l LockLevel) String() string {
	switch l {
	case LockNone:
		return "NONE"
	case LockShared:
		return "SHARED"
	case LockReserved:
		return "RESERVED"
	case LockPending:
		return "PENDING"
	case LockExclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("LockLevel<%d>", int(l))
	}
}

// LockTable implements SQLite's locking protocol between handles of one
// file within a process. Any number of handles may hold SHARED, one may hold
// RESERVED, and PENDING or EXCLUSIVE exclude new readers.
type LockTable struct {
	mu        sync.Mutex
	shared    int // handles at SHARED or above
	reserved  *Lock
	pending   *Lock
	exclusive *Lock
}

// NewLock returns an unlocked handle on the table.
func (t *LockTable) NewLock() *Lock {
	return &Lock{table: t}
}

// Lock is one handle's view of a LockTable.
type Lock struct {
	table *LockTable
	level LockLevel
}

// Level returns the level currently held.
func (l *Lock) Level() LockLevel {
	l.table.mu.Lock()
	defer l.table.mu.Unlock()
	return l.level
}

// Lock raises the handle to level. Requests at or below the current level
// are no-ops. An EXCLUSIVE request blocked by readers leaves the handle at
// PENDING so that no new readers can enter.
func (l *Lock) Lock(level LockLevel) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if level <= l.level {
		return nil
	}

	switch level {
	case LockShared:
		if (t.pending != nil && t.pending != l) || (t.exclusive != nil && t.exclusive != l) {
			return fmt.Errorf("shared lock: %w", ErrBusy)
		}
		t.shared++
		l.level = LockShared
		return nil

	case LockReserved:
		if l.level < LockShared {
			return fmt.Errorf("reserved lock requires shared lock, held %s", l.level)
		} else if t.reserved != nil && t.reserved != l {
			return fmt.Errorf("reserved lock: %w", ErrBusy)
		}
		t.reserved = l
		l.level = LockReserved
		return nil

	case LockPending, LockExclusive:
		if l.level < LockShared {
			return fmt.Errorf("exclusive lock requires shared lock, held %s", l.level)
		} else if t.pending != nil && t.pending != l {
			return fmt.Errorf("pending lock: %w", ErrBusy)
		} else if t.reserved != nil && t.reserved != l {
			return fmt.Errorf("pending lock: reserved elsewhere: %w", ErrBusy)
		}
		t.pending = l
		l.level = LockPending
		if level == LockPending {
			return nil
		}

		if t.shared > 1 {
			return fmt.Errorf("exclusive lock: %d readers: %w", t.shared-1, ErrBusy)
		}
		t.exclusive = l
		l.level = LockExclusive
		return nil

	default:
		return fmt.Errorf("invalid lock level: %d", level)
	}
}

// Unlock lowers the handle to level, releasing every lock above it.
// SQLite only unlocks to SHARED or NONE; other levels are used to roll back
// a partially acquired lock.
func (l *Lock) Unlock(level LockLevel) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if level < LockNone || level > LockExclusive {
		return fmt.Errorf("invalid unlock level: %d", level)
	} else if level >= l.level {
		return nil
	}

	if level < LockExclusive && t.exclusive == l {
		t.exclusive = nil
	}
	if level < LockPending && t.pending == l {
		t.pending = nil
	}
	if level < LockReserved && t.reserved == l {
		t.reserved = nil
	}
	if level == LockNone && l.level >= LockShared {
		t.shared--
	}
	l.level = level
	return nil
}

// CheckReserved reports whether any handle holds RESERVED or higher.
func (l *Lock) CheckReserved() bool {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reserved != nil || t.pending != nil || t.exclusive != nil
}

// Max returns the highest level held by any handle on the table.
func (t *LockTable) Max() LockLevel {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.exclusive != nil:
		return LockExclusive
	case t.pending != nil:
		return LockPending
	case t.reserved != nil:
		return LockReserved
	case t.shared > 0:
		return LockShared
	default:
		return LockNone
	}
}

// Readers returns the number of handles holding SHARED or higher.
func (t *LockTable) Readers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shared
}

// Release drops any lock the handle holds.
func (l *Lock) Release() {
	_ = l.Unlock(LockNone)
}
