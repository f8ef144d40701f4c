// Package litevfs registers Go storage providers as SQLite virtual filesystems.
//
// A provider implements FileSystem and File. Register binds a provider to a
// VFS name in the SQLite library linked by github.com/mattn/go-sqlite3 so that
// connections opened with "?vfs=<name>" route every file operation through it.
package litevfs

import (
	"fmt"
	"io"
	"strings"
)

// DefaultMaxPathname is the longest pathname SQLite may pass to a VFS unless
// overridden with WithMaxPathname.
const DefaultMaxPathname = 1024

// DefaultSectorSize is reported for files whose provider is no longer reachable.
const DefaultSectorSize = 4096

// FileSystem is a storage provider for SQLite.
type FileSystem interface {
	// Open opens the named file. Name is "" for temporary files, in which
	// case the provider picks a unique name. The returned flags are passed
	// back to SQLite as the flags the file was actually opened with.
	Open(name string, flags OpenFlag) (File, OpenFlag, error)

	// Delete removes the named file. If dirSync is true the removal must be
	// durable before Delete returns.
	Delete(name string, dirSync bool) error

	// Access reports whether the named file satisfies flag.
	Access(name string, flag AccessFlag) (bool, error)

	// FullPathname returns the canonical form of name.
	FullPathname(name string) (string, error)
}

// File is an open file returned by a FileSystem.
type File interface {
	// ReadAt follows io.ReaderAt. A short read must return n < len(p)
	// along with io.EOF or a nil error.
	io.ReaderAt

	// WriteAt follows io.WriterAt.
	io.WriterAt

	Truncate(size int64) error
	Sync(flag SyncType) error
	FileSize() (int64, error)

	// Lock acquires or upgrades the lock on the file. Allowed transitions:
	//
	//	NONE -> SHARED
	//	SHARED -> RESERVED
	//	SHARED -> (PENDING) -> EXCLUSIVE
	//	RESERVED -> (PENDING) -> EXCLUSIVE
	//	PENDING -> EXCLUSIVE
	//
	// Return an error wrapping ErrBusy when the lock is held elsewhere.
	Lock(elock LockType) error

	// Unlock lowers the lock to LockShared or LockNone.
	Unlock(elock LockType) error

	// CheckReservedLock reports whether any handle holds RESERVED or higher.
	CheckReservedLock() (bool, error)

	SectorSize() int64
	DeviceCharacteristics() DeviceCharacteristic

	Close() error
}

// FileController is implemented by files that answer PRAGMA statements
// issued against them. Returning a nil value with an error wrapping
// ErrNotFound lets SQLite handle the pragma itself.
type FileController interface {
	FileControl(op int, pragmaName string, pragmaValue *string) (*string, error)
}

// StrictLocker is implemented by files whose provider rejects lock requests
// that skip an intermediate level instead of inserting it.
type StrictLocker interface {
	StrictLocking() bool
}

// OpenFlag is the set of SQLITE_OPEN_* flags passed to FileSystem.Open.
type OpenFlag int

const (
	OpenReadOnly      OpenFlag = 0x00000001
	OpenReadWrite     OpenFlag = 0x00000002
	OpenCreate        OpenFlag = 0x00000004
	OpenDeleteOnClose OpenFlag = 0x00000008
	OpenExclusive     OpenFlag = 0x00000010
	OpenAutoProxy     OpenFlag = 0x00000020
	OpenURI           OpenFlag = 0x00000040
	OpenMemory        OpenFlag = 0x00000080
	OpenMainDB        OpenFlag = 0x00000100
	OpenTempDB        OpenFlag = 0x00000200
	OpenTransientDB   OpenFlag = 0x00000400
	OpenMainJournal   OpenFlag = 0x00000800
	OpenTempJournal   OpenFlag = 0x00001000
	OpenSubJournal    OpenFlag = 0x00002000
	OpenSuperJournal  OpenFlag = 0x00004000
	OpenNoMutex       OpenFlag = 0x00008000
	OpenFullMutex     OpenFlag = 0x00010000
	OpenSharedCache   OpenFlag = 0x00020000
	OpenPrivateCache  OpenFlag = 0x00040000
	OpenWAL           OpenFlag = 0x00080000
	OpenNoFollow      OpenFlag = 0x01000000
)

// OpenTempMask matches every file type that does not outlive its connection
// or that SQLite can recreate from the main database.
const OpenTempMask = OpenTempDB | OpenTransientDB | OpenMainJournal |
	OpenTempJournal | OpenSubJournal | OpenSuperJournal | OpenWAL

var openFlagNames = []struct {
	flag OpenFlag
	name string
}{
	{OpenReadOnly, "READONLY"},
	{OpenReadWrite, "READWRITE"},
	{OpenCreate, "CREATE"},
	{OpenDeleteOnClose, "DELETEONCLOSE"},
	{OpenExclusive, "EXCLUSIVE"},
	{OpenAutoProxy, "AUTOPROXY"},
	{OpenURI, "URI"},
	{OpenMemory, "MEMORY"},
	{OpenMainDB, "MAIN_DB"},
	{OpenTempDB, "TEMP_DB"},
	{OpenTransientDB, "TRANSIENT_DB"},
	{OpenMainJournal, "MAIN_JOURNAL"},
	{OpenTempJournal, "TEMP_JOURNAL"},
	{OpenSubJournal, "SUBJOURNAL"},
	{OpenSuperJournal, "SUPER_JOURNAL"},
	{OpenNoMutex, "NOMUTEX"},
	{OpenFullMutex, "FULLMUTEX"},
	{OpenSharedCache, "SHAREDCACHE"},
	{OpenPrivateCache, "PRIVATECACHE"},
	{OpenWAL, "WAL"},
	{OpenNoFollow, "NOFOLLOW"},
}

func (f OpenFlag) String() string {
	if f == 0 {
		return "0"
	}

	var a []string
	rem := f
	for _, e := range openFlagNames {
		if f&e.flag != 0 {
			a = append(a, e.name)
			rem &^= e.flag
		}
	}
	if rem != 0 {
		a = append(a, fmt.Sprintf("0x%x", int(rem)))
	}
	return strings.Join(a, "|")
}

// AccessFlag is the query passed to FileSystem.Access.
type AccessFlag int

const (
	AccessExists    AccessFlag = 0 // Does the file exist?
	AccessReadWrite AccessFlag = 1 // Is the file both readable and writeable?
	AccessRead      AccessFlag = 2 // Is the file readable?
)

func (f AccessFlag) String() string {
	switch f {
	case AccessExists:
		return "AccessExists"
	case AccessReadWrite:
		return "AccessReadWrite"
	case AccessRead:
		return "AccessRead"
	default:
		return fmt.Sprintf("AccessFlagUnknown<%d>", int(f))
	}
}

// SyncType is the set of SQLITE_SYNC_* flags passed to File.Sync.
type SyncType int

const (
	SyncNormal   SyncType = 0x00002
	SyncFull     SyncType = 0x00003
	SyncDataOnly SyncType = 0x00010
)

// https://www.sqlite.org/c3ref/c_lock_exclusive.html
type LockType int

const (
	LockNone      LockType = 0
	LockShared    LockType = 1
	LockReserved  LockType = 2
	LockPending   LockType = 3
	LockExclusive LockType = 4
)

func (lt LockType) String() string {
	switch lt {
	case LockNone:
		return "LockNone"
	case LockShared:
		return "LockShared"
	case LockReserved:
		return "LockReserved"
	case LockPending:
		return "LockPending"
	case LockExclusive:
		return "LockExclusive"
	default:
		return fmt.Sprintf("LockTypeUnknown<%d>", int(lt))
	}
}

// https://www.sqlite.org/c3ref/c_iocap_atomic.html
type DeviceCharacteristic int

const (
	IocapAtomic              DeviceCharacteristic = 0x00000001
	IocapAtomic512           DeviceCharacteristic = 0x00000002
	IocapAtomic1K            DeviceCharacteristic = 0x00000004
	IocapAtomic2K            DeviceCharacteristic = 0x00000008
	IocapAtomic4K            DeviceCharacteristic = 0x00000010
	IocapAtomic8K            DeviceCharacteristic = 0x00000020
	IocapAtomic16K           DeviceCharacteristic = 0x00000040
	IocapAtomic32K           DeviceCharacteristic = 0x00000080
	IocapAtomic64K           DeviceCharacteristic = 0x00000100
	IocapSafeAppend          DeviceCharacteristic = 0x00000200
	IocapSequential          DeviceCharacteristic = 0x00000400
	IocapUndeletableWhenOpen DeviceCharacteristic = 0x00000800
	IocapPowersafeOverwrite  DeviceCharacteristic = 0x00001000
	IocapImmutable           DeviceCharacteristic = 0x00002000
	IocapBatchAtomic         DeviceCharacteristic = 0x00004000
)

// File control opcodes handled by the adapter.
const (
	FcntlVFSName = 12
	FcntlPragma  = 14
)
