// Package osfs implements a litevfs.FileSystem on the local disk.
//
// Locks are tracked per file identity within the process and mirrored as
// POSIX advisory locks at the byte offsets SQLite uses, so other processes
// using SQLite's built-in unix VFS see them.
package osfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/internal"
)

var (
	_ litevfs.FileSystem   = (*FileSystem)(nil)
	_ litevfs.File         = (*File)(nil)
	_ litevfs.StrictLocker = (*File)(nil)
)

// DefaultFileMode is the permission used when creating files.
const DefaultFileMode = 0o644

// FileSystem opens files on the local disk.
type FileSystem struct {
	mu     sync.Mutex
	inodes map[fileID]*inode

	// Dir is the base directory for relative names. Empty means the
	// current working directory.
	Dir string

	// TempDir holds temporary files. Empty means os.TempDir().
	TempDir string

	Logger *slog.Logger
}

// NewFileSystem returns a new instance of FileSystem rooted at dir.
func NewFileSystem(dir string) *FileSystem {
	return &FileSystem{
		inodes: make(map[fileID]*inode),
		Dir:    dir,
		Logger: slog.Default().WithGroup("osfs"),
	}
}

// inode is the lock state shared by every handle on one file identity.
// POSIX locks belong to the process, not the descriptor, and closing any
// descriptor drops them, so descriptors are only closed once the last
// handle on the inode goes away.
type inode struct {
	id    fileID
	refs  int
	locks internal.LockTable
	proc  internal.LockLevel // level held with fcntl
	lockf *os.File           // descriptor used for fcntl
	files []*os.File         // descriptors waiting for refs to reach zero
}

func (fsys *FileSystem) path(name string) string {
	if fsys.Dir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(fsys.Dir, name)
}

func (fsys *FileSystem) Open(name string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error) {
	var f *os.File
	var err error
	if name == "" {
		if f, err = os.CreateTemp(fsys.TempDir, "litevfs-*"); err != nil {
			return nil, 0, litevfs.NewBackendError(litevfs.KindOf(err), "open", fsys.TempDir, err)
		}
		flags |= litevfs.OpenDeleteOnClose
	} else {
		path := fsys.path(name)
		f, err = os.OpenFile(path, openFlagToOSFlag(flags), DefaultFileMode)

		// Fall back to read-only like SQLite does for unwritable files.
		if errors.Is(err, fs.ErrPermission) && flags&litevfs.OpenReadWrite != 0 && flags&litevfs.OpenExclusive == 0 {
			fsys.Logger.Debug("opening read-only", "path", path)
			flags = (flags &^ (litevfs.OpenReadWrite | litevfs.OpenCreate)) | litevfs.OpenReadOnly
			f, err = os.OpenFile(path, os.O_RDONLY, 0)
		}
		if err != nil {
			return nil, 0, litevfs.NewBackendError(litevfs.KindOf(err), "open", path, err)
		}
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat: %w", err)
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	id := statFileID(f.Name(), fi)
	ino := fsys.inodes[id]
	if ino == nil {
		ino = &inode{id: id, lockf: f}
		fsys.inodes[id] = ino
	}
	ino.refs++

	fsys.Logger.Debug("open", "path", f.Name(), "flags", flags, "refs", ino.refs)

	return &File{
		fsys:          fsys,
		file:          f,
		ino:           ino,
		lock:          ino.locks.NewLock(),
		readOnly:      flags&litevfs.OpenReadOnly != 0,
		deleteOnClose: flags&litevfs.OpenDeleteOnClose != 0,
	}, flags, nil
}

func (fsys *FileSystem) Delete(name string, dirSync bool) error {
	path := fsys.path(name)
	if err := os.Remove(path); err != nil {
		return litevfs.NewBackendError(litevfs.KindOf(err), "delete", path, err)
	}

	if dirSync {
		d, err := os.Open(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("open parent dir: %w", err)
		}
		defer func() { _ = d.Close() }()
		if err := d.Sync(); err != nil {
			return fmt.Errorf("sync parent dir: %w", err)
		}
	}
	return nil
}

func (fsys *FileSystem) Access(name string, flag litevfs.AccessFlag) (bool, error) {
	path := fsys.path(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	switch flag {
	case litevfs.AccessExists:
		return true, nil
	case litevfs.AccessReadWrite:
		return access(path, true), nil
	default:
		return access(path, false), nil
	}
}

func (fsys *FileSystem) FullPathname(name string) (string, error) {
	return filepath.Abs(fsys.path(name))
}

// release drops one reference to ino and closes its descriptors when none
// remain. Caller must hold fsys.mu.
func (fsys *FileSystem) release(ino *inode, f *os.File) error {
	ino.refs--
	if ino.refs > 0 {
		if f != ino.lockf {
			ino.files = append(ino.files, f)
		}
		return nil
	}

	delete(fsys.inodes, ino.id)
	var err error
	for _, f := range append(ino.files, ino.lockf) {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}
	if f != ino.lockf {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// File is a handle on a local file.
type File struct {
	fsys          *FileSystem
	file          *os.File
	ino           *inode
	lock          *internal.Lock
	readOnly      bool
	deleteOnClose bool
}

// Name returns the path of the underlying file.
func (f *File) Name() string { return f.file.Name() }

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, litevfs.NewBackendError(litevfs.KindPermissionDenied, "write", f.Name(), nil)
	}
	return f.file.WriteAt(p, off)
}

func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return litevfs.NewBackendError(litevfs.KindPermissionDenied, "truncate", f.Name(), nil)
	}
	return f.file.Truncate(size)
}

func (f *File) Sync(flag litevfs.SyncType) error {
	if flag&litevfs.SyncDataOnly != 0 {
		return datasync(f.file)
	}
	return f.file.Sync()
}

func (f *File) FileSize() (int64, error) {
	fi, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Lock raises the in-process lock and then the process-wide fcntl lock. If
// another process blocks the fcntl lock, the in-process lock is rolled back.
func (f *File) Lock(elock litevfs.LockType) error {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()

	prev := f.lock.Level()
	if err := f.lock.Lock(internal.LockLevel(elock)); err != nil {
		_ = f.syncProcessLock()
		return err
	}

	if err := f.syncProcessLock(); err != nil {
		_ = f.lock.Unlock(prev)
		_ = f.syncProcessLock()
		return err
	}
	return nil
}

func (f *File) Unlock(elock litevfs.LockType) error {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()

	if err := f.lock.Unlock(internal.LockLevel(elock)); err != nil {
		return err
	}
	return f.syncProcessLock()
}

// syncProcessLock moves the fcntl lock to the highest level held by any
// handle on the inode. Caller must hold fsys.mu.
func (f *File) syncProcessLock() error {
	ino := f.ino
	want := ino.locks.Max()
	if want == ino.proc {
		return nil
	}

	level, err := internal.SetProcessLock(ino.lockf, ino.proc, want)
	ino.proc = level
	if err != nil {
		f.fsys.Logger.Debug("process lock", "path", f.Name(), "want", want, "held", level, "error", err)
	}
	return err
}

func (f *File) CheckReservedLock() (bool, error) {
	return f.lock.CheckReserved(), nil
}

func (f *File) SectorSize() int64 { return litevfs.DefaultSectorSize }

func (f *File) DeviceCharacteristics() litevfs.DeviceCharacteristic {
	return litevfs.IocapPowersafeOverwrite
}

func (f *File) StrictLocking() bool { return true }

func (f *File) Close() error {
	f.fsys.mu.Lock()
	defer f.fsys.mu.Unlock()

	f.lock.Release()
	_ = f.syncProcessLock()

	if f.deleteOnClose {
		if err := os.Remove(f.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			f.fsys.Logger.Warn("cannot remove temp file", "path", f.Name(), "error", err)
		}
	}
	return f.fsys.release(f.ino, f.file)
}

// openFlagToOSFlag returns the os.OpenFile flags for SQLite open flags.
func openFlagToOSFlag(flag litevfs.OpenFlag) int {
	var v int
	if flag&litevfs.OpenReadWrite != 0 {
		v |= os.O_RDWR
	} else {
		v |= os.O_RDONLY
	}
	if flag&litevfs.OpenCreate != 0 {
		v |= os.O_CREATE
	}
	if flag&litevfs.OpenExclusive != 0 {
		v |= os.O_EXCL
	}
	return v
}
