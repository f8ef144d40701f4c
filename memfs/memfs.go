// Package memfs implements an in-memory litevfs.FileSystem.
package memfs

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/internal"
)

var (
	_ litevfs.FileSystem   = (*FileSystem)(nil)
	_ litevfs.File         = (*File)(nil)
	_ litevfs.StrictLocker = (*File)(nil)
)

// FileSystem stores files as byte slices shared by every handle opened on
// the same name. Files are lost when the FileSystem is garbage collected.
type FileSystem struct {
	mu    sync.Mutex
	nodes map[string]*node
	seq   uint64 // temp file counter

	Logger *slog.Logger
}

// New returns a new, empty FileSystem.
func New() *FileSystem {
	return &FileSystem{
		nodes:  make(map[string]*node),
		Logger: slog.Default().WithGroup("memfs"),
	}
}

type node struct {
	mu    sync.RWMutex
	data  []byte
	locks internal.LockTable
}

// Open opens or creates the named file. An empty name creates a uniquely
// named temporary file.
func (fs *FileSystem) Open(name string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if name == "" {
		fs.seq++
		name = fmt.Sprintf("litevfs-temp-%016x", fs.seq)
		flags |= litevfs.OpenCreate | litevfs.OpenDeleteOnClose
	}

	n, ok := fs.nodes[name]
	switch {
	case !ok && flags&litevfs.OpenCreate == 0:
		return nil, 0, litevfs.NewBackendError(litevfs.KindNotFound, "open", name, nil)
	case ok && flags&litevfs.OpenCreate != 0 && flags&litevfs.OpenExclusive != 0:
		return nil, 0, litevfs.NewBackendError(litevfs.KindIOFailure, "open", name, fmt.Errorf("file exists"))
	case !ok:
		n = &node{}
		fs.nodes[name] = n
	}

	fs.Logger.Debug("open", "name", name, "flags", flags)

	return &File{
		fs:            fs,
		name:          name,
		node:          n,
		lock:          n.locks.NewLock(),
		readOnly:      flags&litevfs.OpenReadOnly != 0,
		deleteOnClose: flags&litevfs.OpenDeleteOnClose != 0,
	}, flags, nil
}

// Delete removes the named file. Open handles keep their contents.
func (fs *FileSystem) Delete(name string, dirSync bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.nodes[name]; !ok {
		return litevfs.NewBackendError(litevfs.KindNotFound, "delete", name, nil)
	}
	delete(fs.nodes, name)
	return nil
}

// Access reports whether the named file exists. Every existing file is
// readable and writable.
func (fs *FileSystem) Access(name string, flag litevfs.AccessFlag) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.nodes[name]
	return ok, nil
}

// FullPathname returns name unchanged.
func (fs *FileSystem) FullPathname(name string) (string, error) {
	return name, nil
}

// Names returns the names of all files, sorted.
func (fs *FileSystem) Names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	a := make([]string, 0, len(fs.nodes))
	for name := range fs.nodes {
		a = append(a, name)
	}
	slices.Sort(a)
	return a
}

// ReadFile returns a copy of the named file's contents.
func (fs *FileSystem) ReadFile(name string) ([]byte, error) {
	fs.mu.Lock()
	n, ok := fs.nodes[name]
	fs.mu.Unlock()
	if !ok {
		return nil, litevfs.NewBackendError(litevfs.KindNotFound, "read", name, nil)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.data), nil
}

// File is a handle on an in-memory file.
type File struct {
	fs            *FileSystem
	name          string
	node          *node
	lock          *internal.Lock
	readOnly      bool
	deleteOnClose bool
}

// Name returns the name the file was opened with.
func (f *File) Name() string { return f.name }

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()

	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, litevfs.NewBackendError(litevfs.KindPermissionDenied, "write", f.name, nil)
	}

	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(f.node.data)) {
		f.node.data = resize(f.node.data, int(end))
	}
	return copy(f.node.data[off:], p), nil
}

func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return litevfs.NewBackendError(litevfs.KindPermissionDenied, "truncate", f.name, nil)
	}

	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	f.node.data = resize(f.node.data, int(size))
	return nil
}

// Sync is a no-op.
func (f *File) Sync(flag litevfs.SyncType) error { return nil }

func (f *File) FileSize() (int64, error) {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return int64(len(f.node.data)), nil
}

func (f *File) Lock(elock litevfs.LockType) error {
	return f.lock.Lock(internal.LockLevel(elock))
}

func (f *File) Unlock(elock litevfs.LockType) error {
	return f.lock.Unlock(internal.LockLevel(elock))
}

func (f *File) CheckReservedLock() (bool, error) {
	return f.lock.CheckReserved(), nil
}

func (f *File) SectorSize() int64 { return litevfs.DefaultSectorSize }

func (f *File) DeviceCharacteristics() litevfs.DeviceCharacteristic {
	return litevfs.IocapAtomic | litevfs.IocapSafeAppend |
		litevfs.IocapSequential | litevfs.IocapPowersafeOverwrite
}

// StrictLocking reports true: lock requests must follow SQLite's order.
func (f *File) StrictLocking() bool { return true }

func (f *File) Close() error {
	f.lock.Release()

	if f.deleteOnClose {
		f.fs.mu.Lock()
		if f.fs.nodes[f.name] == f.node {
			delete(f.fs.nodes, f.name)
		}
		f.fs.mu.Unlock()
	}
	return nil
}

// resize returns b with length n. Bytes beyond the old length are zero.
func resize(b []byte, n int) []byte {
	if n <= len(b) {
		return b[:n]
	}
	old := len(b)
	b = slices.Grow(b, n-old)[:n]
	clear(b[old:])
	return b
}
