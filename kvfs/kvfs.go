// Package kvfs implements a litevfs.FileSystem that stores files as
// fixed-size blocks in a BadgerDB key-value store.
//
// Key layout:
//
//	s/<name>                     file size, 8 bytes big-endian
//	b/<name>\x00<index>          block data, index is 8 bytes big-endian
//
// Every WriteAt and Truncate is a single Badger transaction.
package kvfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/internal"
)

var (
	_ litevfs.FileSystem   = (*FileSystem)(nil)
	_ litevfs.File         = (*File)(nil)
	_ litevfs.StrictLocker = (*File)(nil)
)

// DefaultBlockSize matches SQLite's default page size.
const DefaultBlockSize = 4096

// Config configures a FileSystem.
type Config struct {
	// Path is the Badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory.
	InMemory bool

	// BlockSize is the size of each stored block. Defaults to DefaultBlockSize.
	BlockSize int

	// BadgerOptions overrides the options derived from the fields above.
	BadgerOptions *badger.Options
}

// FileSystem stores files in a Badger database.
type FileSystem struct {
	db        *badger.DB
	blockSize int
	inMemory  bool

	mu    sync.Mutex
	locks map[string]*lockEntry
	seq   uint64

	Logger *slog.Logger
}

type lockEntry struct {
	refs  int
	table internal.LockTable
}

// Open opens the Badger database described by config.
func Open(config Config) (*FileSystem, error) {
	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		opts = badger.DefaultOptions(config.Path)
		if config.InMemory {
			opts = badger.DefaultOptions("").WithInMemory(true)
		}
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", config.Path, err)
	}

	blockSize := config.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &FileSystem{
		db:        db,
		blockSize: blockSize,
		inMemory:  opts.InMemory,
		locks:     make(map[string]*lockEntry),
		Logger:    slog.Default().WithGroup("kvfs"),
	}, nil
}

// Close closes the underlying database.
func (fsys *FileSystem) Close() error {
	return fsys.db.Close()
}

// DB returns the underlying Badger database.
func (fsys *FileSystem) DB() *badger.DB { return fsys.db }

func sizeKey(name string) []byte {
	return append([]byte("s/"), name...)
}

func blockPrefix(name string) []byte {
	b := append([]byte("b/"), name...)
	return append(b, 0)
}

func blockKey(name string, index int64) []byte {
	return binary.BigEndian.AppendUint64(blockPrefix(name), uint64(index))
}

// fileSize returns the stored size of name.
func fileSize(txn *badger.Txn, name string) (int64, error) {
	item, err := txn.Get(sizeKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, litevfs.NewBackendError(litevfs.KindNotFound, "stat", name, err)
	} else if err != nil {
		return 0, err
	}

	var size int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("invalid size record for %q: %d bytes", name, len(val))
		}
		size = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return size, err
}

func setFileSize(txn *badger.Txn, name string, size int64) error {
	return txn.Set(sizeKey(name), binary.BigEndian.AppendUint64(nil, uint64(size)))
}

func (fsys *FileSystem) Open(name string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error) {
	if name == "" {
		fsys.mu.Lock()
		fsys.seq++
		name = fmt.Sprintf("litevfs-temp-%016x", fsys.seq)
		fsys.mu.Unlock()
		flags |= litevfs.OpenCreate | litevfs.OpenDeleteOnClose
	}

	err := fsys.db.Update(func(txn *badger.Txn) error {
		_, err := fileSize(txn, name)
		switch {
		case err == nil && flags&litevfs.OpenCreate != 0 && flags&litevfs.OpenExclusive != 0:
			return litevfs.NewBackendError(litevfs.KindIOFailure, "open", name, fmt.Errorf("file exists"))
		case err == nil:
			return nil
		case litevfs.KindOf(err) == litevfs.KindNotFound && flags&litevfs.OpenCreate != 0:
			return setFileSize(txn, name, 0)
		default:
			return err
		}
	})
	if err != nil {
		return nil, 0, err
	}

	fsys.mu.Lock()
	e := fsys.locks[name]
	if e == nil {
		e = &lockEntry{}
		fsys.locks[name] = e
	}
	e.refs++
	fsys.mu.Unlock()

	fsys.Logger.Debug("open", "name", name, "flags", flags)

	return &File{
		fsys:          fsys,
		name:          name,
		entry:         e,
		lock:          e.table.NewLock(),
		readOnly:      flags&litevfs.OpenReadOnly != 0,
		deleteOnClose: flags&litevfs.OpenDeleteOnClose != 0,
	}, flags, nil
}

func (fsys *FileSystem) Delete(name string, dirSync bool) error {
	err := fsys.db.Update(func(txn *badger.Txn) error {
		if _, err := fileSize(txn, name); err != nil {
			return err
		}
		if err := txn.Delete(sizeKey(name)); err != nil {
			return err
		}
		return deleteBlocks(txn, name, 0)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}

	if dirSync {
		return fsys.sync()
	}
	return nil
}

// deleteBlocks removes blocks of name with an index >= from.
func deleteBlocks(txn *badger.Txn, name string, from int64) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = blockPrefix(name)
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(blockKey(name, from)); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (fsys *FileSystem) Access(name string, flag litevfs.AccessFlag) (bool, error) {
	err := fsys.db.View(func(txn *badger.Txn) error {
		_, err := fileSize(txn, name)
		return err
	})
	if litevfs.KindOf(err) == litevfs.KindNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// FullPathname returns name unchanged; names are keys, not paths.
func (fsys *FileSystem) FullPathname(name string) (string, error) {
	return name, nil
}

// Names returns the names of all stored files.
func (fsys *FileSystem) Names() ([]string, error) {
	var a []string
	err := fsys.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("s/")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			a = append(a, string(it.Item().Key()[2:]))
		}
		return nil
	})
	return a, err
}

func (fsys *FileSystem) sync() error {
	if fsys.inMemory {
		return nil
	}
	return fsys.db.Sync()
}

func (fsys *FileSystem) release(name string, e *lockEntry) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if e.refs--; e.refs == 0 && fsys.locks[name] == e {
		delete(fsys.locks, name)
	}
}

// File is a handle on a file stored in Badger.
type File struct {
	fsys          *FileSystem
	name          string
	entry         *lockEntry
	lock          *internal.Lock
	readOnly      bool
	deleteOnClose bool
}

func (f *File) Name() string { return f.name }

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	bs := int64(f.fsys.blockSize)
	err = f.fsys.db.View(func(txn *badger.Txn) error {
		size, err := fileSize(txn, f.name)
		if err != nil {
			return err
		}

		for n < len(p) && off+int64(n) < size {
			pos := off + int64(n)
			index, boff := pos/bs, pos%bs
			chunk := min(int64(len(p)-n), bs-boff, size-pos)

			item, err := txn.Get(blockKey(f.name, index))
			if errors.Is(err, badger.ErrKeyNotFound) {
				clear(p[n : n+int(chunk)])
			} else if err != nil {
				return err
			} else if err := item.Value(func(val []byte) error {
				m := copy(p[n:n+int(chunk)], val[min(boff, int64(len(val))):])
				clear(p[n+m : n+int(chunk)])
				return nil
			}); err != nil {
				return err
			}
			n += int(chunk)
		}
		return nil
	})
	if err != nil {
		return 0, err
	} else if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if f.readOnly {
		return 0, litevfs.NewBackendError(litevfs.KindPermissionDenied, "write", f.name, nil)
	}

	bs := int64(f.fsys.blockSize)
	err = f.fsys.db.Update(func(txn *badger.Txn) error {
		size, err := fileSize(txn, f.name)
		if err != nil {
			return err
		}

		for n < len(p) {
			pos := off + int64(n)
			index, boff := pos/bs, pos%bs
			chunk := min(int64(len(p)-n), bs-boff)

			block, err := readBlock(txn, f.name, index, int(bs))
			if err != nil {
				return err
			}
			copy(block[boff:], p[n:n+int(chunk)])
			if err := txn.Set(blockKey(f.name, index), block); err != nil {
				return err
			}
			n += int(chunk)
		}

		if end := off + int64(len(p)); end > size {
			return setFileSize(txn, f.name, end)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// readBlock returns a writable copy of a block, zero-filled if missing.
func readBlock(txn *badger.Txn, name string, index int64, bs int) ([]byte, error) {
	block := make([]byte, bs)
	item, err := txn.Get(blockKey(name, index))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return block, nil
	} else if err != nil {
		return nil, err
	}
	err = item.Value(func(val []byte) error {
		copy(block, val)
		return nil
	})
	return block, err
}

func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return litevfs.NewBackendError(litevfs.KindPermissionDenied, "truncate", f.name, nil)
	}

	bs := int64(f.fsys.blockSize)
	return f.fsys.db.Update(func(txn *badger.Txn) error {
		cur, err := fileSize(txn, f.name)
		if err != nil {
			return err
		}

		if size < cur {
			// Blocks past the new end are removed and the tail of the last
			// block zeroed, so later growth reads zeros.
			index := (size + bs - 1) / bs
			if err := deleteBlocks(txn, f.name, index); err != nil {
				return err
			}
			if boff := size % bs; boff != 0 {
				block, err := readBlock(txn, f.name, size/bs, int(bs))
				if err != nil {
					return err
				}
				clear(block[boff:])
				if err := txn.Set(blockKey(f.name, size/bs), block); err != nil {
					return err
				}
			}
		}
		return setFileSize(txn, f.name, size)
	})
}

func (f *File) Sync(flag litevfs.SyncType) error {
	return f.fsys.sync()
}

func (f *File) FileSize() (size int64, err error) {
	err = f.fsys.db.View(func(txn *badger.Txn) error {
		size, err = fileSize(txn, f.name)
		return err
	})
	return size, err
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

func (f *File) SectorSize() int64 { return int64(f.fsys.blockSize) }

func (f *File) DeviceCharacteristics() litevfs.DeviceCharacteristic {
	return litevfs.IocapSafeAppend | litevfs.IocapPowersafeOverwrite
}

func (f *File) StrictLocking() bool { return true }

func (f *File) Close() error {
	f.lock.Release()
	f.fsys.release(f.name, f.entry)

	if f.deleteOnClose {
		if err := f.fsys.Delete(f.name, false); err != nil && litevfs.KindOf(err) != litevfs.KindNotFound {
			return err
		}
	}
	return nil
}
