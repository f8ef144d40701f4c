// Package replica implements a litevfs.FileSystem that stores the main
// database as a log of LTX files in a replica Client.
//
// Each transaction committed through the filesystem is uploaded as one
// level 0 LTX file. Readers rebuild a page index from the file headers and
// fetch individual pages on demand, so a database can be opened without
// downloading it. Journals and temporary files live in a scratch filesystem.
package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/memfs"
	"github.com/benbjohnson/litevfs/sqlite"
)

var (
	_ litevfs.FileSystem     = (*FileSystem)(nil)
	_ litevfs.File           = (*File)(nil)
	_ litevfs.FileController = (*File)(nil)
	_ litevfs.StrictLocker   = (*File)(nil)
)

const (
	DefaultCacheSize = 10 * 1024 * 1024 // 10MB
	DefaultTimeout   = 30 * time.Second
)

// FileSystem serves a single replicated database. Every main database
// opened through it, whatever the name, refers to that database.
type FileSystem struct {
	mu sync.Mutex
	db *database

	// Client stores the LTX files.
	Client Client

	// Scratch holds journals and temporary files. Defaults to memfs.
	Scratch litevfs.FileSystem

	// CacheSize is the maximum size of the page cache in bytes.
	// Zero disables the cache.
	CacheSize int

	// Timeout bounds each remote call. Zero means no timeout.
	Timeout time.Duration

	// ReadOnly opens the database read-only and rejects writes.
	ReadOnly bool

	Logger *slog.Logger
}

// NewFileSystem returns a new instance of FileSystem backed by client.
func NewFileSystem(client Client) *FileSystem {
	return &FileSystem{
		Client:    client,
		Scratch:   memfs.New(),
		CacheSize: DefaultCacheSize,
		Timeout:   DefaultTimeout,
		Logger:    slog.Default().WithGroup("replica"),
	}
}

func (fsys *FileSystem) context() (context.Context, context.CancelFunc) {
	if fsys.Timeout > 0 {
		return context.WithTimeout(context.Background(), fsys.Timeout)
	}
	return context.WithCancel(context.Background())
}

func (fsys *FileSystem) Open(name string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error) {
	if flags&litevfs.OpenMainDB == 0 {
		return fsys.Scratch.Open(name, flags)
	}

	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	db := fsys.db
	if db == nil {
		db = newDatabase(fsys, name)

		ctx, cancel := fsys.context()
		defer cancel()
		if err := db.refresh(ctx); err != nil {
			return nil, 0, litevfs.NewBackendError(litevfs.KindOf(err), "open", name, err)
		} else if db.pos == 0 && (flags&litevfs.OpenCreate == 0 || fsys.ReadOnly) {
			return nil, 0, litevfs.NewBackendError(litevfs.KindNotFound, "open", name, nil)
		}
		db.logger.Debug("load", "txid", db.pos, "pageSize", db.pageSize)
		fsys.db = db
	}
	db.refs++

	if fsys.ReadOnly {
		flags = (flags &^ (litevfs.OpenReadWrite | litevfs.OpenCreate)) | litevfs.OpenReadOnly
	}

	// db.pos is guarded by db.mu and may be advancing on another handle.
	db.logger.Debug("open", "flags", flags, "refs", db.refs)

	return &File{
		db:       db,
		lock:     db.locks.NewLock(),
		readOnly: flags&litevfs.OpenReadOnly != 0,
	}, flags, nil
}

func (fsys *FileSystem) Delete(name string, dirSync bool) error {
	if fsys.isMainDB(name) {
		return litevfs.NewBackendError(litevfs.KindUnsupported, "delete", name, fmt.Errorf("cannot delete replicated database"))
	}
	return fsys.Scratch.Delete(name, dirSync)
}

func (fsys *FileSystem) Access(name string, flag litevfs.AccessFlag) (bool, error) {
	if fsys.isMainDB(name) {
		return flag != litevfs.AccessReadWrite || !fsys.ReadOnly, nil
	}
	return fsys.Scratch.Access(name, flag)
}

// FullPathname returns name unchanged. Names only label the database.
func (fsys *FileSystem) FullPathname(name string) (string, error) {
	return name, nil
}

// TXID returns the position of the open database, or zero if none is open.
func (fsys *FileSystem) TXID() ltx.TXID {
	fsys.mu.Lock()
	db := fsys.db
	fsys.mu.Unlock()
	if db == nil {
		return 0
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pos
}

func (fsys *FileSystem) isMainDB(name string) bool {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	return fsys.db != nil && fsys.db.name == name
}

// release drops a reference to db and forgets it once unused.
func (fsys *FileSystem) release(db *database) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	if db.refs--; db.refs == 0 && fsys.db == db {
		fsys.db = nil
	}
}

// database is the state shared by every handle on the replicated database.
type database struct {
	fsys   *FileSystem
	name   string
	refs   int // guarded by fsys.mu
	locks  internal.LockTable
	logger *slog.Logger

	mu       sync.Mutex
	pos      ltx.TXID // last TXID applied or uploaded
	pageSize uint32
	commit   uint32 // size in pages, including local writes
	index    map[uint32]ltx.PageIndexElem
	cache    *lru.Cache[uint32, []byte]
	dirty    map[uint32][]byte

	truncated bool // commit lowered since the last upload
	conflict  bool // remote moved on; local writes are dropped until unlock
}

func newDatabase(fsys *FileSystem, name string) *database {
	return &database{
		fsys:   fsys,
		name:   name,
		logger: fsys.Logger.With("db", name),
		index:  make(map[uint32]ltx.PageIndexElem),
		dirty:  make(map[uint32][]byte),
	}
}

func (db *database) setPageSize(pageSize uint32) error {
	if !ltx.IsValidPageSize(pageSize) {
		return fmt.Errorf("invalid page size: %d", pageSize)
	}
	db.pageSize = pageSize

	if db.cache != nil || db.fsys.CacheSize <= 0 {
		return nil
	}
	cache, err := lru.New[uint32, []byte](max(db.fsys.CacheSize/int(pageSize), 1))
	if err != nil {
		return fmt.Errorf("create page cache: %w", err)
	}
	db.cache = cache
	return nil
}

// refresh applies remote LTX files written after the current position.
// Caller must hold db.mu.
func (db *database) refresh(ctx context.Context) error {
	client := db.fsys.Client
	itr, err := client.LTXFiles(ctx, 0, db.pos+1, false)
	if err != nil {
		return fmt.Errorf("ltx files: %w", err)
	}
	defer func() { _ = itr.Close() }()

	for itr.Next() {
		info := itr.Item()
		if info.MaxTXID <= db.pos {
			continue
		} else if !ltx.IsContiguous(db.pos, info.MinTXID, info.MaxTXID) {
			return fmt.Errorf("non-contiguous ltx file: current=%s, next=%s-%s", db.pos, info.MinTXID, info.MaxTXID)
		}

		hdr, err := FetchLTXHeader(ctx, client, info)
		if err != nil {
			return fmt.Errorf("fetch header: %w", err)
		}
		idx, err := FetchPageIndex(ctx, client, info)
		if err != nil {
			return fmt.Errorf("fetch page index: %w", err)
		}
		if err := db.apply(hdr, idx); err != nil {
			return err
		}
		db.pos = info.MaxTXID

		db.logger.Debug("applied ltx file", "min", info.MinTXID, "max", info.MaxTXID, "pages", len(idx), "commit", hdr.Commit)
	}
	if err := itr.Close(); err != nil {
		return fmt.Errorf("iterate ltx files: %w", err)
	}

	internal.ReplicaTXIDGaugeVec.WithLabelValues(db.name).Set(float64(db.pos))
	return nil
}

// apply merges the page index of one LTX file into the database index.
func (db *database) apply(hdr ltx.Header, idx map[uint32]ltx.PageIndexElem) error {
	if hdr.IsSnapshot() {
		clear(db.index)
		if db.cache != nil {
			db.cache.Purge()
		}
		db.pageSize = 0
	}

	if db.pageSize == 0 {
		if err := db.setPageSize(hdr.PageSize); err != nil {
			return err
		}
	} else if hdr.PageSize != db.pageSize {
		return fmt.Errorf("page size changed from %d to %d without a snapshot", db.pageSize, hdr.PageSize)
	}

	db.truncate(hdr.Commit)
	for pgno, elem := range idx {
		db.index[pgno] = elem
		if db.cache != nil {
			db.cache.Remove(pgno)
		}
	}
	db.commit = hdr.Commit
	return nil
}

// truncate drops every page after commit.
func (db *database) truncate(commit uint32) {
	for pgno := range db.index {
		if pgno > commit {
			delete(db.index, pgno)
			if db.cache != nil {
				db.cache.Remove(pgno)
			}
		}
	}
	for pgno := range db.dirty {
		if pgno > commit {
			delete(db.dirty, pgno)
		}
	}
	db.commit = commit
}

// reset forgets all local state so the next refresh reloads every file.
func (db *database) reset() {
	db.pos, db.pageSize, db.commit = 0, 0, 0
	clear(db.index)
	clear(db.dirty)
	db.truncated = false
	if db.cache != nil {
		db.cache.Purge()
	}
}

// readPage returns the current contents of pgno. Pages that have never
// been written are zero-filled. Caller must hold db.mu.
func (db *database) readPage(ctx context.Context, pgno uint32) ([]byte, error) {
	if data, ok := db.dirty[pgno]; ok {
		return data, nil
	}

	elem, ok := db.index[pgno]
	if !ok {
		return make([]byte, db.pageSize), nil
	}

	if db.cache != nil {
		if data, ok := db.cache.Get(pgno); ok {
			internal.ReplicaCacheCounterVec.WithLabelValues("hit").Inc()
			return data, nil
		}
		internal.ReplicaCacheCounterVec.WithLabelValues("miss").Inc()
	}

	hdr, data, err := FetchPage(ctx, db.fsys.Client, elem)
	if err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", pgno, err)
	} else if hdr.Pgno != pgno {
		return nil, fmt.Errorf("fetch page %d: page index points at page %d", pgno, hdr.Pgno)
	} else if len(data) != int(db.pageSize) {
		return nil, fmt.Errorf("fetch page %d: invalid page size %d", pgno, len(data))
	}

	if db.cache != nil {
		db.cache.Add(pgno, data)
	}
	return data, nil
}

// flush uploads dirty pages as the next transaction. Caller must hold db.mu.
func (db *database) flush(ctx context.Context) error {
	if db.conflict || (len(db.dirty) == 0 && !db.truncated) {
		return nil
	}

	if err := db.checkForConflict(ctx); err != nil {
		return err
	}

	txid := db.pos + 1
	lockPgno := ltx.LockPgno(db.pageSize)

	// Snapshots carry every page; later files only the changed ones.
	var pgnos []uint32
	if txid == 1 {
		for pgno := uint32(1); pgno <= db.commit; pgno++ {
			if pgno != lockPgno {
				pgnos = append(pgnos, pgno)
			}
		}
	} else {
		for pgno := range db.dirty {
			if pgno != lockPgno {
				pgnos = append(pgnos, pgno)
			}
		}
		slices.Sort(pgnos)
	}

	var buf bytes.Buffer
	if err := encodeLTX(&buf, db.pageSize, db.commit, txid, time.Now().UnixMilli(), pgnos, func(pgno uint32) ([]byte, error) {
		return db.readPage(ctx, pgno)
	}); err != nil {
		return fmt.Errorf("encode ltx: %w", err)
	}
	b := buf.Bytes()

	if _, err := db.fsys.Client.WriteLTXFile(ctx, 0, txid, txid, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("upload ltx: %w", err)
	}

	// Index the uploaded file from the local copy.
	idx, err := readPageIndex(bytes.NewReader(b), &ltx.FileInfo{MinTXID: txid, MaxTXID: txid, Size: int64(len(b))})
	if err != nil {
		return fmt.Errorf("read page index: %w", err)
	}
	for pgno, elem := range idx {
		db.index[pgno] = elem
		if db.cache != nil {
			if data, ok := db.dirty[pgno]; ok {
				db.cache.Add(pgno, data)
			} else {
				db.cache.Remove(pgno)
			}
		}
	}

	db.logger.Info("synced to remote", "txid", txid, "pages", len(pgnos), "commit", db.commit, "size", len(b))

	db.pos = txid
	clear(db.dirty)
	db.truncated = false
	internal.ReplicaTXIDGaugeVec.WithLabelValues(db.name).Set(float64(db.pos))
	return nil
}

// checkForConflict returns ErrConflict if the remote has files after the
// local position. The pending writes are dropped in that case.
func (db *database) checkForConflict(ctx context.Context) error {
	itr, err := db.fsys.Client.LTXFiles(ctx, 0, db.pos+1, false)
	if err != nil {
		return fmt.Errorf("check remote position: %w", err)
	}
	defer func() { _ = itr.Close() }()

	var remote ltx.TXID
	for itr.Next() {
		remote = max(remote, itr.Item().MaxTXID)
	}
	if err := itr.Close(); err != nil {
		return fmt.Errorf("iterate remote files: %w", err)
	}

	if remote > db.pos {
		db.logger.Warn("conflict detected", "expected", db.pos, "remote", remote, "dirty", len(db.dirty))
		clear(db.dirty)
		db.conflict = true
		return fmt.Errorf("%w: local txid %s, remote txid %s", ErrConflict, db.pos, remote)
	}
	return nil
}

// File is a handle on the replicated database.
type File struct {
	db       *database
	lock     *internal.Lock
	readOnly bool
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.pageSize == 0 {
		return 0, io.EOF
	}
	pageSize := int64(db.pageSize)
	size := int64(db.commit) * pageSize

	ctx, cancel := db.fsys.context()
	defer cancel()

	var n int
	for n < len(p) && off+int64(n) < size {
		pos := off + int64(n)
		data, err := db.readPage(ctx, uint32(pos/pageSize)+1)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], data[pos%pageSize:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, litevfs.NewBackendError(litevfs.KindPermissionDenied, "write", f.db.name, nil)
	}

	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conflict {
		return len(p), nil
	}

	// The log has no room for a WAL, so only rollback journal modes work.
	if off == 0 && sqlite.IsWALEnabled(p) {
		return 0, litevfs.NewBackendError(litevfs.KindUnsupported, "write", db.name, errors.New("wal mode not supported"))
	}

	// A new database takes its page size from the first page written.
	if db.pageSize == 0 {
		if off != 0 {
			return 0, fmt.Errorf("first write must start at page 1, offset=%d", off)
		}

		pageSize := uint32(len(p))
		if sz, err := sqlite.PageSize(p); err == nil {
			pageSize = sz
		}
		if err := db.setPageSize(pageSize); err != nil {
			return 0, err
		}
	}
	pageSize := int64(db.pageSize)

	ctx, cancel := db.fsys.context()
	defer cancel()

	var n int
	for n < len(p) {
		pos := off + int64(n)
		pgno, pageOff := uint32(pos/pageSize)+1, pos%pageSize

		page := make([]byte, pageSize)
		if pageOff != 0 || int64(len(p)-n) < pageSize {
			if pgno <= db.commit {
				data, err := db.readPage(ctx, pgno)
				if err != nil {
					return n, err
				}
				copy(page, data)
			}
		}
		n += copy(page[pageOff:], p[n:])

		db.dirty[pgno] = page
		db.commit = max(db.commit, pgno)
	}
	return n, nil
}

func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return litevfs.NewBackendError(litevfs.KindPermissionDenied, "truncate", f.db.name, nil)
	}

	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conflict {
		return nil
	} else if db.pageSize == 0 {
		if size == 0 {
			return nil
		}
		return fmt.Errorf("cannot extend empty database to %d bytes", size)
	}

	pageSize := int64(db.pageSize)
	commit := uint32((size + pageSize - 1) / pageSize)
	if commit < db.commit {
		db.truncate(commit)
		db.truncated = true
	}
	db.commit = commit
	return nil
}

// Sync uploads pending writes as a new transaction.
func (f *File) Sync(flag litevfs.SyncType) error {
	if f.readOnly {
		return nil
	}

	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ctx, cancel := db.fsys.context()
	defer cancel()
	return db.flush(ctx)
}

func (f *File) FileSize() (int64, error) {
	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()
	return int64(db.commit) * int64(db.pageSize), nil
}

// Lock acquires elock. The first reader to take SHARED catches up with the
// remote so that other processes' transactions become visible.
func (f *File) Lock(elock litevfs.LockType) error {
	db := f.db
	prev := f.lock.Level()
	if err := f.lock.Lock(internal.LockLevel(elock)); err != nil {
		return err
	}
	if prev != internal.LockNone || db.locks.Readers() != 1 {
		return nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	ctx, cancel := db.fsys.context()
	defer cancel()
	if err := db.refresh(ctx); err != nil {
		_ = f.lock.Unlock(internal.LockNone)
		db.logger.Error("cannot refresh", "error", err)
		return err
	}
	return nil
}

// Unlock lowers the lock to elock. Writes left behind by a transaction
// that never synced are uploaded once the writer drops below RESERVED.
// After a conflict, the database is reloaded from the remote instead.
func (f *File) Unlock(elock litevfs.LockType) error {
	prev := f.lock.Level()
	if err := f.lock.Unlock(internal.LockLevel(elock)); err != nil {
		return err
	}
	if prev < internal.LockReserved || elock >= litevfs.LockReserved {
		return nil
	}

	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()

	ctx, cancel := db.fsys.context()
	defer cancel()

	if db.conflict {
		db.conflict = false
		db.reset()
		return db.refresh(ctx)
	}
	return db.flush(ctx)
}

func (f *File) CheckReservedLock() (bool, error) {
	return f.lock.CheckReserved(), nil
}

func (f *File) SectorSize() int64 { return litevfs.DefaultSectorSize }

func (f *File) DeviceCharacteristics() litevfs.DeviceCharacteristic {
	return litevfs.IocapPowersafeOverwrite
}

func (f *File) StrictLocking() bool { return true }

// FileControl answers the read-only litevfs_txid and litevfs_commit pragmas.
func (f *File) FileControl(op int, pragmaName string, pragmaValue *string) (*string, error) {
	if op != litevfs.FcntlPragma {
		return nil, litevfs.ErrNotFound
	}

	db := f.db
	db.mu.Lock()
	defer db.mu.Unlock()

	var result string
	switch name := strings.ToLower(pragmaName); name {
	case "litevfs_txid":
		result = db.pos.String()
	case "litevfs_commit":
		result = strconv.FormatUint(uint64(db.commit), 10)
	default:
		return nil, litevfs.ErrNotFound
	}

	if pragmaValue != nil {
		return nil, litevfs.NewBackendError(litevfs.KindPermissionDenied, "pragma", pragmaName, fmt.Errorf("%s is read-only", strings.ToLower(pragmaName)))
	}
	return &result, nil
}

// Close releases the handle. Writes still pending from a transaction that
// never synced are uploaded before the last handle goes away.
func (f *File) Close() error {
	db := f.db
	f.lock.Release()

	var err error
	if !f.readOnly && db.locks.Max() == internal.LockNone {
		db.mu.Lock()
		ctx, cancel := db.fsys.context()
		err = db.flush(ctx)
		cancel()
		db.mu.Unlock()
	}

	db.fsys.release(db)
	return err
}

// pages returns the sorted page numbers of the index. Used by tests.
func (db *database) pages() []uint32 {
	return slices.Sorted(maps.Keys(db.index))
}
