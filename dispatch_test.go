package litevfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/benbjohnson/litevfs/internal"
)

func TestFileHandle_Read(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		h := newTestHandle(t, &testFile{data: []byte("hello, world")})
		p := make([]byte, 5)
		if got, want := h.read(p, 7), CodeOK; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		} else if got, want := string(p), "world"; got != want {
			t.Fatalf("data=%q, want %q", got, want)
		}
	})

	t.Run("ShortRead", func(t *testing.T) {
		h := newTestHandle(t, &testFile{data: []byte("abc")})
		p := bytes.Repeat([]byte{0xff}, 8)
		if got, want := h.read(p, 0), CodeIOErrShortRead; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		} else if got, want := p, []byte{'a', 'b', 'c', 0, 0, 0, 0, 0}; !bytes.Equal(got, want) {
			t.Fatalf("data=%v, want %v", got, want)
		}
	})

	t.Run("PastEOF", func(t *testing.T) {
		h := newTestHandle(t, &testFile{data: []byte("abc")})
		p := bytes.Repeat([]byte{0xff}, 4)
		if got, want := h.read(p, 100), CodeIOErrShortRead; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		} else if got, want := p, make([]byte, 4); !bytes.Equal(got, want) {
			t.Fatalf("data=%v, want %v", got, want)
		}
	})

	t.Run("Error", func(t *testing.T) {
		h := newTestHandle(t, &testFile{err: errors.New("marker")})
		if got, want := h.read(make([]byte, 4), 0), CodeIOErrRead; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		}
	})
}

func TestFileHandle_Write(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		f := &testFile{}
		h := newTestHandle(t, f)
		if n, rc := h.write([]byte("hello"), 2); rc != CodeOK {
			t.Fatalf("rc=%s", rc)
		} else if got, want := n, 5; got != want {
			t.Fatalf("n=%d, want %d", got, want)
		} else if got, want := string(f.data), "\x00\x00hello"; got != want {
			t.Fatalf("data=%q, want %q", got, want)
		}
	})

	t.Run("Partial", func(t *testing.T) {
		h := newTestHandle(t, &testFile{maxWrite: 3})
		if n, rc := h.write([]byte("hello"), 0); rc != CodeIOErrWrite {
			t.Fatalf("rc=%s, want %s", rc, CodeIOErrWrite)
		} else if got, want := n, 3; got != want {
			t.Fatalf("n=%d, want %d", got, want)
		}
	})

	t.Run("ReadOnly", func(t *testing.T) {
		h := newTestHandle(t, &testFile{err: ErrPermissionDenied})
		if _, rc := h.write([]byte("x"), 0); rc != CodeReadOnly {
			t.Fatalf("rc=%s, want %s", rc, CodeReadOnly)
		}
	})
}

func TestFileHandle_FileSize(t *testing.T) {
	h := newTestHandle(t, &testFile{data: make([]byte, 8192)})
	if size, rc := h.fileSize(); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if got, want := size, int64(8192); got != want {
		t.Fatalf("size=%d, want %d", got, want)
	}

	h = newTestHandle(t, &testFile{err: errors.New("marker")})
	if _, rc := h.fileSize(); rc != CodeIOErrFstat {
		t.Fatalf("rc=%s, want %s", rc, CodeIOErrFstat)
	}
}

func TestFileHandle_Lock(t *testing.T) {
	t.Run("SharedToExclusive", func(t *testing.T) {
		f := &testFile{}
		h := newTestHandle(t, f)
		for _, lock := range []LockType{LockShared, LockExclusive} {
			if rc := h.lockFile(lock); rc != CodeOK {
				t.Fatalf("lock(%s): rc=%s", lock, rc)
			}
		}
		if rc := h.unlockFile(LockNone); rc != CodeOK {
			t.Fatalf("unlock: rc=%s", rc)
		} else if got, want := h.lock, LockNone; got != want {
			t.Fatalf("lock=%s, want %s", got, want)
		} else if got, want := f.locks, []LockType{LockShared, LockExclusive}; !slices.Equal(got, want) {
			t.Fatalf("locks=%v, want %v", got, want)
		}
	})

	t.Run("AlreadyHeld", func(t *testing.T) {
		f := &testFile{}
		h := newTestHandle(t, f)
		if rc := h.lockFile(LockShared); rc != CodeOK {
			t.Fatal(rc)
		} else if rc := h.lockFile(LockShared); rc != CodeOK {
			t.Fatal(rc)
		} else if rc := h.lockFile(LockNone); rc != CodeOK {
			t.Fatal(rc)
		} else if got, want := len(f.locks), 1; got != want {
			t.Fatalf("backend lock calls=%d, want %d", got, want)
		}
	})

	t.Run("StrictSkip", func(t *testing.T) {
		f := &testFile{strict: true}
		h := newTestHandle(t, f)
		if got, want := h.lockFile(LockExclusive), CodeIOErrLock; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		} else if got, want := h.lock, LockNone; got != want {
			t.Fatalf("lock=%s, want %s", got, want)
		} else if len(f.locks) != 0 {
			t.Fatalf("backend should not be called: %v", f.locks)
		}

		if rc := h.lockFile(LockShared); rc != CodeOK {
			t.Fatal(rc)
		} else if got, want := h.lockFile(LockPending), CodeIOErrLock; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		}
	})

	t.Run("LenientSkip", func(t *testing.T) {
		h := newTestHandle(t, &testFile{})
		if rc := h.lockFile(LockExclusive); rc != CodeOK {
			t.Fatalf("rc=%s", rc)
		}
	})

	t.Run("Busy", func(t *testing.T) {
		h := newTestHandle(t, &testFile{lockErr: fmt.Errorf("held elsewhere: %w", ErrBusy)})
		if got, want := h.lockFile(LockShared), CodeBusy; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		} else if got, want := h.lock, LockNone; got != want {
			t.Fatalf("lock=%s, want %s", got, want)
		}
	})

	t.Run("InvalidUnlock", func(t *testing.T) {
		h := newTestHandle(t, &testFile{})
		if rc := h.lockFile(LockShared); rc != CodeOK {
			t.Fatal(rc)
		} else if got, want := h.unlockFile(LockReserved), CodeIOErrUnlock; got != want {
			t.Fatalf("rc=%s, want %s", got, want)
		}
	})
}

func TestFileHandle_Unlock_FailedUpgrade(t *testing.T) {
	var table internal.LockTable
	h1 := newTestHandle(t, &tableFile{lock: table.NewLock()})
	h2 := newTestHandle(t, &tableFile{lock: table.NewLock()})
	h3 := newTestHandle(t, &tableFile{lock: table.NewLock()})

	for _, h := range []*fileHandle{h1, h2} {
		if rc := h.lockFile(LockShared); rc != CodeOK {
			t.Fatalf("lock(shared): rc=%s", rc)
		}
	}

	// The provider parks h1 at PENDING while h2 still reads.
	if got, want := h1.lockFile(LockExclusive), CodeBusy; got != want {
		t.Fatalf("rc=%s, want %s", got, want)
	} else if got, want := h1.lock, LockShared; got != want {
		t.Fatalf("lock=%s, want %s", got, want)
	} else if got, want := table.Max(), internal.LockPending; got != want {
		t.Fatalf("max=%s, want %s", got, want)
	}

	if rc := h1.unlockFile(LockShared); rc != CodeOK {
		t.Fatalf("unlock: rc=%s", rc)
	} else if got, want := table.Max(), internal.LockShared; got != want {
		t.Fatalf("max=%s, want %s", got, want)
	} else if got, want := h1.lock, LockShared; got != want {
		t.Fatalf("lock=%s, want %s", got, want)
	}

	if rc := h2.unlockFile(LockNone); rc != CodeOK {
		t.Fatalf("unlock: rc=%s", rc)
	} else if rc := h3.lockFile(LockShared); rc != CodeOK {
		t.Fatalf("new reader: rc=%s", rc)
	}
}

func TestFileHandle_Unlock_NeverRaises(t *testing.T) {
	f := &testFile{}
	h := newTestHandle(t, f)
	if rc := h.unlockFile(LockShared); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if got, want := h.lock, LockNone; got != want {
		t.Fatalf("lock=%s, want %s", got, want)
	}
}

func TestFileHandle_CheckReservedLock(t *testing.T) {
	h := newTestHandle(t, &testFile{})
	if reserved, rc := h.checkReservedLock(); rc != CodeOK || reserved {
		t.Fatalf("reserved=%v rc=%s", reserved, rc)
	}
	if rc := h.lockFile(LockShared); rc != CodeOK {
		t.Fatal(rc)
	} else if rc := h.lockFile(LockReserved); rc != CodeOK {
		t.Fatal(rc)
	}
	if reserved, rc := h.checkReservedLock(); rc != CodeOK || !reserved {
		t.Fatalf("reserved=%v rc=%s", reserved, rc)
	}
}

func TestFileHandle_Pragma(t *testing.T) {
	f := &testFile{pragmas: map[string]string{"answer": "42"}}
	h := newTestHandle(t, f)

	if out, rc := h.pragma("answer", nil); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if out == nil || *out != "42" {
		t.Fatalf("out=%v", out)
	}

	if out, rc := h.pragma("page_size", nil); rc != CodeNotFound || out != nil {
		t.Fatalf("out=%v rc=%s", out, rc)
	}

	value := "1"
	if out, rc := h.pragma("answer", &value); rc != CodeError {
		t.Fatalf("rc=%s, want %s", rc, CodeError)
	} else if out == nil || !strings.Contains(*out, "read-only") {
		t.Fatalf("out=%v", out)
	}

	// Files without pragma support leave pragmas to SQLite.
	h = newTestHandle(t, &plainFile{testFile{}})
	if _, rc := h.pragma("answer", nil); rc != CodeNotFound {
		t.Fatalf("rc=%s, want %s", rc, CodeNotFound)
	}
}

func TestFileHandle_Defaults(t *testing.T) {
	h := newTestHandle(t, &testFile{})
	if got, want := h.sectorSize(), int64(DefaultSectorSize); got != want {
		t.Fatalf("sectorSize=%d, want %d", got, want)
	}

	h = newTestHandle(t, &testFile{sectorSize: 512, devchars: IocapAtomic512})
	if got, want := h.sectorSize(), int64(512); got != want {
		t.Fatalf("sectorSize=%d, want %d", got, want)
	} else if got, want := h.deviceCharacteristics(), IocapAtomic512; got != want {
		t.Fatalf("deviceCharacteristics=%d, want %d", got, want)
	}
}

func TestFileHandle_Panic(t *testing.T) {
	h := newTestHandle(t, &testFile{panicOn: "sync"})
	if got, want := h.sync(SyncNormal), CodeIOErr; got != want {
		t.Fatalf("rc=%s, want %s", got, want)
	}
}

func TestInstance_Open(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		fs := newTestFS()
		inst := newTestInstance(t, fs)

		id, flags, rc := inst.open("db", OpenReadWrite|OpenCreate|OpenMainDB)
		if rc != CodeOK {
			t.Fatalf("rc=%s", rc)
		} else if got, want := flags, OpenReadWrite|OpenCreate|OpenMainDB; got != want {
			t.Fatalf("flags=%s, want %s", got, want)
		} else if got, want := inst.OpenFiles(), int64(1); got != want {
			t.Fatalf("OpenFiles()=%d, want %d", got, want)
		}

		if got, want := closeFile(id), CodeOK; got != want {
			t.Fatalf("close rc=%s, want %s", got, want)
		} else if got, want := inst.OpenFiles(), int64(0); got != want {
			t.Fatalf("OpenFiles()=%d, want %d", got, want)
		}

		// Closing twice is harmless.
		if got, want := closeFile(id), CodeOK; got != want {
			t.Fatalf("close rc=%s, want %s", got, want)
		} else if got, want := inst.OpenFiles(), int64(0); got != want {
			t.Fatalf("OpenFiles()=%d, want %d", got, want)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		inst := newTestInstance(t, newTestFS())
		if _, _, rc := inst.open("missing", OpenReadWrite); rc != CodeCantOpen {
			t.Fatalf("rc=%s, want %s", rc, CodeCantOpen)
		} else if got, want := inst.OpenFiles(), int64(0); got != want {
			t.Fatalf("OpenFiles()=%d, want %d", got, want)
		}
	})

	t.Run("Temp", func(t *testing.T) {
		fs := newTestFS()
		inst := newTestInstance(t, fs)
		id, _, rc := inst.open("", OpenReadWrite|OpenCreate|OpenTempJournal)
		if rc != CodeOK {
			t.Fatalf("rc=%s", rc)
		}
		defer closeFile(id)
		if got, want := fs.opened, []string{""}; !slices.Equal(got, want) {
			t.Fatalf("opened=%v, want %v", got, want)
		}
	})

	t.Run("Unregistered", func(t *testing.T) {
		inst := newTestInstance(t, newTestFS())
		inst.closed = true
		if _, _, rc := inst.open("db", OpenReadWrite|OpenCreate); rc != CodeCantOpen {
			t.Fatalf("rc=%s, want %s", rc, CodeCantOpen)
		} else if got, want := inst.OpenFiles(), int64(0); got != want {
			t.Fatalf("OpenFiles()=%d, want %d", got, want)
		}
	})

	t.Run("Concurrent", func(t *testing.T) {
		inst := newTestInstance(t, newTestFS())

		const n = 32
		var wg sync.WaitGroup
		ids := make([]uint64, n)
		rcs := make([]Code, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ids[i], _, rcs[i] = inst.open(fmt.Sprintf("db%d", i), OpenReadWrite|OpenCreate)
				if rcs[i] != CodeOK {
					return
				}
				h, _ := lookupFile(ids[i], OpWrite)
				if _, rc := h.write([]byte{byte(i)}, 0); rc != CodeOK {
					rcs[i] = rc
				}
			}(i)
		}
		wg.Wait()

		seen := make(map[uint64]bool)
		for i := 0; i < n; i++ {
			if rcs[i] != CodeOK {
				t.Fatalf("open %d: rc=%s", i, rcs[i])
			} else if seen[ids[i]] {
				t.Fatalf("duplicate file id %d", ids[i])
			}
			seen[ids[i]] = true
		}
		if got, want := inst.OpenFiles(), int64(n); got != want {
			t.Fatalf("OpenFiles()=%d, want %d", got, want)
		}
		for _, id := range ids {
			closeFile(id)
		}
	})
}

func TestInstance_Access(t *testing.T) {
	fs := newTestFS()
	fs.files["db"] = &testFile{}
	inst := newTestInstance(t, fs)

	if ok, rc := inst.access("db", AccessExists); rc != CodeOK || !ok {
		t.Fatalf("ok=%v rc=%s", ok, rc)
	}
	if ok, rc := inst.access("missing", AccessExists); rc != CodeOK || ok {
		t.Fatalf("ok=%v rc=%s", ok, rc)
	}

	fs.accessErr = errors.New("marker")
	if _, rc := inst.access("db", AccessExists); rc != CodeIOErrAccess {
		t.Fatalf("rc=%s, want %s", rc, CodeIOErrAccess)
	}
}

func TestInstance_Delete(t *testing.T) {
	fs := newTestFS()
	fs.files["db"] = &testFile{}
	inst := newTestInstance(t, fs)

	if rc := inst.delete("db", true); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if rc := inst.delete("db", false); rc != CodeIOErrDeleteNoEnt {
		t.Fatalf("rc=%s, want %s", rc, CodeIOErrDeleteNoEnt)
	}
}

func TestInstance_FullPathname(t *testing.T) {
	fs := newTestFS()
	inst := newTestInstance(t, fs)

	if path, rc := inst.fullPathname("db", 64); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if got, want := path, "/root/db"; got != want {
		t.Fatalf("path=%q, want %q", got, want)
	}

	// Canonical form does not fit; fall back to the input.
	if path, rc := inst.fullPathname("db", 5); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if got, want := path, "db"; got != want {
		t.Fatalf("path=%q, want %q", got, want)
	}

	// Neither fits.
	if _, rc := inst.fullPathname("db", 2); rc != CodeCantOpen {
		t.Fatalf("rc=%s, want %s", rc, CodeCantOpen)
	}

	fs.pathErr = errors.New("marker")
	if path, rc := inst.fullPathname("db", 64); rc != CodeOK {
		t.Fatalf("rc=%s", rc)
	} else if got, want := path, "db"; got != want {
		t.Fatalf("path=%q, want %q", got, want)
	}
}

func TestInstance_Clock(t *testing.T) {
	now := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	inst := newTestInstance(t, newTestFS(), WithClock(func() time.Time { return now }))

	// 2000-01-01 12:00 UTC is Julian day 2451545.0.
	if got, want := inst.currentTimeInt64(), int64(2451545)*86400000; got != want {
		t.Fatalf("currentTimeInt64()=%d, want %d", got, want)
	} else if got, want := inst.currentTime(), 2451545.0; got != want {
		t.Fatalf("currentTime()=%f, want %f", got, want)
	}
}

func TestInstance_Randomness(t *testing.T) {
	inst := newTestInstance(t, newTestFS(), WithRandomness(bytes.NewReader([]byte{1, 2, 3})))

	p := make([]byte, 8)
	if got, want := inst.randomness(p), 3; got != want {
		t.Fatalf("n=%d, want %d", got, want)
	} else if got, want := p[:3], []byte{1, 2, 3}; !bytes.Equal(got, want) {
		t.Fatalf("data=%v, want %v", got, want)
	}
}

func TestInstance_Sleep(t *testing.T) {
	var slept time.Duration
	inst := newTestInstance(t, newTestFS(), WithSleep(func(d time.Duration) { slept = d }))
	if got, want := inst.sleepFor(1500), 1500; got != want {
		t.Fatalf("sleepFor()=%d, want %d", got, want)
	} else if got, want := slept, 1500*time.Microsecond; got != want {
		t.Fatalf("slept=%s, want %s", got, want)
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, rc := lookupInstance(1<<62, OpOpen); rc != CodeIOErr {
		t.Fatalf("rc=%s, want %s", rc, CodeIOErr)
	}
	if _, rc := lookupFile(1<<62, OpRead); rc != CodeIOErr {
		t.Fatalf("rc=%s, want %s", rc, CodeIOErr)
	}

	// Non-file callbacks are counted under their own op.
	counter := func(op Op) float64 {
		return testutil.ToFloat64(internal.VFSCallCounterVec.WithLabelValues("", op.String(), CodeIOErr.String()))
	}
	for _, op := range []Op{OpRandomness, OpSleep, OpCurrentTime} {
		open, prev := counter(OpOpen), counter(op)
		if _, rc := lookupInstance(1<<62, op); rc != CodeIOErr {
			t.Fatalf("%s: rc=%s, want %s", op, rc, CodeIOErr)
		} else if got, want := counter(op), prev+1; got != want {
			t.Fatalf("%s: count=%v, want %v", op, got, want)
		} else if got, want := counter(OpOpen), open; got != want {
			t.Fatalf("%s: open count=%v, want %v", op, got, want)
		}
	}
}

// newTestInstance returns an Instance in the token table without a native
// descriptor, as seen by callbacks.
func newTestInstance(tb testing.TB, fs FileSystem, opts ...Option) *Instance {
	tb.Helper()
	o := newOptions(append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...))
	inst := &Instance{
		name:        "test",
		fs:          fs,
		maxPathname: o.maxPathname,
		rand:        o.rand,
		now:         o.now,
		sleep:       o.sleep,
		logger:      o.logger,
	}
	inst.token = instances.insert(inst)
	tb.Cleanup(func() { instances.remove(inst.token) })
	return inst
}

func newTestHandle(tb testing.TB, f File) *fileHandle {
	tb.Helper()
	inst := newTestInstance(tb, newTestFS())
	h := &fileHandle{inst: inst, name: "test", file: f}
	h.id = files.insert(h)
	inst.openFiles.Add(1)
	tb.Cleanup(func() { closeFile(h.id) })
	return h
}

// testFS is a minimal in-memory FileSystem.
type testFS struct {
	mu        sync.Mutex
	files     map[string]*testFile
	opened    []string
	accessErr error
	pathErr   error
}

func newTestFS() *testFS {
	return &testFS{files: make(map[string]*testFile)}
}

func (fs *testFS) Open(name string, flags OpenFlag) (File, OpenFlag, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.opened = append(fs.opened, name)

	if name == "" {
		return &testFile{}, flags, nil
	}
	f, ok := fs.files[name]
	if !ok {
		if flags&OpenCreate == 0 {
			return nil, 0, ErrNotFound
		}
		f = &testFile{}
		fs.files[name] = f
	}
	return f, flags, nil
}

func (fs *testFS) Delete(name string, dirSync bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[name]; !ok {
		return fmt.Errorf("delete %s: %w", name, ErrNotFound)
	}
	delete(fs.files, name)
	return nil
}

func (fs *testFS) Access(name string, flag AccessFlag) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.accessErr != nil {
		return false, fs.accessErr
	}
	if _, ok := fs.files[name]; !ok {
		return false, ErrNotFound
	}
	return true, nil
}

func (fs *testFS) FullPathname(name string) (string, error) {
	if fs.pathErr != nil {
		return "", fs.pathErr
	}
	return "/root/" + name, nil
}

// testFile is an in-memory File with knobs for failure injection.
type testFile struct {
	data       []byte
	err        error // returned by every data operation
	lockErr    error
	maxWrite   int
	strict     bool
	panicOn    string
	sectorSize int64
	devchars   DeviceCharacteristic
	pragmas    map[string]string

	lock  LockType
	locks []LockType // successful Lock calls
}

func (f *testFile) ReadAt(p []byte, off int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	} else if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *testFile) WriteAt(p []byte, off int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.maxWrite > 0 && len(p) > f.maxWrite {
		p = p[:f.maxWrite]
	}
	if end := int(off) + len(p); end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	return copy(f.data[off:], p), nil
}

func (f *testFile) Truncate(size int64) error {
	if f.err != nil {
		return f.err
	}
	f.data = f.data[:size]
	return nil
}

func (f *testFile) Sync(flag SyncType) error {
	if f.panicOn == "sync" {
		panic("sync")
	}
	return f.err
}

func (f *testFile) FileSize() (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.data)), nil
}

func (f *testFile) Lock(elock LockType) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	f.lock = elock
	f.locks = append(f.locks, elock)
	return nil
}

func (f *testFile) Unlock(elock LockType) error {
	f.lock = elock
	return nil
}

func (f *testFile) CheckReservedLock() (bool, error) {
	return f.lock >= LockReserved, nil
}

func (f *testFile) SectorSize() int64 { return f.sectorSize }

func (f *testFile) DeviceCharacteristics() DeviceCharacteristic { return f.devchars }

func (f *testFile) StrictLocking() bool { return f.strict }

func (f *testFile) FileControl(op int, name string, value *string) (*string, error) {
	v, ok := f.pragmas[name]
	if !ok {
		return nil, ErrNotFound
	} else if value != nil {
		return nil, fmt.Errorf("pragma %s is read-only", name)
	}
	return &v, nil
}

func (f *testFile) Close() error { return nil }

// tableFile is a testFile whose locks go through an internal.LockTable.
type tableFile struct {
	testFile
	lock *internal.Lock
}

func (f *tableFile) Lock(elock LockType) error {
	return f.lock.Lock(internal.LockLevel(elock))
}

func (f *tableFile) Unlock(elock LockType) error {
	return f.lock.Unlock(internal.LockLevel(elock))
}

func (f *tableFile) CheckReservedLock() (bool, error) {
	return f.lock.CheckReserved(), nil
}

func (f *tableFile) Close() error {
	f.lock.Release()
	return nil
}

// plainFile hides the optional interfaces of testFile.
type plainFile struct{ f testFile }

func (f *plainFile) ReadAt(p []byte, off int64) (int, error)  { return f.f.ReadAt(p, off) }
func (f *plainFile) WriteAt(p []byte, off int64) (int, error) { return f.f.WriteAt(p, off) }
func (f *plainFile) Truncate(size int64) error                { return f.f.Truncate(size) }
func (f *plainFile) Sync(flag SyncType) error                 { return f.f.Sync(flag) }
func (f *plainFile) FileSize() (int64, error)                 { return f.f.FileSize() }
func (f *plainFile) Lock(elock LockType) error                { return f.f.Lock(elock) }
func (f *plainFile) Unlock(elock LockType) error              { return f.f.Unlock(elock) }
func (f *plainFile) CheckReservedLock() (bool, error)         { return f.f.CheckReservedLock() }
func (f *plainFile) SectorSize() int64                        { return f.f.SectorSize() }
func (f *plainFile) DeviceCharacteristics() DeviceCharacteristic {
	return f.f.DeviceCharacteristics()
}
func (f *plainFile) Close() error { return f.f.Close() }
