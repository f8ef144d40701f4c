package litevfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/benbjohnson/litevfs/internal"
)

// julianEpochMillis is the Unix epoch expressed in milliseconds since the
// Julian day epoch (noon, November 24, 4714 BC).
const julianEpochMillis = 24405875 * 8640000

// lookupInstance borrows the instance for a descriptor token.
func lookupInstance(token uint64, op Op) (*Instance, Code) {
	inst, ok := instances.get(token)
	if !ok {
		protocolError(op, fmt.Sprintf("unknown vfs token %d", token))
		return nil, CodeIOErr
	}
	return inst, CodeOK
}

// lookupFile borrows the handle for a file id.
func lookupFile(id uint64, op Op) (*fileHandle, Code) {
	h, ok := files.get(id)
	if !ok {
		protocolError(op, fmt.Sprintf("unknown file id %d", id))
		return nil, CodeIOErr
	}
	return h, CodeOK
}

func protocolError(op Op, reason string) {
	err := &ProtocolError{Op: op, Reason: reason}
	slog.Default().Error("vfs callback failed", "error", err)
	internal.VFSCallCounterVec.WithLabelValues("", op.String(), CodeIOErr.String()).Inc()
}

// observe records the outcome of a callback.
func (inst *Instance) observe(op Op, rc Code, err error, attrs ...any) {
	internal.VFSCallCounterVec.WithLabelValues(inst.name, op.String(), rc.String()).Inc()

	if err == nil {
		inst.logger.Log(context.Background(), internal.LevelTrace, op.String(), append(attrs, "rc", rc)...)
		return
	}

	var lerr *LockOrderError
	if errors.As(err, &lerr) {
		inst.logger.Error(op.String(), append(attrs, "rc", rc, "error", err)...)
		return
	}
	inst.logger.Debug(op.String(), append(attrs, "rc", rc, "error", err)...)
}

// recoverPanic converts a panicking provider into SQLITE_IOERR.
func (inst *Instance) recoverPanic(op Op, rc *Code) {
	if r := recover(); r != nil {
		inst.logger.Error("vfs provider panic", "op", op.String(), "panic", r)
		internal.VFSCallCounterVec.WithLabelValues(inst.name, op.String(), CodeIOErr.String()).Inc()
		*rc = CodeIOErr
	}
}

// open opens name through the provider and registers a handle for it.
func (inst *Instance) open(name string, flags OpenFlag) (id uint64, outFlags OpenFlag, rc Code) {
	defer inst.recoverPanic(OpOpen, &rc)

	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		inst.observe(OpOpen, CodeCantOpen, ErrNotRegistered, "name", name)
		return 0, 0, CodeCantOpen
	}
	inst.openFiles.Add(1)
	inst.mu.Unlock()

	f, outFlags, err := inst.fs.Open(name, flags)
	if err != nil {
		inst.openFiles.Add(-1)
		rc = Status(OpOpen, err)
		inst.observe(OpOpen, rc, err, "name", name, "flags", flags)
		return 0, 0, rc
	} else if f == nil {
		inst.openFiles.Add(-1)
		inst.observe(OpOpen, CodeCantOpen, errors.New("provider returned nil file"), "name", name)
		return 0, 0, CodeCantOpen
	}
	if outFlags == 0 {
		outFlags = flags
	}

	h := &fileHandle{inst: inst, name: name, file: f, flags: outFlags}
	h.id = files.insert(h)
	internal.VFSOpenFilesGaugeVec.WithLabelValues(inst.name).Inc()

	inst.observe(OpOpen, CodeOK, nil, "name", name, "flags", outFlags, "id", h.id)
	return h.id, outFlags, CodeOK
}

func (inst *Instance) delete(name string, dirSync bool) (rc Code) {
	defer inst.recoverPanic(OpDelete, &rc)

	err := inst.fs.Delete(name, dirSync)
	rc = Status(OpDelete, err)
	inst.observe(OpDelete, rc, err, "name", name, "dirSync", dirSync)
	return rc
}

// access reports whether name satisfies flag. A missing file is reported as
// inaccessible rather than as an error.
func (inst *Instance) access(name string, flag AccessFlag) (ok bool, rc Code) {
	defer inst.recoverPanic(OpAccess, &rc)

	ok, err := inst.fs.Access(name, flag)
	if err != nil && KindOf(err) == KindNotFound {
		ok, err = false, nil
	}
	rc = Status(OpAccess, err)
	inst.observe(OpAccess, rc, err, "name", name, "flag", flag, "ok", ok)
	return ok && rc == CodeOK, rc
}

// fullPathname returns the canonical form of name that fits in nOut bytes
// including the terminating NUL. It falls back to name itself when the
// provider fails or its answer does not fit.
func (inst *Instance) fullPathname(name string, nOut int) (path string, rc Code) {
	defer inst.recoverPanic(OpFullPathname, &rc)

	path, err := inst.fs.FullPathname(name)
	if err != nil || len(path)+1 > nOut {
		inst.logger.Debug("full pathname fallback", "name", name, "path", path, "error", err)
		path = name
	}
	if len(path)+1 > nOut {
		inst.observe(OpFullPathname, CodeCantOpen, fmt.Errorf("pathname too long: %d bytes", len(path)), "name", name)
		return "", CodeCantOpen
	}
	inst.observe(OpFullPathname, CodeOK, nil, "name", name, "path", path)
	return path, CodeOK
}

// randomness fills p and returns the number of bytes written.
func (inst *Instance) randomness(p []byte) int {
	inst.randMu.Lock()
	defer inst.randMu.Unlock()

	n, err := io.ReadFull(inst.rand, p)
	if err != nil {
		inst.logger.Debug("randomness", "n", n, "error", err)
	}
	return n
}

// sleepFor sleeps for the given number of microseconds and returns it.
func (inst *Instance) sleepFor(microseconds int) int {
	if microseconds <= 0 {
		return 0
	}
	inst.sleep(time.Duration(microseconds) * time.Microsecond)
	return microseconds
}

// currentTimeInt64 returns the current time in milliseconds since the Julian epoch.
func (inst *Instance) currentTimeInt64() int64 {
	return julianEpochMillis + inst.now().UnixMilli()
}

// currentTime returns the current time as a fractional Julian day.
func (inst *Instance) currentTime() float64 {
	return float64(inst.currentTimeInt64()) / 86400000.0
}

// fileHandle wraps an open File along with the lock level SQLite holds on it.
type fileHandle struct {
	id    uint64
	inst  *Instance
	name  string
	file  File
	flags OpenFlag
	lock  LockType
}

func (h *fileHandle) read(p []byte, off int64) (rc Code) {
	defer h.inst.recoverPanic(OpRead, &rc)

	n, err := h.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		rc = Status(OpRead, err)
		h.inst.observe(OpRead, rc, err, "id", h.id, "n", len(p), "off", off)
		return rc
	}

	if n < len(p) {
		clear(p[max(n, 0):])
		rc = CodeIOErrShortRead
	}
	h.inst.observe(OpRead, rc, nil, "id", h.id, "n", len(p), "off", off, "read", n)
	return rc
}

// write writes p at off and returns the number of bytes the provider accepted.
func (h *fileHandle) write(p []byte, off int64) (n int, rc Code) {
	defer h.inst.recoverPanic(OpWrite, &rc)

	n, err := h.file.WriteAt(p, off)
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write: %d of %d bytes: %w", n, len(p), ErrIOFailure)
	}
	rc = Status(OpWrite, err)
	h.inst.observe(OpWrite, rc, err, "id", h.id, "n", len(p), "off", off)
	return n, rc
}

func (h *fileHandle) truncate(size int64) (rc Code) {
	defer h.inst.recoverPanic(OpTruncate, &rc)

	err := h.file.Truncate(size)
	rc = Status(OpTruncate, err)
	h.inst.observe(OpTruncate, rc, err, "id", h.id, "size", size)
	return rc
}

func (h *fileHandle) sync(flag SyncType) (rc Code) {
	defer h.inst.recoverPanic(OpSync, &rc)

	err := h.file.Sync(flag)
	rc = Status(OpSync, err)
	h.inst.observe(OpSync, rc, err, "id", h.id, "flag", int(flag))
	return rc
}

func (h *fileHandle) fileSize() (size int64, rc Code) {
	defer h.inst.recoverPanic(OpFileSize, &rc)

	size, err := h.file.FileSize()
	rc = Status(OpFileSize, err)
	h.inst.observe(OpFileSize, rc, err, "id", h.id, "size", size)
	return size, rc
}

// lockFile raises the lock to elock. Requests at or below the current level
// succeed without consulting the provider.
func (h *fileHandle) lockFile(elock LockType) (rc Code) {
	defer h.inst.recoverPanic(OpLock, &rc)

	if elock <= h.lock {
		h.inst.observe(OpLock, CodeOK, nil, "id", h.id, "lock", elock, "held", h.lock)
		return CodeOK
	}

	var err error
	if elock > LockExclusive || (isStrict(h.file) && !validLockTransition(h.lock, elock)) {
		err = &LockOrderError{Op: OpLock, From: h.lock, To: elock}
	} else {
		err = h.file.Lock(elock)
	}

	rc = Status(OpLock, err)
	if err == nil {
		h.lock = elock
	}
	h.inst.observe(OpLock, rc, err, "id", h.id, "lock", elock)
	return rc
}

// unlockFile lowers the lock to elock, which must be LockShared or LockNone.
// The request always reaches the provider: a failed upgrade may leave the
// provider above the level mirrored in h.lock.
func (h *fileHandle) unlockFile(elock LockType) (rc Code) {
	defer h.inst.recoverPanic(OpUnlock, &rc)

	if elock != LockShared && elock != LockNone {
		err := &LockOrderError{Op: OpUnlock, From: h.lock, To: elock}
		rc = Status(OpUnlock, err)
		h.inst.observe(OpUnlock, rc, err, "id", h.id, "lock", elock)
		return rc
	}

	err := h.file.Unlock(elock)
	rc = Status(OpUnlock, err)
	if err == nil && elock < h.lock {
		h.lock = elock
	}
	h.inst.observe(OpUnlock, rc, err, "id", h.id, "lock", elock)
	return rc
}

func (h *fileHandle) checkReservedLock() (reserved bool, rc Code) {
	defer h.inst.recoverPanic(OpCheckReservedLock, &rc)

	reserved, err := h.file.CheckReservedLock()
	rc = Status(OpCheckReservedLock, err)
	h.inst.observe(OpCheckReservedLock, rc, err, "id", h.id, "reserved", reserved)
	return reserved && rc == CodeOK, rc
}

// pragma passes a PRAGMA statement to the provider. On CodeOK, out holds the
// result if any. On CodeError, out holds the error message.
func (h *fileHandle) pragma(name string, value *string) (out *string, rc Code) {
	defer h.inst.recoverPanic(OpFileControl, &rc)

	fc, ok := h.file.(FileController)
	if !ok {
		return nil, CodeNotFound
	}

	out, err := fc.FileControl(FcntlPragma, name, value)
	if err == nil {
		h.inst.observe(OpFileControl, CodeOK, nil, "id", h.id, "pragma", name)
		return out, CodeOK
	}

	rc = Status(OpFileControl, err)
	h.inst.observe(OpFileControl, rc, err, "id", h.id, "pragma", name)
	if rc == CodeNotFound {
		return nil, rc
	}
	msg := err.Error()
	return &msg, rc
}

func (h *fileHandle) sectorSize() (n int64) {
	defer func() {
		if r := recover(); r != nil {
			h.inst.logger.Error("vfs provider panic", "op", "sector_size", "panic", r)
			n = DefaultSectorSize
		}
	}()
	if n = h.file.SectorSize(); n <= 0 {
		return DefaultSectorSize
	}
	return n
}

func (h *fileHandle) deviceCharacteristics() (c DeviceCharacteristic) {
	defer func() {
		if r := recover(); r != nil {
			h.inst.logger.Error("vfs provider panic", "op", "device_characteristics", "panic", r)
			c = 0
		}
	}()
	return h.file.DeviceCharacteristics()
}

// closeFile releases the handle for id. Unknown ids were already closed.
func closeFile(id uint64) (rc Code) {
	h, ok := files.remove(id)
	if !ok {
		return CodeOK
	}
	defer h.inst.recoverPanic(OpClose, &rc)
	defer func() {
		h.inst.openFiles.Add(-1)
		internal.VFSOpenFilesGaugeVec.WithLabelValues(h.inst.name).Dec()
	}()

	err := h.file.Close()
	rc = Status(OpClose, err)
	h.inst.observe(OpClose, rc, err, "id", id, "name", h.name)
	return rc
}

func isStrict(f File) bool {
	s, ok := f.(StrictLocker)
	return ok && s.StrictLocking()
}

// validLockTransition reports whether from -> to is a transition SQLite's
// locking protocol allows without an intermediate step.
func validLockTransition(from, to LockType) bool {
	switch {
	case to == LockPending:
		return false
	case from == LockNone:
		return to == LockShared
	default:
		return to > from && to <= LockExclusive
	}
}
