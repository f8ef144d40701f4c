package litevfs

/*
#cgo linux LDFLAGS: -Wl,--unresolved-symbols=ignore-in-object-files
#cgo darwin LDFLAGS: -Wl,-undefined,dynamic_lookup

#include <stdlib.h>
#include "litevfs.h"
*/
import "C"

import (
	"unsafe"

	_ "github.com/mattn/go-sqlite3" // links the SQLite library
)

func allocDescriptor(name string, token uint64, maxPathname int) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return unsafe.Pointer(C.litevfs_new(cname, C.sqlite3_uint64(token), C.int(maxPathname)))
}

func freeDescriptor(desc unsafe.Pointer) {
	C.litevfs_free((*C.sqlite3_vfs)(desc))
}

func hostRegister(desc unsafe.Pointer, makeDefault bool) Code {
	var dflt C.int
	if makeDefault {
		dflt = 1
	}
	return Code(C.sqlite3_vfs_register((*C.sqlite3_vfs)(desc), dflt))
}

func hostUnregister(desc unsafe.Pointer) Code {
	return Code(C.sqlite3_vfs_unregister((*C.sqlite3_vfs)(desc)))
}

// hostFind returns SQLite's descriptor for name, or nil.
func hostFind(name string) unsafe.Pointer {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return unsafe.Pointer(C.sqlite3_vfs_find(cname))
}

// hostDefault returns SQLite's default descriptor.
func hostDefault() unsafe.Pointer {
	return unsafe.Pointer(C.sqlite3_vfs_find(nil))
}

// DefaultVFS returns the name of SQLite's default VFS.
func DefaultVFS() string {
	hostMu.Lock()
	defer hostMu.Unlock()
	if p := (*C.sqlite3_vfs)(hostDefault()); p != nil && p.zName != nil {
		return C.GoString(p.zName)
	}
	return ""
}

// hostToken returns the instance token of a descriptor created by
// allocDescriptor. ok is false for descriptors owned by other code.
func hostToken(desc unsafe.Pointer) (token uint64, ok bool) {
	p := (*C.sqlite3_vfs)(desc)
	if C.litevfs_is_own(p) == 0 {
		return 0, false
	}
	return uint64(C.litevfs_token(p)), true
}

// hostCount returns the number of entries named name in SQLite's VFS list.
func hostCount(name string) int {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	return int(C.litevfs_count(cname))
}

// sqliteString copies s into memory owned by sqlite3_malloc.
func sqliteString(s string) *C.char {
	cs := C.CString(s)
	defer C.free(unsafe.Pointer(cs))
	return C.litevfs_dup(cs, C.int(len(s)))
}

func goBytes(p unsafe.Pointer, n C.int) []byte {
	if p == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), int(n))
}

//export goVFSOpen
func goVFSOpen(token C.sqlite3_uint64, zName *C.char, flags C.int, pOutFlags *C.int, pID *C.sqlite3_uint64) C.int {
	inst, rc := lookupInstance(uint64(token), OpOpen)
	if rc != CodeOK {
		return C.int(rc)
	}

	var name string
	if zName != nil {
		name = C.GoString(zName)
	}

	id, outFlags, rc := inst.open(name, OpenFlag(flags))
	if rc != CodeOK {
		return C.int(rc)
	}
	*pOutFlags = C.int(outFlags)
	*pID = C.sqlite3_uint64(id)
	return C.int(CodeOK)
}

//export goVFSDelete
func goVFSDelete(token C.sqlite3_uint64, zName *C.char, syncDir C.int) C.int {
	inst, rc := lookupInstance(uint64(token), OpDelete)
	if rc != CodeOK {
		return C.int(rc)
	}
	return C.int(inst.delete(C.GoString(zName), syncDir != 0))
}

//export goVFSAccess
func goVFSAccess(token C.sqlite3_uint64, zName *C.char, flags C.int, pResOut *C.int) C.int {
	*pResOut = 0

	inst, rc := lookupInstance(uint64(token), OpAccess)
	if rc != CodeOK {
		return C.int(rc)
	}

	ok, rc := inst.access(C.GoString(zName), AccessFlag(flags))
	if ok {
		*pResOut = 1
	}
	return C.int(rc)
}

//export goVFSFullPathname
func goVFSFullPathname(token C.sqlite3_uint64, zName *C.char, nOut C.int, zOut *C.char) C.int {
	inst, rc := lookupInstance(uint64(token), OpFullPathname)
	if rc != CodeOK {
		return C.int(rc)
	}

	path, rc := inst.fullPathname(C.GoString(zName), int(nOut))
	if rc != CodeOK {
		return C.int(rc)
	}

	buf := goBytes(unsafe.Pointer(zOut), nOut)
	n := copy(buf, path)
	buf[n] = 0
	return C.int(CodeOK)
}

//export goVFSRandomness
func goVFSRandomness(token C.sqlite3_uint64, nByte C.int, zOut *C.char) C.int {
	inst, rc := lookupInstance(uint64(token), OpRandomness)
	if rc != CodeOK {
		return 0
	}
	return C.int(inst.randomness(goBytes(unsafe.Pointer(zOut), nByte)))
}

//export goVFSSleep
func goVFSSleep(token C.sqlite3_uint64, microseconds C.int) C.int {
	inst, rc := lookupInstance(uint64(token), OpSleep)
	if rc != CodeOK {
		return 0
	}
	return C.int(inst.sleepFor(int(microseconds)))
}

//export goVFSCurrentTime
func goVFSCurrentTime(token C.sqlite3_uint64, prNow *C.double) C.int {
	inst, rc := lookupInstance(uint64(token), OpCurrentTime)
	if rc != CodeOK {
		return C.int(rc)
	}
	*prNow = C.double(inst.currentTime())
	return C.int(CodeOK)
}

//export goVFSCurrentTimeInt64
func goVFSCurrentTimeInt64(token C.sqlite3_uint64, piNow *C.sqlite3_int64) C.int {
	inst, rc := lookupInstance(uint64(token), OpCurrentTime)
	if rc != CodeOK {
		return C.int(rc)
	}
	*piNow = C.sqlite3_int64(inst.currentTimeInt64())
	return C.int(CodeOK)
}

//export goFileClose
func goFileClose(id C.sqlite3_uint64) C.int {
	return C.int(closeFile(uint64(id)))
}

//export goFileRead
func goFileRead(id C.sqlite3_uint64, p unsafe.Pointer, n C.int, off C.sqlite3_int64) C.int {
	h, rc := lookupFile(uint64(id), OpRead)
	if rc != CodeOK {
		return C.int(rc)
	}
	return C.int(h.read(goBytes(p, n), int64(off)))
}

//export goFileWrite
func goFileWrite(id C.sqlite3_uint64, p unsafe.Pointer, n C.int, off C.sqlite3_int64) C.int {
	h, rc := lookupFile(uint64(id), OpWrite)
	if rc != CodeOK {
		return C.int(rc)
	}
	_, rc = h.write(goBytes(p, n), int64(off))
	return C.int(rc)
}

//export goFileTruncate
func goFileTruncate(id C.sqlite3_uint64, size C.sqlite3_int64) C.int {
	h, rc := lookupFile(uint64(id), OpTruncate)
	if rc != CodeOK {
		return C.int(rc)
	}
	return C.int(h.truncate(int64(size)))
}

//export goFileSync
func goFileSync(id C.sqlite3_uint64, flags C.int) C.int {
	h, rc := lookupFile(uint64(id), OpSync)
	if rc != CodeOK {
		return C.int(rc)
	}
	return C.int(h.sync(SyncType(flags)))
}

//export goFileSize
func goFileSize(id C.sqlite3_uint64, pSize *C.sqlite3_int64) C.int {
	h, rc := lookupFile(uint64(id), OpFileSize)
	if rc != CodeOK {
		return C.int(rc)
	}
	size, rc := h.fileSize()
	if rc == CodeOK {
		*pSize = C.sqlite3_int64(size)
	}
	return C.int(rc)
}

//export goFileLock
func goFileLock(id C.sqlite3_uint64, eLock C.int) C.int {
	h, rc := lookupFile(uint64(id), OpLock)
	if rc != CodeOK {
		return C.int(rc)
	}
	return C.int(h.lockFile(LockType(eLock)))
}

//export goFileUnlock
func goFileUnlock(id C.sqlite3_uint64, eLock C.int) C.int {
	h, rc := lookupFile(uint64(id), OpUnlock)
	if rc != CodeOK {
		return C.int(rc)
	}
	return C.int(h.unlockFile(LockType(eLock)))
}

//export goFileCheckReservedLock
func goFileCheckReservedLock(id C.sqlite3_uint64, pResOut *C.int) C.int {
	*pResOut = 0

	h, rc := lookupFile(uint64(id), OpCheckReservedLock)
	if rc != CodeOK {
		return C.int(rc)
	}

	reserved, rc := h.checkReservedLock()
	if reserved {
		*pResOut = 1
	}
	return C.int(rc)
}

//export goFilePragma
func goFilePragma(id C.sqlite3_uint64, zName, zValue *C.char, pOut **C.char) C.int {
	h, rc := lookupFile(uint64(id), OpFileControl)
	if rc != CodeOK {
		return C.int(rc)
	}

	var value *string
	if zValue != nil {
		s := C.GoString(zValue)
		value = &s
	}

	out, rc := h.pragma(C.GoString(zName), value)
	if out != nil && rc != CodeNotFound {
		*pOut = sqliteString(*out)
	}
	return C.int(rc)
}

//export goFileVFSName
func goFileVFSName(id C.sqlite3_uint64, pOut **C.char) C.int {
	h, rc := lookupFile(uint64(id), OpFileControl)
	if rc != CodeOK {
		return C.int(CodeNotFound)
	}
	*pOut = sqliteString(h.inst.name)
	return C.int(CodeOK)
}

//export goFileSectorSize
func goFileSectorSize(id C.sqlite3_uint64) C.int {
	h, ok := files.get(uint64(id))
	if !ok {
		return DefaultSectorSize
	}
	return C.int(h.sectorSize())
}

//export goFileDeviceCharacteristics
func goFileDeviceCharacteristics(id C.sqlite3_uint64) C.int {
	h, ok := files.get(uint64(id))
	if !ok {
		return 0
	}
	return C.int(h.deviceCharacteristics())
}
