package litevfs

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/benbjohnson/litevfs/internal"
)

// Code is a native SQLite result code.
// https://www.sqlite.org/rescode.html
type Code int

const (
	CodeOK       Code = 0
	CodeError    Code = 1
	CodePerm     Code = 3
	CodeBusy     Code = 5
	CodeReadOnly Code = 8
	CodeIOErr    Code = 10
	CodeNotFound Code = 12
	CodeCantOpen Code = 14

	CodeIOErrRead              Code = CodeIOErr | (1 << 8)
	CodeIOErrShortRead         Code = CodeIOErr | (2 << 8)
	CodeIOErrWrite             Code = CodeIOErr | (3 << 8)
	CodeIOErrFsync             Code = CodeIOErr | (4 << 8)
	CodeIOErrTruncate          Code = CodeIOErr | (6 << 8)
	CodeIOErrFstat             Code = CodeIOErr | (7 << 8)
	CodeIOErrUnlock            Code = CodeIOErr | (8 << 8)
	CodeIOErrDelete            Code = CodeIOErr | (10 << 8)
	CodeIOErrAccess            Code = CodeIOErr | (13 << 8)
	CodeIOErrCheckReservedLock Code = CodeIOErr | (14 << 8)
	CodeIOErrLock              Code = CodeIOErr | (15 << 8)
	CodeIOErrClose             Code = CodeIOErr | (16 << 8)
	CodeIOErrDeleteNoEnt       Code = CodeIOErr | (23 << 8)
)

var codeNames = map[Code]string{
	CodeOK:                     "SQLITE_OK",
	CodeError:                  "SQLITE_ERROR",
	CodePerm:                   "SQLITE_PERM",
	CodeBusy:                   "SQLITE_BUSY",
	CodeReadOnly:               "SQLITE_READONLY",
	CodeIOErr:                  "SQLITE_IOERR",
	CodeNotFound:               "SQLITE_NOTFOUND",
	CodeCantOpen:               "SQLITE_CANTOPEN",
	CodeIOErrRead:              "SQLITE_IOERR_READ",
	CodeIOErrShortRead:         "SQLITE_IOERR_SHORT_READ",
	CodeIOErrWrite:             "SQLITE_IOERR_WRITE",
	CodeIOErrFsync:             "SQLITE_IOERR_FSYNC",
	CodeIOErrTruncate:          "SQLITE_IOERR_TRUNCATE",
	CodeIOErrFstat:             "SQLITE_IOERR_FSTAT",
	CodeIOErrUnlock:            "SQLITE_IOERR_UNLOCK",
	CodeIOErrDelete:            "SQLITE_IOERR_DELETE",
	CodeIOErrAccess:            "SQLITE_IOERR_ACCESS",
	CodeIOErrCheckReservedLock: "SQLITE_IOERR_CHECKRESERVEDLOCK",
	CodeIOErrLock:              "SQLITE_IOERR_LOCK",
	CodeIOErrClose:             "SQLITE_IOERR_CLOSE",
	CodeIOErrDeleteNoEnt:       "SQLITE_IOERR_DELETE_NOENT",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("SQLITE_CODE<%d>", int(c))
}

// Backend error sentinels. Providers return these, possibly wrapped, or a
// *BackendError carrying the kind explicitly.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIOFailure        = errors.New("i/o failure")
	ErrBusy             = internal.ErrBusy
	ErrUnsupported      = errors.New("unsupported")
)

// ErrorKind classifies a backend error for status mapping.
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindPermissionDenied
	KindIOFailure
	KindBusy
	KindUnsupported

	numErrorKinds
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindIOFailure:
		return "IOFailure"
	case KindBusy:
		return "Busy"
	case KindUnsupported:
		return "Unsupported"
	default:
		return fmt.Sprintf("ErrorKindUnknown<%d>", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindBusy:
		return ErrBusy
	case KindUnsupported:
		return ErrUnsupported
	default:
		return ErrIOFailure
	}
}

// BackendError is an error returned by a provider with an explicit kind.
type BackendError struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

// NewBackendError returns a BackendError for op on path.
func NewBackendError(kind ErrorKind, op, path string, err error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *BackendError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *BackendError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf classifies err. Errors that match no known kind are IOFailure.
func KindOf(err error) ErrorKind {
	var e *BackendError
	switch {
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrUnsupported), errors.Is(err, errors.ErrUnsupported):
		return KindUnsupported
	default:
		return KindIOFailure
	}
}

// ProtocolError reports a broken contract between SQLite and the adapter,
// such as a callback carrying an unknown instance token or file id.
type ProtocolError struct {
	Op     Op
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("litevfs protocol error: %s: %s", e.Op, e.Reason)
}

// LockOrderError is returned when a lock request skips a level the
// provider requires or targets an invalid level.
type LockOrderError struct {
	Op   Op
	From LockType
	To   LockType
}

func (e *LockOrderError) Error() string {
	return fmt.Sprintf("invalid %s transition: current=%s target=%s", e.Op, e.From, e.To)
}

// Registration error kinds.
var (
	ErrInvalidName       = errors.New("invalid vfs name")
	ErrInvalidFileSystem = errors.New("filesystem required")
	ErrNameCollision     = errors.New("vfs name already registered with a different filesystem")
	ErrAllocationFailure = errors.New("cannot allocate vfs descriptor")
	ErrHostRejected      = errors.New("rejected by sqlite")
)

// RegistrationError is returned by Register.
type RegistrationError struct {
	Name string
	Err  error
	Code Code // host status, set when Err is ErrHostRejected
}

func (e *RegistrationError) Error() string {
	if e.Code != CodeOK {
		return fmt.Sprintf("register vfs %q: %s (%s)", e.Name, e.Err, e.Code)
	}
	return fmt.Sprintf("register vfs %q: %s", e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// Unregistration error kinds.
var (
	ErrInUse         = errors.New("vfs has open files")
	ErrNotRegistered = errors.New("vfs not registered")
)

// UnregistrationError is returned by Unregister.
type UnregistrationError struct {
	Name      string
	Err       error
	Code      Code // host status, set when Err is ErrHostRejected
	OpenFiles int64
}

func (e *UnregistrationError) Error() string {
	switch {
	case e.Code != CodeOK:
		return fmt.Sprintf("unregister vfs %q: %s (%s)", e.Name, e.Err, e.Code)
	case e.OpenFiles > 0:
		return fmt.Sprintf("unregister vfs %q: %s (%d open)", e.Name, e.Err, e.OpenFiles)
	default:
		return fmt.Sprintf("unregister vfs %q: %s", e.Name, e.Err)
	}
}

func (e *UnregistrationError) Unwrap() error { return e.Err }

// Op identifies a VFS callback for status mapping, logging and metrics.
type Op int

const (
	OpOpen Op = iota
	OpDelete
	OpAccess
	OpFullPathname
	OpClose
	OpRead
	OpWrite
	OpTruncate
	OpSync
	OpFileSize
	OpLock
	OpUnlock
	OpCheckReservedLock
	OpFileControl
	OpRandomness
	OpSleep
	OpCurrentTime

	numOps
)

var opNames = [numOps]string{
	OpOpen:              "open",
	OpDelete:            "delete",
	OpAccess:            "access",
	OpFullPathname:      "full_pathname",
	OpClose:             "close",
	OpRead:              "read",
	OpWrite:             "write",
	OpTruncate:          "truncate",
	OpSync:              "sync",
	OpFileSize:          "file_size",
	OpLock:              "lock",
	OpUnlock:            "unlock",
	OpCheckReservedLock: "check_reserved_lock",
	OpFileControl:       "file_control",
	OpRandomness:        "randomness",
	OpSleep:             "sleep",
	OpCurrentTime:       "current_time",
}

func (op Op) String() string {
	if op >= 0 && op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op<%d>", int(op))
}

// statusTable maps each backend error kind to exactly one native code per op.
var statusTable = [numOps][numErrorKinds]Code{
	// NotFound, PermissionDenied, IOFailure, Busy, Unsupported
	OpOpen:              {CodeCantOpen, CodePerm, CodeCantOpen, CodeBusy, CodeCantOpen},
	OpDelete:            {CodeIOErrDeleteNoEnt, CodePerm, CodeIOErrDelete, CodeBusy, CodeIOErrDelete},
	OpAccess:            {CodeIOErrAccess, CodeIOErrAccess, CodeIOErrAccess, CodeBusy, CodeIOErrAccess},
	OpFullPathname:      {CodeCantOpen, CodeCantOpen, CodeCantOpen, CodeCantOpen, CodeCantOpen},
	OpClose:             {CodeIOErrClose, CodeIOErrClose, CodeIOErrClose, CodeIOErrClose, CodeIOErrClose},
	OpRead:              {CodeIOErrRead, CodePerm, CodeIOErrRead, CodeBusy, CodeIOErrRead},
	OpWrite:             {CodeIOErrWrite, CodeReadOnly, CodeIOErrWrite, CodeBusy, CodeReadOnly},
	OpTruncate:          {CodeIOErrTruncate, CodeReadOnly, CodeIOErrTruncate, CodeBusy, CodeReadOnly},
	OpSync:              {CodeIOErrFsync, CodeReadOnly, CodeIOErrFsync, CodeBusy, CodeIOErrFsync},
	OpFileSize:          {CodeIOErrFstat, CodeIOErrFstat, CodeIOErrFstat, CodeBusy, CodeIOErrFstat},
	OpLock:              {CodeIOErrLock, CodeIOErrLock, CodeIOErrLock, CodeBusy, CodeIOErrLock},
	OpUnlock:            {CodeIOErrUnlock, CodeIOErrUnlock, CodeIOErrUnlock, CodeIOErrUnlock, CodeIOErrUnlock},
	OpCheckReservedLock: {CodeIOErrCheckReservedLock, CodeIOErrCheckReservedLock, CodeIOErrCheckReservedLock, CodeBusy, CodeIOErrCheckReservedLock},
	OpFileControl:       {CodeNotFound, CodePerm, CodeError, CodeBusy, CodeNotFound},
	OpRandomness:        {CodeIOErr, CodeIOErr, CodeIOErr, CodeIOErr, CodeIOErr},
	OpSleep:             {CodeIOErr, CodeIOErr, CodeIOErr, CodeIOErr, CodeIOErr},
	OpCurrentTime:       {CodeIOErr, CodeIOErr, CodeIOErr, CodeIOErr, CodeIOErr},
}

// Status returns the native code SQLite receives when op fails with err.
func Status(op Op, err error) Code {
	if err == nil {
		return CodeOK
	}

	var perr *ProtocolError
	if errors.As(err, &perr) || op < 0 || op >= numOps {
		return CodeIOErr
	}
	return statusTable[op][KindOf(err)]
}
