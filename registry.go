package litevfs

import (
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/benbjohnson/litevfs/internal"
)

// handleTable maps opaque ids to Go values so that native code can refer
// to them without holding Go pointers. Ids start at 1 and are never reused.
type handleTable[T any] struct {
	mu   sync.RWMutex
	next uint64
	m    map[uint64]T
}

func newHandleTable[T any]() *handleTable[T] {
	return &handleTable[T]{m: make(map[uint64]T)}
}

func (t *handleTable[T]) insert(v T) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.m[t.next] = v
	return t.next
}

// get borrows the value for id. The entry stays in the table.
func (t *handleTable[T]) get(id uint64) (v T, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok = t.m[id]
	return v, ok
}

func (t *handleTable[T]) remove(id uint64) (v T, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok = t.m[id]; ok {
		delete(t.m, id)
	}
	return v, ok
}

func (t *handleTable[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Process-wide tables. Instance tokens are stored in the descriptor's
// pAppData and file ids in the per-file record.
var (
	instances = newHandleTable[*Instance]()
	files     = newHandleTable[*fileHandle]()
)

// newDescriptor allocates the native descriptor. Returns nil on failure.
var newDescriptor = allocDescriptor

// hostMu serializes changes to SQLite's VFS list and to Instance.desc
// across all registries.
var hostMu sync.Mutex

// Instance is a FileSystem registered with SQLite under a VFS name.
type Instance struct {
	name  string
	fs    FileSystem
	token uint64
	desc  unsafe.Pointer // *C.sqlite3_vfs, guarded by hostMu

	maxPathname int
	rand        io.Reader
	randMu      sync.Mutex
	now         func() time.Time
	sleep       func(time.Duration)
	logger      *slog.Logger

	mu        sync.Mutex // serializes open reservations with Unregister
	closed    bool
	openFiles atomic.Int64
}

// VFSName returns the name the instance is registered under.
func (inst *Instance) VFSName() string { return inst.name }

// FileSystem returns the provider backing the instance.
func (inst *Instance) FileSystem() FileSystem { return inst.fs }

// OpenFiles returns the number of files currently open through the instance.
func (inst *Instance) OpenFiles() int64 { return inst.openFiles.Load() }

// Registry tracks the VFS instances it has registered with SQLite. SQLite's
// own VFS list is authoritative; the registry only records intent.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Instance

	Logger *slog.Logger
}

// NewRegistry returns a new instance of Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Instance),
		Logger: slog.Default(),
	}
}

// DefaultRegistry is used by the package-level Register functions.
var DefaultRegistry = NewRegistry()

// Register binds fs to name in SQLite. Registering the same name with an
// equal FileSystem again returns the existing instance. If makeDefault is
// true the VFS becomes the default for connections that do not name one.
func (r *Registry) Register(name string, fs FileSystem, makeDefault bool, opts ...Option) (*Instance, error) {
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return nil, &RegistrationError{Name: name, Err: ErrInvalidName}
	} else if fs == nil {
		return nil, &RegistrationError{Name: name, Err: ErrInvalidFileSystem}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	hostMu.Lock()
	defer hostMu.Unlock()

	if desc := hostFind(name); desc != nil {
		inst := lookupOwnInstance(desc)
		if inst == nil || !sameFileSystem(inst.fs, fs) {
			return nil, &RegistrationError{Name: name, Err: ErrNameCollision}
		}
		if makeDefault {
			if rc := hostRegister(desc, true); rc != CodeOK {
				return nil, &RegistrationError{Name: name, Err: ErrHostRejected, Code: rc}
			}
		}
		return inst, nil
	}

	o := newOptions(append([]Option{WithLogger(r.Logger)}, opts...))
	inst := &Instance{
		name:        name,
		fs:          fs,
		maxPathname: o.maxPathname,
		rand:        o.rand,
		now:         o.now,
		sleep:       o.sleep,
		logger:      o.logger.With("vfs", name),
	}
	inst.token = instances.insert(inst)

	desc := newDescriptor(name, inst.token, inst.maxPathname)
	if desc == nil {
		instances.remove(inst.token)
		return nil, &RegistrationError{Name: name, Err: ErrAllocationFailure}
	}

	if rc := hostRegister(desc, makeDefault); rc != CodeOK {
		freeDescriptor(desc)
		instances.remove(inst.token)
		return nil, &RegistrationError{Name: name, Err: ErrHostRejected, Code: rc}
	}
	inst.desc = desc
	r.byName[name] = inst

	internal.VFSOpenFilesGaugeVec.WithLabelValues(name).Set(0)
	inst.logger.Debug("vfs registered", "default", makeDefault, "maxPathname", inst.maxPathname)

	return inst, nil
}

// Unregister removes inst from SQLite and releases its descriptor. It fails
// with ErrInUse while files opened through inst remain open.
func (r *Registry) Unregister(inst *Instance) error {
	if inst == nil {
		return &UnregistrationError{Err: ErrNotRegistered}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	hostMu.Lock()
	defer hostMu.Unlock()

	if inst.desc == nil || hostFind(inst.name) != inst.desc {
		return &UnregistrationError{Name: inst.name, Err: ErrNotRegistered}
	}

	// Opens reserve a slot under inst.mu, so none can start while files are
	// counted and the descriptor is removed. A failed attempt leaves the
	// instance untouched.
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if n := inst.openFiles.Load(); n > 0 {
		return &UnregistrationError{Name: inst.name, Err: ErrInUse, OpenFiles: n}
	}

	if rc := hostUnregister(inst.desc); rc != CodeOK {
		return &UnregistrationError{Name: inst.name, Err: ErrHostRejected, Code: rc}
	}

	inst.closed = true
	freeDescriptor(inst.desc)
	inst.desc = nil
	instances.remove(inst.token)
	if r.byName[inst.name] == inst {
		delete(r.byName, inst.name)
	}

	internal.VFSOpenFilesGaugeVec.DeleteLabelValues(inst.name)
	inst.logger.Debug("vfs unregistered")

	return nil
}

// IsRegistered reports whether SQLite currently resolves name to a VFS
// registered through litevfs.
func (r *Registry) IsRegistered(name string) bool {
	return r.Instance(name) != nil
}

// Instance returns the litevfs instance SQLite resolves name to, if any.
func (r *Registry) Instance(name string) *Instance {
	hostMu.Lock()
	defer hostMu.Unlock()
	return lookupOwnInstance(hostFind(name))
}

// Instances returns the instances registered through r that are still
// registered with SQLite, sorted by name.
func (r *Registry) Instances() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	hostMu.Lock()
	defer hostMu.Unlock()

	a := make([]*Instance, 0, len(r.byName))
	for _, inst := range r.byName {
		if inst.desc != nil {
			a = append(a, inst)
		}
	}
	slices.SortFunc(a, func(x, y *Instance) int { return strings.Compare(x.name, y.name) })
	return a
}

// Acquire registers fs and returns a Registration that unregisters it on Close.
func (r *Registry) Acquire(name string, fs FileSystem, makeDefault bool, opts ...Option) (*Registration, error) {
	inst, err := r.Register(name, fs, makeDefault, opts...)
	if err != nil {
		return nil, err
	}
	return &Registration{registry: r, inst: inst}, nil
}

// lookupOwnInstance returns the instance for a native descriptor created by
// this package, or nil for foreign or unknown descriptors.
func lookupOwnInstance(desc unsafe.Pointer) *Instance {
	if desc == nil {
		return nil
	}
	token, ok := hostToken(desc)
	if !ok {
		return nil
	}
	inst, ok := instances.get(token)
	if !ok || inst.desc != desc {
		return nil
	}
	return inst
}

// sameFileSystem reports whether a and b are the same provider. Providers
// with non-comparable dynamic types are never equal.
func sameFileSystem(a, b FileSystem) (same bool) {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Registration unregisters its instance when closed.
type Registration struct {
	registry *Registry
	inst     *Instance

	once sync.Once
	err  error
}

// Instance returns the registered instance.
func (reg *Registration) Instance() *Instance { return reg.inst }

// Close unregisters the instance. Only the first call attempts it; later
// calls return the same result.
func (reg *Registration) Close() error {
	reg.once.Do(func() {
		reg.err = reg.registry.Unregister(reg.inst)
	})
	return reg.err
}

func (reg *Registration) String() string {
	return fmt.Sprintf("Registration<%s>", reg.inst.name)
}

// Register registers fs with DefaultRegistry.
func Register(name string, fs FileSystem, makeDefault bool, opts ...Option) (*Instance, error) {
	return DefaultRegistry.Register(name, fs, makeDefault, opts...)
}

// Unregister unregisters inst from DefaultRegistry.
func Unregister(inst *Instance) error {
	return DefaultRegistry.Unregister(inst)
}

// IsRegistered reports whether name is registered through litevfs.
func IsRegistered(name string) bool {
	return DefaultRegistry.IsRegistered(name)
}

// Acquire registers fs with DefaultRegistry and returns a scoped Registration.
func Acquire(name string, fs FileSystem, makeDefault bool, opts ...Option) (*Registration, error) {
	return DefaultRegistry.Acquire(name, fs, makeDefault, opts...)
}
