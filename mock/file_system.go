package mock

import (
	"github.com/benbjohnson/litevfs"
)

var (
	_ litevfs.FileSystem     = (*FileSystem)(nil)
	_ litevfs.File           = (*File)(nil)
	_ litevfs.FileController = (*File)(nil)
)

type FileSystem struct {
	OpenFunc         func(name string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error)
	DeleteFunc       func(name string, dirSync bool) error
	AccessFunc       func(name string, flag litevfs.AccessFlag) (bool, error)
	FullPathnameFunc func(name string) (string, error)
}

func (fs *FileSystem) Open(name string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error) {
	return fs.OpenFunc(name, flags)
}

func (fs *FileSystem) Delete(name string, dirSync bool) error {
	return fs.DeleteFunc(name, dirSync)
}

func (fs *FileSystem) Access(name string, flag litevfs.AccessFlag) (bool, error) {
	return fs.AccessFunc(name, flag)
}

func (fs *FileSystem) FullPathname(name string) (string, error) {
	if fs.FullPathnameFunc == nil {
		return name, nil
	}
	return fs.FullPathnameFunc(name)
}

// NewSingleFileSystem returns a FileSystem that only opens name and reports
// every other file as missing.
func NewSingleFileSystem(name string, f *File) *FileSystem {
	return &FileSystem{
		OpenFunc: func(s string, flags litevfs.OpenFlag) (litevfs.File, litevfs.OpenFlag, error) {
			if s != name {
				return nil, 0, litevfs.NewBackendError(litevfs.KindNotFound, "open", s, nil)
			}
			return f, flags, nil
		},
		DeleteFunc: func(s string, dirSync bool) error {
			return litevfs.NewBackendError(litevfs.KindNotFound, "delete", s, nil)
		},
		AccessFunc: func(s string, flag litevfs.AccessFlag) (bool, error) {
			return s == name, nil
		},
	}
}

type File struct {
	ReadAtFunc                func(p []byte, off int64) (int, error)
	WriteAtFunc               func(p []byte, off int64) (int, error)
	TruncateFunc              func(size int64) error
	SyncFunc                  func(flag litevfs.SyncType) error
	FileSizeFunc              func() (int64, error)
	LockFunc                  func(elock litevfs.LockType) error
	UnlockFunc                func(elock litevfs.LockType) error
	CheckReservedLockFunc     func() (bool, error)
	SectorSizeFunc            func() int64
	DeviceCharacteristicsFunc func() litevfs.DeviceCharacteristic
	FileControlFunc           func(op int, pragmaName string, pragmaValue *string) (*string, error)
	CloseFunc                 func() error
}

func (f *File) ReadAt(p []byte, off int64) (int, error) { return f.ReadAtFunc(p, off) }

func (f *File) WriteAt(p []byte, off int64) (int, error) { return f.WriteAtFunc(p, off) }

func (f *File) Truncate(size int64) error { return f.TruncateFunc(size) }

func (f *File) Sync(flag litevfs.SyncType) error { return f.SyncFunc(flag) }

func (f *File) FileSize() (int64, error) { return f.FileSizeFunc() }

func (f *File) Lock(elock litevfs.LockType) error { return f.LockFunc(elock) }

func (f *File) Unlock(elock litevfs.LockType) error { return f.UnlockFunc(elock) }

func (f *File) CheckReservedLock() (bool, error) { return f.CheckReservedLockFunc() }

func (f *File) SectorSize() int64 {
	if f.SectorSizeFunc == nil {
		return 0
	}
	return f.SectorSizeFunc()
}

func (f *File) DeviceCharacteristics() litevfs.DeviceCharacteristic {
	if f.DeviceCharacteristicsFunc == nil {
		return 0
	}
	return f.DeviceCharacteristicsFunc()
}

func (f *File) FileControl(op int, pragmaName string, pragmaValue *string) (*string, error) {
	if f.FileControlFunc == nil {
		return nil, litevfs.ErrNotFound
	}
	return f.FileControlFunc(op, pragmaName, pragmaValue)
}

func (f *File) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}
