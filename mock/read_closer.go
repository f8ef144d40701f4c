package mock

import "io"

var _ io.ReadCloser = (*ReadCloser)(nil)

// ReadCloser is an io.ReadCloser for injecting ranged-read failures into
// replica clients. A nil CloseFunc closes successfully.
type ReadCloser struct {
	ReadFunc  func(p []byte) (int, error)
	CloseFunc func() error
}

func (rc *ReadCloser) Read(p []byte) (int, error) {
	return rc.ReadFunc(p)
}

func (rc *ReadCloser) Close() error {
	if rc.CloseFunc == nil {
		return nil
	}
	return rc.CloseFunc()
}
