package internal

import "io"

// LimitReadCloser returns a reader that stops after n bytes and closes r.
// Used for ranged reads from replica clients without native range support.
func LimitReadCloser(r io.ReadCloser, n int64) io.ReadCloser {
	return &LimitedReadCloser{R: r, N: n}
}

// LimitedReadCloser is io.LimitedReader with a Close method.
type LimitedReadCloser struct {
	R io.ReadCloser // underlying reader
	N int64         // max bytes remaining
}

func (l *LimitedReadCloser) Close() error {
	return l.R.Close()
}

func (l *LimitedReadCloser) Read(p []byte) (n int, err error) {
	if l.N <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.N {
		p = p[:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= int64(n)
	return n, err
}
