package replica

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs"
)

// Client represents remote storage for the LTX files of a single database.
//
// Files are addressed by level and TXID range. The replicated backend only
// writes to level 0, one file per transaction, but clients store any level
// so that compacted files from other tools remain readable.
type Client interface {
	// Type returns the type of client (e.g. "file", "s3").
	Type() string

	// Init prepares the client for use. It may be called more than once.
	Init(ctx context.Context) error

	// LTXFiles returns an iterator over LTX files at level whose minimum
	// TXID is at or after seek. Files are sorted by minimum TXID. When
	// useMetadata is true, clients that support it report the timestamp
	// stored with the file rather than the storage modification time.
	LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error)

	// OpenLTXFile returns a reader for size bytes of an LTX file starting at
	// offset. A size of zero reads to the end of the file. Returns an error
	// wrapping os.ErrNotExist if the file does not exist.
	OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error)

	// WriteLTXFile writes an LTX file to the replica.
	WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, r io.Reader) (*ltx.FileInfo, error)

	// DeleteLTXFiles deletes one or more LTX files.
	DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error

	// DeleteAll deletes every file stored by the client.
	DeleteAll(ctx context.Context) error
}

// LTXLevelDir returns the slash-separated directory for a level under root.
func LTXLevelDir(root string, level int) string {
	return path.Join(root, fmt.Sprintf("%04x", level))
}

// LTXFilePath returns the slash-separated path of an LTX file under root.
func LTXFilePath(root string, level int, minTXID, maxTXID ltx.TXID) string {
	return path.Join(LTXLevelDir(root, level), ltx.FormatFilename(minTXID, maxTXID))
}

// LTXError is returned by clients when an LTX file operation fails.
type LTXError struct {
	Op      string
	Path    string
	Level   int
	MinTXID ltx.TXID
	MaxTXID ltx.TXID
	Err     error
}

// NewLTXError returns a new instance of LTXError.
func NewLTXError(op, path string, level int, minTXID, maxTXID ltx.TXID, err error) *LTXError {
	return &LTXError{
		Op:      op,
		Path:    path,
		Level:   level,
		MinTXID: minTXID,
		MaxTXID: maxTXID,
		Err:     err,
	}
}

func (e *LTXError) Error() string {
	return fmt.Sprintf("%s ltx file %s (level=%d, %s-%s): %s", e.Op, e.Path, e.Level, e.MinTXID, e.MaxTXID, e.Err)
}

func (e *LTXError) Unwrap() error { return e.Err }

// ErrConflict is returned when the remote replica has newer transactions
// than the local position. It is classified as busy.
var ErrConflict = fmt.Errorf("remote has newer transactions than expected: %w", litevfs.ErrBusy)
