// Package file implements a replica client that stores LTX files on the
// local disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("file", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "file"

var _ replica.Client = (*Client)(nil)

// Client stores LTX files under a directory, one subdirectory per level.
type Client struct {
	path   string
	logger *slog.Logger

	// FileMode and DirMode are used for new files and directories.
	FileMode os.FileMode
	DirMode  os.FileMode
}

// NewClient returns a new instance of Client rooted at path.
func NewClient(path string) *Client {
	return &Client{
		path:     path,
		logger:   slog.Default().WithGroup(ClientType),
		FileMode: 0o644,
		DirMode:  0o755,
	}
}

// NewClientFromURL returns a Client for a file:// URL.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	if urlPath == "" {
		return nil, fmt.Errorf("file replica path required")
	}
	return NewClient(urlPath), nil
}

// Type returns "file".
func (c *Client) Type() string { return ClientType }

// Init is a no-op. Directories are created on first write.
func (c *Client) Init(ctx context.Context) error { return nil }

// Path returns the root directory.
func (c *Client) Path() string { return c.path }

// LTXLevelDir returns the directory holding files for level.
func (c *Client) LTXLevelDir(level int) string {
	return filepath.FromSlash(replica.LTXLevelDir(filepath.ToSlash(c.path), level))
}

// LTXFilePath returns the path of an LTX file.
func (c *Client) LTXFilePath(level int, minTXID, maxTXID ltx.TXID) string {
	return filepath.FromSlash(replica.LTXFilePath(filepath.ToSlash(c.path), level, minTXID, maxTXID))
}

// LTXFiles returns an iterator over the LTX files at level. The modification
// time always carries the file timestamp so useMetadata is ignored.
func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	ents, err := os.ReadDir(c.LTXLevelDir(level))
	if errors.Is(err, fs.ErrNotExist) {
		return ltx.NewFileInfoSliceIterator(nil), nil
	} else if err != nil {
		return nil, err
	}

	infos := make([]*ltx.FileInfo, 0, len(ents))
	for _, ent := range ents {
		minTXID, maxTXID, err := ltx.ParseFilename(ent.Name())
		if err != nil || minTXID < seek {
			continue
		}

		fi, err := ent.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue // removed since listing
		} else if err != nil {
			return nil, err
		}

		infos = append(infos, &ltx.FileInfo{
			Level:     level,
			MinTXID:   minTXID,
			MaxTXID:   maxTXID,
			Size:      fi.Size(),
			CreatedAt: fi.ModTime().UTC(),
		})
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()
	return ltx.NewFileInfoSliceIterator(infos), nil
}

// OpenLTXFile returns a reader for a range of an LTX file.
func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	path := c.LTXFilePath(level, minTXID, maxTXID)
	f, err := os.Open(path)
	if err != nil {
		return nil, replica.NewLTXError("open", path, level, minTXID, maxTXID, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()
	if size > 0 {
		internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(size))
		return internal.LimitReadCloser(f, size), nil
	}
	return f, nil
}

// WriteLTXFile writes an LTX file to a temporary file and renames it into
// place. The modification time is set to the header timestamp.
func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, rd io.Reader) (info *ltx.FileInfo, err error) {
	hdr, rd, err := ltx.PeekHeader(rd)
	if err != nil {
		return nil, fmt.Errorf("peek ltx header: %w", err)
	}
	timestamp := time.UnixMilli(hdr.Timestamp).UTC()

	filename := c.LTXFilePath(level, minTXID, maxTXID)
	if err := os.MkdirAll(filepath.Dir(filename), c.DirMode); err != nil {
		return nil, err
	}

	// Concurrent writers of the same file each get their own temp file.
	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*.tmp")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
		if err != nil {
			_ = os.Remove(f.Name())
		}
	}()

	n, err := io.Copy(f, rd)
	if err != nil {
		return nil, err
	} else if err := f.Chmod(c.FileMode); err != nil {
		return nil, err
	} else if err := f.Sync(); err != nil {
		return nil, err
	} else if err := f.Close(); err != nil {
		return nil, err
	}

	if err := os.Rename(f.Name(), filename); err != nil {
		return nil, err
	} else if err := os.Chtimes(filename, timestamp, timestamp); err != nil {
		return nil, err
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "PUT").Inc()
	internal.OperationBytesCounterVec.WithLabelValues(ClientType, "PUT").Add(float64(n))

	return &ltx.FileInfo{
		Level:     level,
		MinTXID:   minTXID,
		MaxTXID:   maxTXID,
		Size:      n,
		CreatedAt: timestamp,
	}, nil
}

// DeleteLTXFiles deletes LTX files. Missing files are ignored.
func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	for _, info := range a {
		filename := c.LTXFilePath(info.Level, info.MinTXID, info.MaxTXID)
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "path", filename)

		if err := os.Remove(filename); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	}
	return nil
}

// DeleteAll removes the root directory.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := os.RemoveAll(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
