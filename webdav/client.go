// Package webdav implements a replica client backed by a WebDAV server.
package webdav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/studio-b12/gowebdav"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("webdav", NewClientFromURL)
	replica.RegisterClientFactory("webdavs", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "webdav"

// DefaultTimeout is the default HTTP timeout for requests.
const DefaultTimeout = 30 * time.Second

var _ replica.Client = (*Client)(nil)

// Client stores LTX files as resources on a WebDAV server.
type Client struct {
	mu     sync.Mutex
	client *gowebdav.Client
	logger *slog.Logger

	URL      string
	Username string
	Password string
	Path     string
	Timeout  time.Duration
}

// NewClient returns a new instance of Client.
func NewClient() *Client {
	return &Client{
		logger:  slog.Default().WithGroup(ClientType),
		Timeout: DefaultTimeout,
	}
}

// NewClientFromURL returns a Client for a webdav://[user[:pass]@]host/path
// URL. The webdavs scheme connects over HTTPS.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	if host == "" {
		return nil, fmt.Errorf("host required for webdav replica URL")
	}

	httpScheme := "http"
	if scheme == "webdavs" {
		httpScheme = "https"
	}

	client := NewClient()
	client.URL = fmt.Sprintf("%s://%s", httpScheme, host)
	client.Path = urlPath
	if userinfo != nil {
		client.Username = userinfo.Username()
		client.Password, _ = userinfo.Password()
	}
	return client, nil
}

// Type returns "webdav".
func (c *Client) Type() string { return ClientType }

// Init connects to the server. No-op if already connected.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.init(ctx)
	return err
}

func (c *Client) init(ctx context.Context) (*gowebdav.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	} else if c.URL == "" {
		return nil, fmt.Errorf("webdav url required")
	}

	client := gowebdav.NewClient(c.URL, c.Username, c.Password)
	client.SetTimeout(c.Timeout)
	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("webdav: cannot connect to server: %w", err)
	}
	c.client = client
	return c.client, nil
}

// LTXFiles returns an iterator over the LTX files at level, sorted by
// minimum TXID. Creation times are the server's modification times.
func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	client, err := c.init(ctx)
	if err != nil {
		return nil, err
	}

	dir := replica.LTXLevelDir(c.Path, level)
	fis, err := client.ReadDir(dir)
	if isNotExists(err) {
		return ltx.NewFileInfoSliceIterator(nil), nil
	} else if err != nil {
		return nil, fmt.Errorf("webdav: cannot read directory %q: %w", dir, err)
	}
	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()

	infos := make([]*ltx.FileInfo, 0, len(fis))
	for _, fi := range fis {
		if fi.IsDir() {
			continue
		}

		minTXID, maxTXID, err := ltx.ParseFilename(path.Base(fi.Name()))
		if err != nil || minTXID < seek {
			continue
		}

		infos = append(infos, &ltx.FileInfo{
			Level:     level,
			MinTXID:   minTXID,
			MaxTXID:   maxTXID,
			Size:      fi.Size(),
			CreatedAt: fi.ModTime().UTC(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].MinTXID != infos[j].MinTXID {
			return infos[i].MinTXID < infos[j].MinTXID
		}
		return infos[i].MaxTXID < infos[j].MaxTXID
	})
	return ltx.NewFileInfoSliceIterator(infos), nil
}

// OpenLTXFile returns a reader for a byte range of an LTX file.
func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	client, err := c.init(ctx)
	if err != nil {
		return nil, err
	}

	filename := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)

	var rc io.ReadCloser
	if size > 0 {
		rc, err = client.ReadStreamRange(filename, offset, size)
	} else {
		rc, err = client.ReadStream(filename)
	}
	if isNotExists(err) {
		return nil, replica.NewLTXError("open", filename, level, minTXID, maxTXID, os.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("webdav: cannot read file %q: %w", filename, err)
	}
	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()

	if size > 0 {
		internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(size))
		return internal.LimitReadCloser(rc, size), nil
	}

	// Read to the end from an offset by discarding the prefix.
	if offset > 0 {
		if _, err := io.CopyN(io.Discard, rc, offset); err == io.EOF {
			_ = rc.Close()
			return io.NopCloser(bytes.NewReader(nil)), nil
		} else if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("webdav: cannot skip offset in file %q: %w", filename, err)
		}
	}
	return rc, nil
}

// WriteLTXFile uploads an LTX file. The body is staged in a local temporary
// file so the request carries a Content-Length; some servers drop chunked
// request bodies.
func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, rd io.Reader) (*ltx.FileInfo, error) {
	client, err := c.init(ctx)
	if err != nil {
		return nil, err
	}

	hdr, rd, err := ltx.PeekHeader(rd)
	if err != nil {
		return nil, fmt.Errorf("peek ltx header: %w", err)
	}
	timestamp := time.UnixMilli(hdr.Timestamp).UTC()

	tmpFile, err := os.CreateTemp("", "litevfs-webdav-*.ltx")
	if err != nil {
		return nil, fmt.Errorf("webdav: cannot create temp file: %w", err)
	}
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
	}()

	size, err := io.Copy(tmpFile, rd)
	if err != nil {
		return nil, fmt.Errorf("webdav: cannot copy to temp file: %w", err)
	} else if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("webdav: cannot seek temp file: %w", err)
	}

	filename := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
	if err := client.MkdirAll(path.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("webdav: cannot create parent directory %q: %w", path.Dir(filename), err)
	}
	if err := client.WriteStreamWithLength(filename, tmpFile, size, 0o644); err != nil {
		return nil, fmt.Errorf("webdav: cannot write file %q: %w", filename, err)
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "PUT").Inc()
	internal.OperationBytesCounterVec.WithLabelValues(ClientType, "PUT").Add(float64(size))

	return &ltx.FileInfo{
		Level:     level,
		MinTXID:   minTXID,
		MaxTXID:   maxTXID,
		Size:      size,
		CreatedAt: timestamp,
	}, nil
}

// DeleteLTXFiles deletes LTX files. Missing files are ignored.
func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	client, err := c.init(ctx)
	if err != nil {
		return err
	}

	for _, info := range a {
		filename := replica.LTXFilePath(c.Path, info.Level, info.MinTXID, info.MaxTXID)
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "path", filename)

		if err := client.Remove(filename); err != nil && !isNotExists(err) {
			return fmt.Errorf("webdav: cannot delete ltx file %q: %w", filename, err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	}
	return nil
}

// DeleteAll removes the client path recursively.
func (c *Client) DeleteAll(ctx context.Context) error {
	client, err := c.init(ctx)
	if err != nil {
		return err
	}

	if err := client.RemoveAll(c.Path); err != nil && !isNotExists(err) {
		return fmt.Errorf("webdav: cannot delete path %q: %w", c.Path, err)
	}
	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	return nil
}

func isNotExists(err error) bool {
	return err != nil && (os.IsNotExist(err) || gowebdav.IsErrNotFound(err))
}
