// Package gs implements a replica client for Google Cloud Storage.
package gs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/superfly/ltx"
	"google.golang.org/api/iterator"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("gs", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "gs"

// MetadataKeyTimestamp is the object metadata key holding the LTX timestamp.
const MetadataKeyTimestamp = "litevfs-timestamp"

var _ replica.Client = (*Client)(nil)

// Client stores LTX files as objects under a prefix in a GCS bucket.
type Client struct {
	mu     sync.Mutex
	client *storage.Client
	bkt    *storage.BucketHandle
	logger *slog.Logger

	Bucket string
	Path   string
}

// NewClient returns a new instance of Client.
func NewClient() *Client {
	return &Client{
		logger: slog.Default().WithGroup(ClientType),
	}
}

// NewClientFromURL returns a Client for a gs:// URL. Credentials come from
// the application default credentials.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	if host == "" {
		return nil, fmt.Errorf("bucket required for gs replica URL")
	}

	client := NewClient()
	client.Bucket = host
	client.Path = urlPath
	return client, nil
}

// Type returns "gs".
func (c *Client) Type() string { return ClientType }

// Init initializes the connection to GCS. No-op if already initialized.
func (c *Client) Init(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if c.client, err = storage.NewClient(ctx); err != nil {
		return fmt.Errorf("gs: cannot create client (bucket: %s): %w", c.Bucket, err)
	}
	c.bkt = c.client.Bucket(c.Bucket)
	return nil
}

// LTXFiles returns an iterator over the LTX files at level. GCS returns
// object metadata with the listing so the stored timestamp is always used.
func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	dir := replica.LTXLevelDir(c.Path, level)
	query := &storage.Query{Prefix: dir + "/"}
	if seek > 0 {
		query.StartOffset = dir + "/" + seek.String()
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()
	return &fileIterator{it: c.bkt.Objects(ctx, query), level: level, seek: seek}, nil
}

// OpenLTXFile returns a reader for a byte range of an LTX file.
func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	// A range length of -1 reads to the end of the object.
	length := size
	if length <= 0 {
		length = -1
	}

	key := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
	r, err := c.bkt.Object(key).NewRangeReader(ctx, offset, length)
	if isNotExists(err) {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, os.ErrNotExist)
	} else if err != nil {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, err)
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()
	internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(r.Remain()))
	return r, nil
}

// WriteLTXFile uploads an LTX file with its timestamp stored in metadata.
func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, rd io.Reader) (*ltx.FileInfo, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	hdr, _, err := ltx.PeekHeader(io.TeeReader(rd, &buf))
	if err != nil {
		return nil, fmt.Errorf("peek ltx header: %w", err)
	}
	timestamp := time.UnixMilli(hdr.Timestamp).UTC()

	key := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
	w := c.bkt.Object(key).NewWriter(ctx)
	defer w.Close()

	w.Metadata = map[string]string{MetadataKeyTimestamp: timestamp.Format(time.RFC3339Nano)}

	n, err := io.Copy(w, io.MultiReader(&buf, rd))
	if err != nil {
		return nil, err
	} else if err := w.Close(); err != nil {
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

// DeleteLTXFiles deletes LTX files. Missing objects are ignored.
func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	for _, info := range a {
		key := replica.LTXFilePath(c.Path, info.Level, info.MinTXID, info.MaxTXID)
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "key", key)

		if err := c.bkt.Object(key).Delete(ctx); err != nil && !isNotExists(err) {
			return fmt.Errorf("gs: cannot delete ltx file %q: %w", key, err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	}
	return nil
}

// DeleteAll deletes every object under the client path.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	var prefix string
	if c.Path != "" {
		prefix = c.Path + "/"
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()
	for it := c.bkt.Objects(ctx, &storage.Query{Prefix: prefix}); ; {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		} else if err != nil {
			return fmt.Errorf("gs: cannot list objects (bucket: %s, path: %s): %w", c.Bucket, c.Path, err)
		}

		if err := c.bkt.Object(attrs.Name).Delete(ctx); isNotExists(err) {
			continue
		} else if err != nil {
			return fmt.Errorf("gs: cannot delete object %q: %w", attrs.Name, err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	}
	return nil
}

type fileIterator struct {
	it    *storage.ObjectIterator
	level int
	seek  ltx.TXID
	info  *ltx.FileInfo
	err   error
}

func (itr *fileIterator) Close() error { return itr.err }

func (itr *fileIterator) Next() bool {
	if itr.err != nil {
		return false
	}

	for {
		attrs, err := itr.it.Next()
		if errors.Is(err, iterator.Done) {
			return false
		} else if err != nil {
			itr.err = err
			return false
		}

		minTXID, maxTXID, err := ltx.ParseFilename(path.Base(attrs.Name))
		if err != nil || minTXID < itr.seek {
			continue
		}

		createdAt := attrs.Created.UTC()
		if ts, ok := attrs.Metadata[MetadataKeyTimestamp]; ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				createdAt = t
			}
		}

		itr.info = &ltx.FileInfo{
			Level:     itr.level,
			MinTXID:   minTXID,
			MaxTXID:   maxTXID,
			Size:      attrs.Size,
			CreatedAt: createdAt,
		}
		return true
	}
}

func (itr *fileIterator) Item() *ltx.FileInfo { return itr.info }

func (itr *fileIterator) Err() error { return itr.err }

func isNotExists(err error) bool {
	return errors.Is(err, storage.ErrObjectNotExist)
}
