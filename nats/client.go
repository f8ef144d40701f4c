// Package nats implements a replica client backed by a NATS JetStream
// object store bucket.
package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("nats", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "nats"

// HeaderKeyTimestamp is the object header holding the LTX timestamp.
const HeaderKeyTimestamp = "Litevfs-Timestamp"

var _ replica.Client = (*Client)(nil)

// Client stores LTX files as objects in a JetStream object store. The
// bucket must already exist.
type Client struct {
	mu          sync.Mutex
	logger      *slog.Logger
	nc          *nats.Conn
	objectStore jetstream.ObjectStore

	URL        string
	BucketName string
	Path       string

	// Authentication. The first configured method wins.
	JWT      string
	Seed     string
	Creds    string
	NKey     string
	Username string
	Password string
	Token    string
	SigCB    func([]byte) ([]byte, error)

	// TLS
	RootCAs    []string
	ClientCert string
	ClientKey  string

	MaxReconnects    int
	ReconnectWait    time.Duration
	Timeout          time.Duration
	PingInterval     time.Duration
	MaxPingsOut      int
	ReconnectBufSize int
}

// NewClient returns a new instance of Client.
func NewClient() *Client {
	return &Client{
		logger:           slog.Default().WithGroup(ClientType),
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		Timeout:          10 * time.Second,
		PingInterval:     2 * time.Minute,
		MaxPingsOut:      2,
		ReconnectBufSize: 8 * 1024 * 1024,
	}
}

// NewClientFromURL returns a Client for a nats://[user:pass@]host/bucket/path
// URL. The creds and token query parameters set authentication.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	client := NewClient()
	if host != "" {
		client.URL = "nats://" + host
	}
	if userinfo != nil {
		client.Username = userinfo.Username()
		client.Password, _ = userinfo.Password()
	}

	bucket, prefix, _ := strings.Cut(strings.Trim(urlPath, "/"), "/")
	if bucket == "" {
		return nil, fmt.Errorf("bucket required for nats replica URL")
	}
	client.BucketName = bucket
	client.Path = prefix
	client.Creds = query.Get("creds")
	client.Token = query.Get("token")
	return client, nil
}

// Type returns "nats".
func (c *Client) Type() string { return ClientType }

// Init connects and opens the object store. No-op if already initialized.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.objectStore != nil {
		return nil
	} else if c.BucketName == "" {
		return fmt.Errorf("nats: bucket name is required")
	}

	nc, err := nats.Connect(c.url(), c.options()...)
	if err != nil {
		return fmt.Errorf("nats: cannot connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats: cannot create jetstream context: %w", err)
	}

	objectStore, err := js.ObjectStore(ctx, c.BucketName)
	if err != nil {
		nc.Close()
		return fmt.Errorf("nats: cannot open object store bucket %q: %w", c.BucketName, err)
	}

	c.nc, c.objectStore = nc, objectStore
	return nil
}

func (c *Client) url() string {
	if c.URL == "" {
		return nats.DefaultURL
	}
	return c.URL
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("litevfs"),
		nats.MaxReconnects(c.MaxReconnects),
		nats.ReconnectWait(c.ReconnectWait),
		nats.Timeout(c.Timeout),
		nats.PingInterval(c.PingInterval),
		nats.MaxPingsOutstanding(c.MaxPingsOut),
		nats.ReconnectBufSize(c.ReconnectBufSize),
	}

	switch {
	case c.JWT != "" && c.Seed != "":
		opts = append(opts, nats.UserJWTAndSeed(c.JWT, c.Seed))
	case c.Creds != "":
		opts = append(opts, nats.UserCredentials(c.Creds))
	case c.NKey != "":
		opts = append(opts, nats.Nkey(c.NKey, c.SigCB))
	case c.Username != "" && c.Password != "":
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	case c.Token != "":
		opts = append(opts, nats.Token(c.Token))
	}

	if c.ClientCert != "" && c.ClientKey != "" {
		opts = append(opts, nats.ClientCert(c.ClientCert, c.ClientKey))
	}
	if len(c.RootCAs) > 0 {
		opts = append(opts, nats.RootCAs(c.RootCAs...))
	}
	return opts
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
	}
	c.objectStore = nil
	return nil
}

// parseLTXPath parses an object name of the form <path>/<level>/<filename>.
func (c *Client) parseLTXPath(name string) (level int, minTXID, maxTXID ltx.TXID, err error) {
	if c.Path != "" {
		var ok bool
		if name, ok = strings.CutPrefix(name, c.Path+"/"); !ok {
			return 0, 0, 0, fmt.Errorf("invalid ltx path: %s", name)
		}
	}

	dir, filename, ok := strings.Cut(name, "/")
	if !ok || strings.Contains(filename, "/") {
		return 0, 0, 0, fmt.Errorf("invalid ltx path: %s", name)
	}

	lvl, err := strconv.ParseUint(dir, 16, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid level in path %s: %w", name, err)
	}
	if minTXID, maxTXID, err = ltx.ParseFilename(filename); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid filename in path %s: %w", name, err)
	}
	return int(lvl), minTXID, maxTXID, nil
}

// LTXFiles returns an iterator over the LTX files at level, sorted by
// minimum TXID. Object listings include headers so the stored timestamp is
// always used.
func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	objs, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]*ltx.FileInfo, 0, len(objs))
	for _, obj := range objs {
		lvl, minTXID, maxTXID, err := c.parseLTXPath(obj.Name)
		if err != nil || lvl != level || minTXID < seek {
			continue
		}

		infos = append(infos, &ltx.FileInfo{
			Level:     level,
			MinTXID:   minTXID,
			MaxTXID:   maxTXID,
			Size:      int64(obj.Size),
			CreatedAt: objectTimestamp(obj),
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].MinTXID < infos[j].MinTXID })
	return ltx.NewFileInfoSliceIterator(infos), nil
}

// OpenLTXFile returns a reader for a byte range of an LTX file. Objects are
// streamed from the start so the offset is discarded locally.
func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	name := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
	obj, err := c.objectStore.Get(ctx, name)
	if isNotFoundError(err) {
		return nil, replica.NewLTXError("open", name, level, minTXID, maxTXID, os.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("nats: cannot get object %s: %w", name, err)
	}
	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, obj, offset); err != nil {
			_ = obj.Close()
			return nil, fmt.Errorf("nats: cannot discard offset bytes: %w", err)
		}
	}

	if size > 0 {
		internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(size))
		return internal.LimitReadCloser(obj, size), nil
	}
	return obj, nil
}

// WriteLTXFile stores an LTX file with its header timestamp in the object
// headers.
func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, rd io.Reader) (*ltx.FileInfo, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	hdr, rd, err := ltx.PeekHeader(rd)
	if err != nil {
		return nil, fmt.Errorf("peek ltx header: %w", err)
	}
	timestamp := time.UnixMilli(hdr.Timestamp).UTC()

	name := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
	rc := internal.NewReadCounter(rd)
	if _, err := c.objectStore.Put(ctx, jetstream.ObjectMeta{
		Name:    name,
		Headers: nats.Header{HeaderKeyTimestamp: {timestamp.Format(time.RFC3339Nano)}},
	}, rc); err != nil {
		return nil, fmt.Errorf("nats: cannot put object %s: %w", name, err)
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "PUT").Inc()
	internal.OperationBytesCounterVec.WithLabelValues(ClientType, "PUT").Add(float64(rc.N()))

	return &ltx.FileInfo{
		Level:     level,
		MinTXID:   minTXID,
		MaxTXID:   maxTXID,
		Size:      rc.N(),
		CreatedAt: timestamp,
	}, nil
}

// DeleteLTXFiles deletes LTX files. Missing objects are ignored.
func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	for _, info := range a {
		name := replica.LTXFilePath(c.Path, info.Level, info.MinTXID, info.MaxTXID)
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "path", name)

		if err := c.objectStore.Delete(ctx, name); err != nil && !isNotFoundError(err) {
			return fmt.Errorf("nats: cannot delete object %s: %w", name, err)
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

	objs, err := c.list(ctx)
	if err != nil {
		return err
	}

	for _, obj := range objs {
		if c.Path != "" && !strings.HasPrefix(obj.Name, c.Path+"/") {
			continue
		}
		if err := c.objectStore.Delete(ctx, obj.Name); err != nil && !isNotFoundError(err) {
			return fmt.Errorf("nats: cannot delete object %s: %w", obj.Name, err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	}
	return nil
}

// list returns all objects in the bucket. An empty bucket is not an error.
func (c *Client) list(ctx context.Context) ([]*jetstream.ObjectInfo, error) {
	objs, err := c.objectStore.List(ctx)
	if errors.Is(err, jetstream.ErrNoObjectsFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("nats: cannot list objects: %w", err)
	}
	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()
	return objs, nil
}

// objectTimestamp returns the LTX timestamp stored in the object headers,
// falling back to the object modification time.
func objectTimestamp(obj *jetstream.ObjectInfo) time.Time {
	if v := obj.Headers.Get(HeaderKeyTimestamp); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return obj.ModTime.UTC()
}

func isNotFoundError(err error) bool {
	return errors.Is(err, jetstream.ErrObjectNotFound)
}
