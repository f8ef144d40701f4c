// Package oss implements a replica client backed by Alibaba Cloud Object
// Storage Service.
package oss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss"
	"github.com/aliyun/alibabacloud-oss-go-sdk-v2/oss/credentials"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("oss", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "oss"

// MetadataKeyTimestamp is the object metadata key holding the LTX timestamp.
// The SDK adds the "x-oss-meta-" prefix.
const MetadataKeyTimestamp = "litevfs-timestamp"

// MaxKeys is the number of keys OSS can operate on per batch.
const MaxKeys = 1000

// DefaultRegion is the region used if one is not specified.
const DefaultRegion = "cn-hangzhou"

var _ replica.Client = (*Client)(nil)

// Client stores LTX files as objects in an OSS bucket.
type Client struct {
	mu       sync.Mutex
	client   *oss.Client
	uploader *oss.Uploader
	logger   *slog.Logger

	AccessKeyID     string
	AccessKeySecret string

	Region   string
	Bucket   string
	Path     string
	Endpoint string

	// Multipart upload settings. Zero uses the SDK defaults.
	PartSize    int64
	Concurrency int
}

// NewClient returns a new instance of Client.
func NewClient() *Client {
	return &Client{
		logger: slog.Default().WithGroup(ClientType),
	}
}

// NewClientFromURL returns a Client for an
// oss://bucket[.oss-region.aliyuncs.com]/path URL.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	bucket, region, _ := ParseHost(host)
	if bucket == "" {
		return nil, fmt.Errorf("bucket required for oss replica URL")
	}

	client := NewClient()
	client.Bucket = bucket
	client.Region = region
	client.Path = urlPath
	if v := query.Get("region"); v != "" {
		client.Region = v
	}
	client.Endpoint = query.Get("endpoint")
	if userinfo != nil {
		client.AccessKeyID = userinfo.Username()
		client.AccessKeySecret, _ = userinfo.Password()
	}
	return client, nil
}

// Type returns "oss".
func (c *Client) Type() string { return ClientType }

// Init builds the OSS client. No-op if already initialized.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	} else if c.Bucket == "" {
		return fmt.Errorf("oss: bucket name is required")
	}

	region := c.Region
	if region == "" {
		region = DefaultRegion
	}

	cfg := oss.LoadDefaultConfig().WithRegion(region)
	if c.AccessKeyID != "" && c.AccessKeySecret != "" {
		cfg = cfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.AccessKeySecret))
	} else {
		cfg = cfg.WithCredentialsProvider(credentials.NewEnvironmentVariableCredentialsProvider())
	}
	if endpoint := c.endpoint(); endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint)
	}

	c.client = oss.NewClient(cfg)
	c.uploader = c.client.NewUploader(func(o *oss.UploaderOptions) {
		if c.PartSize > 0 {
			o.PartSize = c.PartSize
		}
		if c.Concurrency > 0 {
			o.ParallelNum = c.Concurrency
		}
	})
	return nil
}

// endpoint returns the custom endpoint with a scheme, if one is set.
func (c *Client) endpoint() string {
	if c.Endpoint == "" || strings.HasPrefix(c.Endpoint, "http://") || strings.HasPrefix(c.Endpoint, "https://") {
		return c.Endpoint
	}
	return "https://" + c.Endpoint
}

func (c *Client) ltxKey(level int, minTXID, maxTXID ltx.TXID) string {
	return replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
}

// LTXFiles returns an iterator over the LTX files at level, sorted by
// minimum TXID. When useMetadata is set, timestamps are read from object
// metadata with a HEAD request per file.
func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return newFileIterator(ctx, c, level, seek, useMetadata), nil
}

// OpenLTXFile returns a reader for a byte range of an LTX file.
func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	key := c.ltxKey(level, minTXID, maxTXID)
	req := &oss.GetObjectRequest{
		Bucket: oss.Ptr(c.Bucket),
		Key:    oss.Ptr(key),
	}
	if size > 0 {
		req.RangeBehavior = oss.Ptr("standard")
		req.Range = oss.Ptr(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
	} else if offset > 0 {
		req.RangeBehavior = oss.Ptr("standard")
		req.Range = oss.Ptr(fmt.Sprintf("bytes=%d-", offset))
	}

	out, err := c.client.GetObject(ctx, req)
	if isNotExists(err) {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, os.ErrNotExist)
	} else if err != nil {
		return nil, fmt.Errorf("oss: get object %s: %w", key, err)
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()
	internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(out.ContentLength))
	return out.Body, nil
}

// WriteLTXFile uploads an LTX file with its header timestamp stored in
// object metadata.
func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, rd io.Reader) (*ltx.FileInfo, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	hdr, rd, err := ltx.PeekHeader(rd)
	if err != nil {
		return nil, fmt.Errorf("peek ltx header: %w", err)
	}
	timestamp := time.UnixMilli(hdr.Timestamp).UTC()

	key := c.ltxKey(level, minTXID, maxTXID)
	rc := internal.NewReadCounter(rd)
	out, err := c.uploader.UploadFrom(ctx, &oss.PutObjectRequest{
		Bucket:   oss.Ptr(c.Bucket),
		Key:      oss.Ptr(key),
		Metadata: map[string]string{MetadataKeyTimestamp: timestamp.Format(time.RFC3339Nano)},
	}, rc)
	if err != nil {
		return nil, fmt.Errorf("oss: upload to %s: %w", key, err)
	} else if out.ETag == nil || *out.ETag == "" {
		return nil, fmt.Errorf("oss: upload to %s: no etag returned", key)
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

// DeleteLTXFiles deletes LTX files in batches of MaxKeys.
func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	objects := make([]oss.DeleteObject, 0, len(a))
	for _, info := range a {
		key := c.ltxKey(info.Level, info.MinTXID, info.MaxTXID)
		objects = append(objects, oss.DeleteObject{Key: oss.Ptr(key)})
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "key", key)
	}
	return c.deleteObjects(ctx, objects)
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

	var objects []oss.DeleteObject
	paginator := c.client.NewListObjectsV2Paginator(&oss.ListObjectsV2Request{
		Bucket: oss.Ptr(c.Bucket),
		Prefix: oss.Ptr(prefix),
	})
	for paginator.HasNext() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("oss: list objects page: %w", err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()

		for _, obj := range page.Contents {
			if obj.Key != nil {
				objects = append(objects, oss.DeleteObject{Key: obj.Key})
			}
		}
	}
	return c.deleteObjects(ctx, objects)
}

func (c *Client) deleteObjects(ctx context.Context, objects []oss.DeleteObject) error {
	for len(objects) > 0 {
		n := min(len(objects), MaxKeys)
		batch := objects[:n]

		out, err := c.client.DeleteMultipleObjects(ctx, &oss.DeleteMultipleObjectsRequest{
			Bucket:  oss.Ptr(c.Bucket),
			Objects: batch,
		})
		if err != nil {
			return fmt.Errorf("oss: delete batch of %d objects: %w", n, err)
		} else if err := deleteResultError(batch, out); err != nil {
			return err
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()

		objects = objects[n:]
	}
	return nil
}

// fileIterator lazily pages through the objects of one level.
type fileIterator struct {
	ctx         context.Context
	cancel      context.CancelFunc
	client      *Client
	level       int
	seek        ltx.TXID
	useMetadata bool

	paginator *oss.ListObjectsV2Paginator
	page      *oss.ListObjectsV2Result
	pageIndex int

	closed bool
	err    error
	info   *ltx.FileInfo
}

func newFileIterator(ctx context.Context, client *Client, level int, seek ltx.TXID, useMetadata bool) *fileIterator {
	ctx, cancel := context.WithCancel(ctx)

	req := &oss.ListObjectsV2Request{
		Bucket: oss.Ptr(client.Bucket),
		Prefix: oss.Ptr(replica.LTXLevelDir(client.Path, level) + "/"),
	}
	if seek > 1 {
		req.StartAfter = oss.Ptr(client.ltxKey(level, seek-1, ltx.TXID(1<<63-1)))
	}

	return &fileIterator{
		ctx:         ctx,
		cancel:      cancel,
		client:      client,
		level:       level,
		seek:        seek,
		useMetadata: useMetadata,
		paginator:   client.client.NewListObjectsV2Paginator(req),
	}
}

// Close stops iteration.
func (itr *fileIterator) Close() error {
	itr.closed = true
	itr.cancel()
	return nil
}

// Next advances to the next LTX file. Returns false at the end or on error.
func (itr *fileIterator) Next() bool {
	if itr.closed || itr.err != nil {
		return false
	}

	for {
		if itr.page == nil || itr.pageIndex >= len(itr.page.Contents) {
			if !itr.paginator.HasNext() {
				return false
			}

			page, err := itr.paginator.NextPage(itr.ctx)
			if err != nil {
				itr.err = err
				return false
			}
			internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()
			itr.page, itr.pageIndex = page, 0
			continue
		}

		obj := itr.page.Contents[itr.pageIndex]
		itr.pageIndex++
		if obj.Key == nil {
			continue
		}

		minTXID, maxTXID, err := ltx.ParseFilename(path.Base(*obj.Key))
		if err != nil || minTXID < itr.seek {
			continue
		}

		info := &ltx.FileInfo{
			Level:   itr.level,
			MinTXID: minTXID,
			MaxTXID: maxTXID,
			Size:    obj.Size,
		}
		if obj.LastModified != nil {
			info.CreatedAt = obj.LastModified.UTC()
		}

		if itr.useMetadata {
			if info.CreatedAt, err = itr.metadataTimestamp(*obj.Key, info.CreatedAt); err != nil {
				itr.err = err
				return false
			}
		}

		itr.info = info
		return true
	}
}

// metadataTimestamp returns the stored LTX timestamp for key, or def if the
// object has none.
func (itr *fileIterator) metadataTimestamp(key string, def time.Time) (time.Time, error) {
	head, err := itr.client.client.HeadObject(itr.ctx, &oss.HeadObjectRequest{
		Bucket: oss.Ptr(itr.client.Bucket),
		Key:    oss.Ptr(key),
	})
	if err != nil {
		return def, fmt.Errorf("fetch object metadata: %w", err)
	}

	v, ok := head.Metadata[MetadataKeyTimestamp]
	if !ok {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return def, fmt.Errorf("parse timestamp from metadata: %w", err)
	}
	return t, nil
}

// Item returns the current file.
func (itr *fileIterator) Item() *ltx.FileInfo { return itr.info }

// Err returns the error that stopped iteration, if any.
func (itr *fileIterator) Err() error { return itr.err }

// ParseHost parses an OSS host of the form bucket.oss-region.aliyuncs.com,
// its -internal variant, or a bare bucket name.
func ParseHost(host string) (bucket, region, endpoint string) {
	if a := ossInternalRegex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], ""
	}
	if a := ossRegex.FindStringSubmatch(host); a != nil {
		return a[1], a[2], ""
	}
	return host, "", ""
}

var (
	ossRegex         = regexp.MustCompile(`^(?:([^.]+)\.)?oss-([^.]+)\.aliyuncs\.com$`)
	ossInternalRegex = regexp.MustCompile(`^(?:([^.]+)\.)?oss-(.+?)-internal\.aliyuncs\.com$`)
)

func isNotExists(err error) bool {
	var serviceErr *oss.ServiceError
	return errors.As(err, &serviceErr) && serviceErr.Code == "NoSuchKey"
}

// deleteResultError returns an error listing the requested keys that are
// missing from the batch delete result.
func deleteResultError(requested []oss.DeleteObject, out *oss.DeleteMultipleObjectsResult) error {
	if out == nil {
		return nil
	}

	deleted := make(map[string]struct{}, len(out.DeletedObjects))
	for _, obj := range out.DeletedObjects {
		if obj.Key != nil {
			deleted[*obj.Key] = struct{}{}
		}
	}

	var b strings.Builder
	for _, obj := range requested {
		if obj.Key == nil {
			continue
		}
		if _, ok := deleted[*obj.Key]; !ok {
			fmt.Fprintf(&b, "\n%s", *obj.Key)
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return errors.New("oss: failed to delete files:" + b.String())
}
