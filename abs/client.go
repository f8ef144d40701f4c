// Package abs implements a replica client for Azure Blob Storage.
package abs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("abs", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "abs"

// MetadataKeyTimestamp is the blob metadata key holding the LTX timestamp.
// Azure metadata keys must be valid C# identifiers.
const MetadataKeyTimestamp = "litevfstimestamp"

var _ replica.Client = (*Client)(nil)

// Client stores LTX files as block blobs under a prefix in a container.
type Client struct {
	mu     sync.Mutex
	client *azblob.Client
	logger *slog.Logger

	// Azure credentials. Without an account key the default Azure
	// credential chain is used.
	AccountName string
	AccountKey  string
	Endpoint    string

	// Container information
	Bucket string
	Path   string
}

// NewClient returns a new instance of Client.
func NewClient() *Client {
	return &Client{
		logger: slog.Default().WithGroup(ClientType),
	}
}

// NewClientFromURL returns a Client for an abs://[account@]container/path
// URL.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	if host == "" {
		return nil, fmt.Errorf("container required for abs replica URL")
	}

	client := NewClient()
	client.Bucket = host
	client.Path = urlPath
	client.Endpoint = query.Get("endpoint")
	if userinfo != nil {
		client.AccountName = userinfo.Username()
		if key, ok := userinfo.Password(); ok {
			client.AccountKey = key
		}
	}
	return client, nil
}

// Type returns "abs".
func (c *Client) Type() string { return ClientType }

// Init initializes the connection to Azure. No-op if already initialized.
func (c *Client) Init(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	} else if c.AccountName == "" && c.Endpoint == "" {
		return fmt.Errorf("abs: account name required")
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
	}

	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{TryTimeout: 24 * time.Hour},
		},
	}

	accountKey := c.AccountKey
	if accountKey == "" {
		accountKey = os.Getenv("LITEVFS_AZURE_ACCOUNT_KEY")
	}

	if accountKey != "" {
		cred, err := azblob.NewSharedKeyCredential(c.AccountName, accountKey)
		if err != nil {
			return fmt.Errorf("abs: cannot create shared key credential: %w", err)
		}
		if c.client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, opts); err != nil {
			return fmt.Errorf("abs: cannot create client: %w", err)
		}
		return nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return fmt.Errorf("abs: cannot create default credential: %w", err)
	}
	if c.client, err = azblob.NewClient(endpoint, cred, opts); err != nil {
		return fmt.Errorf("abs: cannot create client: %w", err)
	}
	return nil
}

// LTXFiles returns an iterator over the LTX files at level. Blob metadata
// is included in the listing so the stored timestamp is always used.
func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	pager := c.client.NewListBlobsFlatPager(c.Bucket, &azblob.ListBlobsFlatOptions{
		Prefix:  to(replica.LTXLevelDir(c.Path, level) + "/"),
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	return &fileIterator{ctx: ctx, pager: pager, level: level, seek: seek}, nil
}

// OpenLTXFile returns a reader for a byte range of an LTX file.
func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	key := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
	resp, err := c.client.DownloadStream(ctx, c.Bucket, key, &azblob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: size},
	})
	if isNotExists(err) {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, os.ErrNotExist)
	} else if err != nil {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, err)
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()
	if resp.ContentLength != nil {
		internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(*resp.ContentLength))
	}
	return resp.Body, nil
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

	rc := internal.NewReadCounter(io.MultiReader(&buf, rd))
	key := replica.LTXFilePath(c.Path, level, minTXID, maxTXID)

	if _, err := c.client.UploadStream(ctx, c.Bucket, key, rc, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to("application/octet-stream")},
		Metadata:    map[string]*string{MetadataKeyTimestamp: to(timestamp.Format(time.RFC3339Nano))},
	}); err != nil {
		return nil, fmt.Errorf("abs: upload %s: %w", key, err)
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

// DeleteLTXFiles deletes LTX files. Missing blobs are ignored.
func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	for _, info := range a {
		key := replica.LTXFilePath(c.Path, info.Level, info.MinTXID, info.MaxTXID)
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "key", key)

		if err := c.deleteBlob(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll deletes every blob under the client path.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	var prefix *string
	if c.Path != "" {
		prefix = to(c.Path + "/")
	}

	pager := c.client.NewListBlobsFlatPager(c.Bucket, &azblob.ListBlobsFlatOptions{Prefix: prefix})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("abs: list blobs: %w", err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()

		for _, item := range resp.Segment.BlobItems {
			if err := c.deleteBlob(ctx, *item.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) deleteBlob(ctx context.Context, key string) error {
	if _, err := c.client.DeleteBlob(ctx, c.Bucket, key, nil); err != nil && !isNotExists(err) {
		return fmt.Errorf("abs: cannot delete blob %q: %w", key, err)
	}
	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Inc()
	return nil
}

type fileIterator struct {
	ctx   context.Context
	pager *runtime.Pager[azblob.ListBlobsFlatResponse]
	level int
	seek  ltx.TXID

	infos []*ltx.FileInfo
	info  *ltx.FileInfo
	err   error
}

func (itr *fileIterator) Close() error { return itr.err }

func (itr *fileIterator) Next() bool {
	for itr.err == nil {
		if len(itr.infos) > 0 {
			itr.info, itr.infos = itr.infos[0], itr.infos[1:]
			return true
		} else if !itr.pager.More() {
			return false
		}

		resp, err := itr.pager.NextPage(itr.ctx)
		if err != nil {
			itr.err = err
			return false
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()

		for _, item := range resp.Segment.BlobItems {
			if info := blobFileInfo(item, itr.level, itr.seek); info != nil {
				itr.infos = append(itr.infos, info)
			}
		}
	}
	return false
}

// blobFileInfo returns nil for blobs that are not LTX files or precede seek.
func blobFileInfo(item *container.BlobItem, level int, seek ltx.TXID) *ltx.FileInfo {
	if item == nil || item.Name == nil {
		return nil
	}
	minTXID, maxTXID, err := ltx.ParseFilename(path.Base(*item.Name))
	if err != nil || minTXID < seek {
		return nil
	}

	info := &ltx.FileInfo{Level: level, MinTXID: minTXID, MaxTXID: maxTXID}
	if props := item.Properties; props != nil {
		if props.ContentLength != nil {
			info.Size = *props.ContentLength
		}
		if props.CreationTime != nil {
			info.CreatedAt = props.CreationTime.UTC()
		}
	}
	if ts := item.Metadata[MetadataKeyTimestamp]; ts != nil {
		if t, err := time.Parse(time.RFC3339Nano, *ts); err == nil {
			info.CreatedAt = t
		}
	}
	return info
}

func (itr *fileIterator) Item() *ltx.FileInfo { return itr.info }

func (itr *fileIterator) Err() error { return itr.err }

func isNotExists(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound)
}

func to[T any](v T) *T { return &v }
