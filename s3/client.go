// Package s3 implements a replica client for Amazon S3 and S3-compatible
// object stores.
package s3

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/internal"
	"github.com/benbjohnson/litevfs/replica"
)

func init() {
	replica.RegisterClientFactory("s3", NewClientFromURL)
}

// ClientType is the client type for this package.
const ClientType = "s3"

// MetadataKeyTimestamp is the object metadata key holding the LTX timestamp.
const MetadataKeyTimestamp = "litevfs-timestamp"

// MaxKeys is the number of keys S3 can operate on per batch.
const MaxKeys = 1000

// DefaultRegion is the region used if one is not specified.
const DefaultRegion = "us-east-1"

var _ replica.Client = (*Client)(nil)

// Client stores LTX files as objects under a key prefix in a bucket.
type Client struct {
	mu       sync.Mutex
	s3       *s3.Client
	uploader *manager.Uploader
	logger   *slog.Logger

	// AWS authentication keys.
	AccessKeyID     string
	SecretAccessKey string

	// S3 bucket information
	Region            string
	Bucket            string
	Path              string
	Endpoint          string
	ForcePathStyle    bool
	SkipVerify        bool
	SignPayload       bool
	RequireContentMD5 bool

	// Multipart upload settings. Zero uses the SDK defaults.
	PartSize    int64
	Concurrency int
}

// NewClient returns a new instance of Client.
func NewClient() *Client {
	return &Client{
		logger:            slog.Default().WithGroup(ClientType),
		RequireContentMD5: true,
		SignPayload:       true,
	}
}

// NewClientFromURL returns a Client for an s3:// URL. Credentials are read
// from AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY, falling back to the
// LITEVFS_ prefixed variables.
func NewClientFromURL(scheme, host, urlPath string, query url.Values, userinfo *url.Userinfo) (replica.Client, error) {
	client := NewClient()

	var bucket, region, endpoint string
	var forcePathStyle bool
	if strings.HasPrefix(host, "arn:") {
		bucket, region = host, replica.RegionFromS3ARN(host)
	} else {
		bucket, region, endpoint, forcePathStyle = ParseHost(host)
	}

	_, forcePathStyleSet := replica.BoolQueryValue(query, "forcePathStyle", "force-path-style")
	if v := query.Get("endpoint"); v != "" {
		if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
			v = "http://" + v
		}
		endpoint, forcePathStyle = v, true
	}
	if v := query.Get("region"); v != "" {
		region = v
	}
	if v, ok := replica.BoolQueryValue(query, "forcePathStyle", "force-path-style"); ok {
		forcePathStyle = v
	}
	if v, ok := replica.BoolQueryValue(query, "skipVerify", "skip-verify"); ok {
		client.SkipVerify = v
	}
	signPayload, signPayloadSet := replica.BoolQueryValue(query, "signPayload", "sign-payload")
	requireMD5, requireMD5Set := replica.BoolQueryValue(query, "requireContentMD5", "require-content-md5")

	if bucket == "" {
		return nil, fmt.Errorf("bucket required for s3 replica URL")
	}

	client.AccessKeyID = firstEnv("AWS_ACCESS_KEY_ID", "LITEVFS_ACCESS_KEY_ID")
	client.SecretAccessKey = firstEnv("AWS_SECRET_ACCESS_KEY", "LITEVFS_SECRET_ACCESS_KEY")

	// Provider defaults apply only where the URL does not say otherwise.
	isMinIO := replica.IsMinIOEndpoint(endpoint)
	if replica.IsTigrisEndpoint(endpoint) && !requireMD5Set {
		requireMD5, requireMD5Set = false, true
	}
	if !signPayloadSet && (replica.IsTigrisEndpoint(endpoint) ||
		replica.IsDigitalOceanEndpoint(endpoint) ||
		replica.IsBackblazeEndpoint(endpoint) ||
		replica.IsFilebaseEndpoint(endpoint) ||
		replica.IsScalewayEndpoint(endpoint) ||
		replica.IsCloudflareR2Endpoint(endpoint) ||
		isMinIO) {
		signPayload, signPayloadSet = true, true
	}
	if !forcePathStyleSet && (replica.IsFilebaseEndpoint(endpoint) || replica.IsBackblazeEndpoint(endpoint) || isMinIO) {
		forcePathStyle = true
	}

	client.Bucket = bucket
	client.Path = urlPath
	client.Region = region
	client.Endpoint = endpoint
	client.ForcePathStyle = forcePathStyle
	if signPayloadSet {
		client.SignPayload = signPayload
	}
	if requireMD5Set {
		client.RequireContentMD5 = requireMD5
	}
	return client, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Type returns "s3".
func (c *Client) Type() string { return ClientType }

// Init initializes the connection to S3. No-op if already initialized.
func (c *Client) Init(ctx context.Context) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.s3 != nil {
		return nil
	} else if c.Bucket == "" {
		return fmt.Errorf("s3: bucket name is required")
	}

	// Custom endpoints are usually not AWS and may not support lookups.
	region := c.Region
	if region == "" {
		if c.Endpoint != "" {
			region = DefaultRegion
		} else if region, err = c.findBucketRegion(ctx, c.Bucket); err != nil {
			return fmt.Errorf("s3: cannot lookup bucket region: %w", err)
		}
	}

	httpClient := &http.Client{Timeout: 24 * time.Hour}
	if c.SkipVerify {
		httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		}
	}

	cfg, err := config.LoadDefaultConfig(ctx, c.configOptions(
		config.WithRegion(region),
		config.WithRetryMode(aws.RetryModeAdaptive),
		config.WithRetryMaxAttempts(10),
		config.WithHTTPClient(httpClient),
	)...)
	if err != nil {
		return fmt.Errorf("s3: cannot load aws config: %w", err)
	}

	opts := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = c.ForcePathStyle
			o.UseARNRegion = true
			o.APIOptions = append(o.APIOptions, c.middlewareOption())
		},
	}

	// S3-compatible stores reject the aws-chunked encoding used for
	// automatic request checksums.
	if c.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		})
	}
	c.configureEndpoint(&opts)
	c.s3 = s3.NewFromConfig(cfg, opts...)

	c.uploader = manager.NewUploader(c.s3, func(u *manager.Uploader) {
		if c.PartSize > 0 {
			u.PartSize = c.PartSize
		}
		if c.Concurrency > 0 {
			u.Concurrency = c.Concurrency
		}
	})
	return nil
}

// configOptions appends static credentials when both keys are set.
// Otherwise the SDK's default credential chain is used.
func (c *Client) configOptions(opts ...func(*config.LoadOptions) error) []func(*config.LoadOptions) error {
	if c.AccessKeyID != "" && c.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, ""),
		))
	}
	return opts
}

func (c *Client) configureEndpoint(opts *[]func(*s3.Options)) {
	if c.Endpoint == "" {
		return
	}

	endpoint := c.Endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}

	*opts = append(*opts, func(o *s3.Options) {
		o.UsePathStyle = c.ForcePathStyle
		o.BaseEndpoint = aws.String(endpoint)
		if strings.HasPrefix(endpoint, "http://") {
			o.EndpointOptions.DisableHTTPS = true
		}
	})
}

// findBucketRegion looks up the AWS region for a bucket.
func (c *Client) findBucketRegion(ctx context.Context, bucket string) (string, error) {
	cfg, err := config.LoadDefaultConfig(ctx, c.configOptions()...)
	if err != nil {
		return "", fmt.Errorf("s3: cannot load aws config for region lookup: %w", err)
	}
	cfg.Region = DefaultRegion

	var opts []func(*s3.Options)
	c.configureEndpoint(&opts)

	out, err := s3.NewFromConfig(cfg, opts...).GetBucketLocation(ctx, &s3.GetBucketLocationInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		return "", err
	} else if out.LocationConstraint == "" {
		return DefaultRegion, nil
	}
	return string(out.LocationConstraint), nil
}

// ltxKey returns the object key of an LTX file.
func (c *Client) ltxKey(level int, minTXID, maxTXID ltx.TXID) string {
	return replica.LTXFilePath(c.Path, level, minTXID, maxTXID)
}

// LTXFiles returns an iterator over the LTX files at level. When useMetadata
// is true, each file's timestamp is read from its object metadata with an
// extra HEAD request. Otherwise the LastModified time is used.
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

	rangeStr := fmt.Sprintf("bytes=%d-", offset)
	if size > 0 {
		rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	}

	key := c.ltxKey(level, minTXID, maxTXID)
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeStr),
	})
	if isNotExists(err) {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, os.ErrNotExist)
	} else if err != nil {
		return nil, replica.NewLTXError("open", key, level, minTXID, maxTXID, err)
	}

	internal.OperationTotalCounterVec.WithLabelValues(ClientType, "GET").Inc()
	internal.OperationBytesCounterVec.WithLabelValues(ClientType, "GET").Add(float64(aws.ToInt64(out.ContentLength)))
	return out.Body, nil
}

// WriteLTXFile uploads an LTX file. The header timestamp is stored in the
// object metadata.
func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, r io.Reader) (*ltx.FileInfo, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	hdr, _, err := ltx.PeekHeader(io.TeeReader(r, &buf))
	if err != nil {
		return nil, fmt.Errorf("peek ltx header: %w", err)
	}
	timestamp := time.UnixMilli(hdr.Timestamp).UTC()

	rc := internal.NewReadCounter(io.MultiReader(&buf, r))
	key := c.ltxKey(level, minTXID, maxTXID)

	out, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(c.Bucket),
		Key:      aws.String(key),
		Body:     rc,
		Metadata: map[string]string{MetadataKeyTimestamp: timestamp.Format(time.RFC3339Nano)},
	})
	if err != nil {
		return nil, fmt.Errorf("s3: upload to %s: %w", key, err)
	} else if out.ETag == nil {
		return nil, fmt.Errorf("s3: upload to %s: no etag returned", key)
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

	objIDs := make([]types.ObjectIdentifier, 0, len(a))
	for _, info := range a {
		key := c.ltxKey(info.Level, info.MinTXID, info.MaxTXID)
		objIDs = append(objIDs, types.ObjectIdentifier{Key: aws.String(key)})
		c.logger.Debug("deleting ltx file", "level", info.Level, "minTXID", info.MinTXID, "maxTXID", info.MaxTXID, "key", key)
	}
	return c.deleteObjects(ctx, objIDs)
}

// DeleteAll deletes every object under the client path.
func (c *Client) DeleteAll(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}

	var objIDs []types.ObjectIdentifier
	paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.Bucket),
		Prefix: aws.String(c.prefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("s3: list objects page: %w", err)
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "LIST").Inc()

		for _, obj := range page.Contents {
			objIDs = append(objIDs, types.ObjectIdentifier{Key: obj.Key})
		}
	}
	return c.deleteObjects(ctx, objIDs)
}

func (c *Client) deleteObjects(ctx context.Context, objIDs []types.ObjectIdentifier) error {
	for len(objIDs) > 0 {
		n := min(len(objIDs), MaxKeys)

		out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.Bucket),
			Delete: &types.Delete{Objects: objIDs[:n], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("s3: delete batch of %d objects: %w", n, err)
		} else if err := deleteOutputError(out); err != nil {
			return err
		}
		internal.OperationTotalCounterVec.WithLabelValues(ClientType, "DELETE").Add(float64(n))

		objIDs = objIDs[n:]
	}
	return nil
}

// prefix returns the key prefix of every object owned by the client.
func (c *Client) prefix() string {
	if c.Path == "" {
		return ""
	}
	return c.Path + "/"
}

// fileIterator pages through an S3 listing lazily.
type fileIterator struct {
	ctx         context.Context
	cancel      context.CancelFunc
	client      *Client
	level       int
	seek        ltx.TXID
	useMetadata bool

	paginator *s3.ListObjectsV2Paginator
	page      *s3.ListObjectsV2Output
	pageIndex int

	closed bool
	err    error
	info   *ltx.FileInfo
}

func newFileIterator(ctx context.Context, client *Client, level int, seek ltx.TXID, useMetadata bool) *fileIterator {
	ctx, cancel := context.WithCancel(ctx)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(client.Bucket),
		Prefix: aws.String(replica.LTXLevelDir(client.Path, level) + "/"),
	}

	// Keys sort by min TXID so the listing can start at the seek position.
	if seek > 0 {
		input.StartAfter = aws.String(client.ltxKey(level, seek-1, ltx.TXID(1<<63-1)))
	}

	return &fileIterator{
		ctx:         ctx,
		cancel:      cancel,
		client:      client,
		level:       level,
		seek:        seek,
		useMetadata: useMetadata,
		paginator:   s3.NewListObjectsV2Paginator(client.s3, input),
	}
}

func (itr *fileIterator) Close() error {
	itr.closed = true
	itr.cancel()
	return nil
}

func (itr *fileIterator) Next() bool {
	if itr.closed || itr.err != nil {
		return false
	}

	for {
		if itr.page == nil || itr.pageIndex >= len(itr.page.Contents) {
			if !itr.paginator.HasMorePages() {
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

		minTXID, maxTXID, err := ltx.ParseFilename(path.Base(aws.ToString(obj.Key)))
		if err != nil || minTXID < itr.seek {
			continue
		}

		createdAt := aws.ToTime(obj.LastModified).UTC()
		if itr.useMetadata {
			if createdAt, err = itr.client.metadataTimestamp(itr.ctx, obj.Key, createdAt); err != nil {
				itr.err = err
				return false
			}
		}

		itr.info = &ltx.FileInfo{
			Level:     itr.level,
			MinTXID:   minTXID,
			MaxTXID:   maxTXID,
			Size:      aws.ToInt64(obj.Size),
			CreatedAt: createdAt,
		}
		return true
	}
}

func (itr *fileIterator) Item() *ltx.FileInfo { return itr.info }

func (itr *fileIterator) Err() error { return itr.err }

// metadataTimestamp returns the timestamp stored with an object, or
// fallback if the object has none.
func (c *Client) metadataTimestamp(ctx context.Context, key *string, fallback time.Time) (time.Time, error) {
	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.Bucket),
		Key:    key,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch object metadata: %w", err)
	}

	ts, ok := head.Metadata[MetadataKeyTimestamp]
	if !ok {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp from metadata: %w", err)
	}
	return t, nil
}

func isNotExists(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey"
	}
	return false
}

func deleteOutputError(out *s3.DeleteObjectsOutput) error {
	if len(out.Errors) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("failed to delete files:")
	for _, err := range out.Errors {
		fmt.Fprintf(&b, "\n%s: %s", aws.ToString(err.Key), aws.ToString(err.Message))
	}
	return errors.New(b.String())
}
