package mock

import (
	"context"
	"io"

	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/replica"
)

var _ replica.Client = (*Client)(nil)

type Client struct {
	InitFunc           func(ctx context.Context) error
	LTXFilesFunc       func(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error)
	OpenLTXFileFunc    func(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error)
	WriteLTXFileFunc   func(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, r io.Reader) (*ltx.FileInfo, error)
	DeleteLTXFilesFunc func(ctx context.Context, a []*ltx.FileInfo) error
	DeleteAllFunc      func(ctx context.Context) error
}

func (c *Client) Type() string { return "mock" }

func (c *Client) Init(ctx context.Context) error {
	if c.InitFunc == nil {
		return nil
	}
	return c.InitFunc(ctx)
}

func (c *Client) LTXFiles(ctx context.Context, level int, seek ltx.TXID, useMetadata bool) (ltx.FileIterator, error) {
	return c.LTXFilesFunc(ctx, level, seek, useMetadata)
}

func (c *Client) OpenLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, offset, size int64) (io.ReadCloser, error) {
	return c.OpenLTXFileFunc(ctx, level, minTXID, maxTXID, offset, size)
}

func (c *Client) WriteLTXFile(ctx context.Context, level int, minTXID, maxTXID ltx.TXID, r io.Reader) (*ltx.FileInfo, error) {
	return c.WriteLTXFileFunc(ctx, level, minTXID, maxTXID, r)
}

func (c *Client) DeleteLTXFiles(ctx context.Context, a []*ltx.FileInfo) error {
	return c.DeleteLTXFilesFunc(ctx, a)
}

func (c *Client) DeleteAll(ctx context.Context) error {
	return c.DeleteAllFunc(ctx)
}
