package replica

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/superfly/ltx"
)

// FetchLTXHeader reads the header of the LTX file described by info.
func FetchLTXHeader(ctx context.Context, client Client, info *ltx.FileInfo) (ltx.Header, error) {
	rc, err := client.OpenLTXFile(ctx, info.Level, info.MinTXID, info.MaxTXID, 0, ltx.HeaderSize)
	if err != nil {
		return ltx.Header{}, fmt.Errorf("open ltx file: %w", err)
	}
	defer func() { _ = rc.Close() }()

	hdr, _, err := ltx.DecodeHeader(rc)
	if err != nil {
		return hdr, fmt.Errorf("decode ltx header: %w", err)
	}
	return hdr, nil
}

// FetchPageIndex reads the page index of the LTX file described by info
// without downloading the page data. It needs an accurate info.Size.
func FetchPageIndex(ctx context.Context, client Client, info *ltx.FileInfo) (map[uint32]ltx.PageIndexElem, error) {
	return readPageIndex(&clientReaderAt{ctx: ctx, client: client, info: info}, info)
}

// FetchPage reads and decompresses a single page frame.
func FetchPage(ctx context.Context, client Client, elem ltx.PageIndexElem) (ltx.PageHeader, []byte, error) {
	rc, err := client.OpenLTXFile(ctx, elem.Level, elem.MinTXID, elem.MaxTXID, elem.Offset, elem.Size)
	if err != nil {
		return ltx.PageHeader{}, nil, fmt.Errorf("open ltx file: %w", err)
	}
	defer func() { _ = rc.Close() }()

	b, err := io.ReadAll(rc)
	if err != nil {
		return ltx.PageHeader{}, nil, fmt.Errorf("read page frame: %w", err)
	} else if int64(len(b)) != elem.Size {
		return ltx.PageHeader{}, nil, fmt.Errorf("short page frame: %d of %d bytes", len(b), elem.Size)
	}
	return ltx.DecodePageData(b)
}

// readPageIndex decodes the page index stored before the trailer. The
// index is followed by its own length as a big-endian uint64.
func readPageIndex(ra io.ReaderAt, info *ltx.FileInfo) (map[uint32]ltx.PageIndexElem, error) {
	end := info.Size - ltx.TrailerSize - 8
	if end < ltx.HeaderSize {
		return nil, fmt.Errorf("ltx file too small: %d bytes", info.Size)
	}

	var b [8]byte
	if _, err := ra.ReadAt(b[:], end); err != nil {
		return nil, fmt.Errorf("read page index size: %w", err)
	}
	n := int64(binary.BigEndian.Uint64(b[:]))
	if n <= 0 || n > end-ltx.HeaderSize {
		return nil, fmt.Errorf("invalid page index size: %d", n)
	}

	buf := make([]byte, n+8)
	if _, err := ra.ReadAt(buf, end-n); err != nil {
		return nil, fmt.Errorf("read page index: %w", err)
	}
	return ltx.DecodePageIndex(bytes.NewReader(buf), info.Level, info.MinTXID, info.MaxTXID)
}

// clientReaderAt reads ranges of one remote LTX file.
type clientReaderAt struct {
	ctx    context.Context
	client Client
	info   *ltx.FileInfo
}

func (r *clientReaderAt) ReadAt(p []byte, off int64) (int, error) {
	rc, err := r.client.OpenLTXFile(r.ctx, r.info.Level, r.info.MinTXID, r.info.MaxTXID, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadFull(rc, p)
}

// encodeLTX encodes pages into a single-transaction LTX file. Pages must
// be sorted, within commit, and exclude the lock page.
func encodeLTX(w io.Writer, pageSize, commit uint32, txid ltx.TXID, timestamp int64, pgnos []uint32, page func(pgno uint32) ([]byte, error)) error {
	enc, err := ltx.NewEncoder(w)
	if err != nil {
		return err
	}

	if err := enc.EncodeHeader(ltx.Header{
		Version:   ltx.Version,
		Flags:     ltx.HeaderFlagNoChecksum,
		PageSize:  pageSize,
		Commit:    commit,
		MinTXID:   txid,
		MaxTXID:   txid,
		Timestamp: timestamp,
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, pgno := range pgnos {
		data, err := page(pgno)
		if err != nil {
			return err
		}
		if err := enc.EncodePage(ltx.PageHeader{Pgno: pgno}, data); err != nil {
			return fmt.Errorf("encode page %d: %w", pgno, err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("close encoder: %w", err)
	}
	return nil
}
