package replica_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/superfly/ltx"

	"github.com/benbjohnson/litevfs/abs"
	"github.com/benbjohnson/litevfs/file"
	"github.com/benbjohnson/litevfs/gs"
	"github.com/benbjohnson/litevfs/internal/testingutil"
	"github.com/benbjohnson/litevfs/nats"
	"github.com/benbjohnson/litevfs/oss"
	"github.com/benbjohnson/litevfs/replica"
	"github.com/benbjohnson/litevfs/s3"
	"github.com/benbjohnson/litevfs/sftp"
	"github.com/benbjohnson/litevfs/webdav"
)

// S3 settings
var (
	s3AccessKeyID     = flag.String("s3-access-key-id", os.Getenv("LITEVFS_S3_ACCESS_KEY_ID"), "")
	s3SecretAccessKey = flag.String("s3-secret-access-key", os.Getenv("LITEVFS_S3_SECRET_ACCESS_KEY"), "")
	s3Region          = flag.String("s3-region", os.Getenv("LITEVFS_S3_REGION"), "")
	s3Bucket          = flag.String("s3-bucket", os.Getenv("LITEVFS_S3_BUCKET"), "")
	s3Path            = flag.String("s3-path", os.Getenv("LITEVFS_S3_PATH"), "")
	s3Endpoint        = flag.String("s3-endpoint", os.Getenv("LITEVFS_S3_ENDPOINT"), "")
	s3ForcePathStyle  = flag.Bool("s3-force-path-style", os.Getenv("LITEVFS_S3_FORCE_PATH_STYLE") == "true", "")
	s3SkipVerify      = flag.Bool("s3-skip-verify", os.Getenv("LITEVFS_S3_SKIP_VERIFY") == "true", "")
)

// Google cloud storage settings
var (
	gsBucket = flag.String("gs-bucket", os.Getenv("LITEVFS_GS_BUCKET"), "")
	gsPath   = flag.String("gs-path", os.Getenv("LITEVFS_GS_PATH"), "")
)

// Azure blob storage settings
var (
	absAccountName = flag.String("abs-account-name", os.Getenv("LITEVFS_ABS_ACCOUNT_NAME"), "")
	absAccountKey  = flag.String("abs-account-key", os.Getenv("LITEVFS_ABS_ACCOUNT_KEY"), "")
	absBucket      = flag.String("abs-bucket", os.Getenv("LITEVFS_ABS_BUCKET"), "")
	absPath        = flag.String("abs-path", os.Getenv("LITEVFS_ABS_PATH"), "")
)

// SFTP settings
var (
	sftpHost     = flag.String("sftp-host", os.Getenv("LITEVFS_SFTP_HOST"), "")
	sftpUser     = flag.String("sftp-user", os.Getenv("LITEVFS_SFTP_USER"), "")
	sftpPassword = flag.String("sftp-password", os.Getenv("LITEVFS_SFTP_PASSWORD"), "")
	sftpKeyPath  = flag.String("sftp-key-path", os.Getenv("LITEVFS_SFTP_KEY_PATH"), "")
	sftpPath     = flag.String("sftp-path", os.Getenv("LITEVFS_SFTP_PATH"), "")
)

// WebDAV settings
var (
	webdavURL      = flag.String("webdav-url", os.Getenv("LITEVFS_WEBDAV_URL"), "")
	webdavUsername = flag.String("webdav-username", os.Getenv("LITEVFS_WEBDAV_USERNAME"), "")
	webdavPassword = flag.String("webdav-password", os.Getenv("LITEVFS_WEBDAV_PASSWORD"), "")
	webdavPath     = flag.String("webdav-path", os.Getenv("LITEVFS_WEBDAV_PATH"), "")
)

// NATS settings
var (
	natsURL      = flag.String("nats-url", os.Getenv("LITEVFS_NATS_URL"), "")
	natsBucket   = flag.String("nats-bucket", os.Getenv("LITEVFS_NATS_BUCKET"), "")
	natsCreds    = flag.String("nats-creds", os.Getenv("LITEVFS_NATS_CREDS"), "")
	natsUsername = flag.String("nats-username", os.Getenv("LITEVFS_NATS_USERNAME"), "")
	natsPassword = flag.String("nats-password", os.Getenv("LITEVFS_NATS_PASSWORD"), "")
)

// Alibaba Cloud OSS settings
var (
	ossAccessKeyID     = flag.String("oss-access-key-id", os.Getenv("LITEVFS_OSS_ACCESS_KEY_ID"), "")
	ossAccessKeySecret = flag.String("oss-access-key-secret", os.Getenv("LITEVFS_OSS_ACCESS_KEY_SECRET"), "")
	ossRegion          = flag.String("oss-region", os.Getenv("LITEVFS_OSS_REGION"), "")
	ossBucket          = flag.String("oss-bucket", os.Getenv("LITEVFS_OSS_BUCKET"), "")
	ossPath            = flag.String("oss-path", os.Getenv("LITEVFS_OSS_PATH"), "")
	ossEndpoint        = flag.String("oss-endpoint", os.Getenv("LITEVFS_OSS_ENDPOINT"), "")
)

// TestClient_Integration runs the same checks against every client type
// selected with -replica-clients. Remote types require -integration.
func TestClient_Integration(t *testing.T) {
	for _, typ := range testingutil.ReplicaClientTypes() {
		t.Run(typ, func(t *testing.T) {
			if typ != file.ClientType && !testingutil.Integration() {
				t.Skip("integration tests disabled")
			}

			RunWithClient(t, "WriteOpenDelete", typ, func(t *testing.T, c replica.Client) {
				ctx := context.Background()
				data := testingutil.EncodeLTX(t, 1, 2, time.Now())

				info, err := c.WriteLTXFile(ctx, 0, 1, 2, bytes.NewReader(data))
				require.NoError(t, err)
				require.Equal(t, int64(len(data)), info.Size)

				r, err := c.OpenLTXFile(ctx, 0, 1, 2, 0, 0)
				require.NoError(t, err)
				buf, err := io.ReadAll(r)
				require.NoError(t, err)
				require.NoError(t, r.Close())
				require.Equal(t, data, buf)

				require.NoError(t, c.DeleteLTXFiles(ctx, []*ltx.FileInfo{info}))
				_, err = c.OpenLTXFile(ctx, 0, 1, 2, 0, 0)
				require.ErrorIs(t, err, os.ErrNotExist)
			})

			RunWithClient(t, "Seek", typ, func(t *testing.T, c replica.Client) {
				ctx := context.Background()
				for txid := ltx.TXID(1); txid <= 5; txid++ {
					_, err := c.WriteLTXFile(ctx, 0, txid, txid, bytes.NewReader(testingutil.EncodeLTX(t, txid, txid, time.Now())))
					require.NoError(t, err)
				}

				infos := MustLTXFilesSeek(t, c, 3)
				require.Len(t, infos, 3)
				require.Equal(t, ltx.TXID(3), infos[0].MinTXID)
				require.Equal(t, ltx.TXID(5), infos[2].MinTXID)
			})

			RunWithClient(t, "SQL", typ, func(t *testing.T, c replica.Client) {
				fsys := replica.NewFileSystem(c)
				fsys.Logger = testingutil.NewLogger(t)
				db := MustOpenDB(t, fsys)

				_, err := db.Exec(`CREATE TABLE t (x INTEGER)`)
				require.NoError(t, err)
				_, err = db.Exec(`INSERT INTO t VALUES (1), (2), (3)`)
				require.NoError(t, err)

				var sum int
				require.NoError(t, db.QueryRow(`SELECT SUM(x) FROM t`).Scan(&sum))
				require.Equal(t, 6, sum)
				require.Len(t, MustLTXFiles(t, c), 2)
			})
		})
	}
}

// RunWithClient runs fn as a subtest against a fresh client of type typ.
// The client's contents are removed afterward.
func RunWithClient(t *testing.T, name, typ string, fn func(*testing.T, replica.Client)) {
	t.Helper()

	t.Run(name, func(t *testing.T) {
		c := NewClient(t, typ)
		require.NoError(t, c.Init(context.Background()))
		t.Cleanup(func() { MustDeleteAll(t, c) })
		fn(t, c)
	})
}

// NewClient returns a new client for integration testing by type name.
func NewClient(tb testing.TB, typ string) replica.Client {
	tb.Helper()

	// Each client gets its own prefix so runs don't collide.
	prefix := fmt.Sprintf("%016x", rand.Uint64())

	switch typ {
	case file.ClientType:
		return file.NewClient(tb.TempDir())

	case s3.ClientType:
		c := s3.NewClient()
		c.AccessKeyID = *s3AccessKeyID
		c.SecretAccessKey = *s3SecretAccessKey
		c.Region = *s3Region
		c.Bucket = *s3Bucket
		c.Path = path.Join(*s3Path, prefix)
		c.Endpoint = *s3Endpoint
		c.ForcePathStyle = *s3ForcePathStyle
		c.SkipVerify = *s3SkipVerify
		return c

	case gs.ClientType:
		c := gs.NewClient()
		c.Bucket = *gsBucket
		c.Path = path.Join(*gsPath, prefix)
		return c

	case abs.ClientType:
		c := abs.NewClient()
		c.AccountName = *absAccountName
		c.AccountKey = *absAccountKey
		c.Bucket = *absBucket
		c.Path = path.Join(*absPath, prefix)
		return c

	case sftp.ClientType:
		c := sftp.NewClient()
		c.Host = *sftpHost
		c.User = *sftpUser
		c.Password = *sftpPassword
		c.KeyPath = *sftpKeyPath
		c.Path = path.Join(*sftpPath, prefix)
		return c

	case webdav.ClientType:
		c := webdav.NewClient()
		c.URL = *webdavURL
		c.Username = *webdavUsername
		c.Password = *webdavPassword
		c.Path = path.Join(*webdavPath, prefix)
		return c

	case nats.ClientType:
		c := nats.NewClient()
		c.URL = *natsURL
		c.BucketName = *natsBucket
		c.Path = prefix
		c.Creds = *natsCreds
		c.Username = *natsUsername
		c.Password = *natsPassword
		return c

	case oss.ClientType:
		c := oss.NewClient()
		c.AccessKeyID = *ossAccessKeyID
		c.AccessKeySecret = *ossAccessKeySecret
		c.Region = *ossRegion
		c.Bucket = *ossBucket
		c.Path = path.Join(*ossPath, prefix)
		c.Endpoint = *ossEndpoint
		return c

	default:
		tb.Fatalf("invalid replica client type: %q", typ)
		return nil
	}
}

// MustDeleteAll deletes all files under the client's path.
func MustDeleteAll(tb testing.TB, c replica.Client) {
	tb.Helper()

	if err := c.DeleteAll(context.Background()); err != nil {
		tb.Fatalf("cannot delete all: %s", err)
	}
	if c, ok := c.(io.Closer); ok {
		_ = c.Close()
	}
}

// MustLTXFilesSeek returns level 0 files starting at seek.
func MustLTXFilesSeek(tb testing.TB, client replica.Client, seek ltx.TXID) []*ltx.FileInfo {
	tb.Helper()

	itr, err := client.LTXFiles(context.Background(), 0, seek, false)
	require.NoError(tb, err)
	infos, err := ltx.SliceFileIterator(itr)
	require.NoError(tb, err)
	return infos
}
