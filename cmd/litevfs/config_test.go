package main_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/litevfs/abs"
	main "github.com/benbjohnson/litevfs/cmd/litevfs"
	"github.com/benbjohnson/litevfs/file"
	"github.com/benbjohnson/litevfs/kvfs"
	"github.com/benbjohnson/litevfs/memfs"
	"github.com/benbjohnson/litevfs/nats"
	"github.com/benbjohnson/litevfs/osfs"
	"github.com/benbjohnson/litevfs/replica"
	"github.com/benbjohnson/litevfs/s3"
	"github.com/benbjohnson/litevfs/sftp"
	"github.com/benbjohnson/litevfs/webdav"
)

func TestReadConfigFile(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "litevfs.yml")
		require.NoError(t, os.WriteFile(filename, []byte(`
vfs:
  - name: local
    type: memory
    default: true
`[1:]), 0o666))

		config, err := main.ReadConfigFile(filename, true)
		require.NoError(t, err)
		require.Len(t, config.VFS, 1)
		if got, want := config.VFS[0].Name, "local"; got != want {
			t.Fatalf("Name=%q, want %q", got, want)
		}
		if got, want := config.Logging.Level, "info"; got != want {
			t.Fatalf("Logging.Level=%q, want %q", got, want)
		}
	})

	t.Run("ErrNotFound", func(t *testing.T) {
		_, err := main.ReadConfigFile(filepath.Join(t.TempDir(), "missing.yml"), true)
		if !errors.Is(err, main.ErrConfigFileNotFound) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestParseConfig(t *testing.T) {
	t.Run("Full", func(t *testing.T) {
		config, err := main.ParseConfig(strings.NewReader(`
metrics-addr: ":9090"
logging:
  level: debug
  type: json
  stderr: true
vfs:
  - name: disk
    type: os
    path: /var/lib/litevfs
  - name: remote
    type: replica
    default: true
    read-only: true
    cache-size: 64MB
    timeout: 5s
    retries: -1
    replica:
      type: s3
      bucket: mybkt
      path: db
      region: us-east-1
      force-path-style: true
      part-size: 5MiB
      concurrency: 4
  - name: kv
    type: badger
    block-size: 8KiB
`), true)
		require.NoError(t, err)

		require.Equal(t, ":9090", config.MetricsAddr)
		require.Equal(t, "json", config.Logging.Type)
		require.True(t, config.Logging.Stderr)
		require.Len(t, config.VFS, 3)

		remote := config.VFS[1]
		require.True(t, remote.ReadOnly)
		require.Equal(t, main.ByteSize(64_000_000), *remote.CacheSize)
		require.Equal(t, 5*time.Second, *remote.Timeout)
		require.Equal(t, -1, *remote.Retries)
		require.Equal(t, "mybkt", remote.Replica.Bucket)
		require.True(t, *remote.Replica.ForcePathStyle)
		require.Equal(t, main.ByteSize(5<<20), *remote.Replica.PartSize)
		require.Equal(t, 4, *remote.Replica.Concurrency)

		require.Equal(t, main.ByteSize(8<<10), *config.VFS[2].BlockSize)

		vc, err := config.DefaultVFS()
		require.NoError(t, err)
		require.Equal(t, "remote", vc.Name)

		vc, err = config.FindVFS("disk")
		require.NoError(t, err)
		require.Equal(t, "/var/lib/litevfs", vc.Path)

		_, err = config.FindVFS("nope")
		require.ErrorIs(t, err, main.ErrVFSNotFound)
	})

	t.Run("ExpandEnv", func(t *testing.T) {
		t.Setenv("LITEVFS_TEST_BUCKET", "envbkt")

		config, err := main.ParseConfig(strings.NewReader(`
vfs:
  - name: remote
    type: replica
    url: s3://${LITEVFS_TEST_BUCKET}/db
`), true)
		require.NoError(t, err)
		require.Equal(t, "s3://envbkt/db", config.VFS[0].URL)

		config, err = main.ParseConfig(strings.NewReader(`
vfs:
  - name: remote
    type: replica
    url: s3://${LITEVFS_TEST_BUCKET}/db
`), false)
		require.NoError(t, err)
		require.Equal(t, "s3://${LITEVFS_TEST_BUCKET}/db", config.VFS[0].URL)
	})

	t.Run("ExpandPath", func(t *testing.T) {
		config, err := main.ParseConfig(strings.NewReader(`
vfs:
  - name: disk
    type: os
    path: data
`), true)
		require.NoError(t, err)
		require.True(t, filepath.IsAbs(config.VFS[0].Path), "path=%s", config.VFS[0].Path)
	})

	t.Run("ErrInvalidYAML", func(t *testing.T) {
		_, err := main.ParseConfig(strings.NewReader("vfs: [\n"), true)
		require.Error(t, err)
	})

	t.Run("ErrInvalidByteSize", func(t *testing.T) {
		_, err := main.ParseConfig(strings.NewReader(`
vfs:
  - name: mem
    type: memory
    cache-size: lots
`), true)
		require.ErrorContains(t, err, "invalid size format")
	})
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name  string
		yaml  string
		field string
		err   error
	}{
		{
			name:  "NameRequired",
			yaml:  "vfs:\n  - type: memory\n",
			field: "vfs[0].name",
		},
		{
			name:  "InvalidType",
			yaml:  "vfs:\n  - name: x\n    type: floppy\n",
			field: "vfs[0].type",
		},
		{
			name:  "InvalidReplicaType",
			yaml:  "vfs:\n  - name: x\n    type: replica\n    replica:\n      type: tape\n",
			field: "vfs[0].replica.type",
		},
		{
			name:  "InvalidLogType",
			yaml:  "logging:\n  type: xml\n",
			field: "logging.type",
		},
		{
			name:  "DuplicateName",
			yaml:  "vfs:\n  - name: x\n    type: memory\n  - name: x\n    type: memory\n",
			field: "vfs[1].name",
			err:   main.ErrDuplicateVFSName,
		},
		{
			name:  "MultipleDefaults",
			yaml:  "vfs:\n  - name: x\n    type: memory\n    default: true\n  - name: y\n    type: memory\n    default: true\n",
			field: "vfs[1].default",
			err:   main.ErrMultipleDefaults,
		},
		{
			name:  "PathRequired",
			yaml:  "vfs:\n  - name: x\n    type: os\n",
			field: "vfs[0].path",
			err:   main.ErrPathRequired,
		},
		{
			name:  "ReplicaRequired",
			yaml:  "vfs:\n  - name: x\n    type: replica\n",
			field: "vfs[0].replica",
			err:   main.ErrReplicaRequired,
		},
		{
			name:  "InvalidMetricsAddr",
			yaml:  "metrics-addr: localhost\n",
			field: "metrics-addr",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := main.ParseConfig(strings.NewReader(tt.yaml), false)

			var verr *main.ConfigValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ConfigValidationError, got %v", err)
			}
			if got, want := verr.Field, tt.field; got != want {
				t.Fatalf("Field=%q, want %q", got, want)
			}
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestConfigValidationError_Error(t *testing.T) {
	err := &main.ConfigValidationError{Err: main.ErrDuplicateVFSName, Field: "vfs[1].name", Value: "x"}
	require.EqualError(t, err, "vfs[1].name: duplicate vfs name (got x)")

	err = &main.ConfigValidationError{Err: main.ErrPathRequired, Field: "vfs[0].path"}
	require.EqualError(t, err, "vfs[0].path: path required")
}

func TestParseByteSize(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want int64
	}{
		{"1024", 1024},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"10MB", 10_000_000},
		{"2GiB", 2 << 30},
	} {
		got, err := main.ParseByteSize(tt.s)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", tt.s, err)
		} else if got != tt.want {
			t.Fatalf("ParseByteSize(%q)=%d, want %d", tt.s, got, tt.want)
		}
	}

	_, err := main.ParseByteSize("")
	require.Error(t, err)
	_, err = main.ParseByteSize("ten")
	require.ErrorContains(t, err, "invalid size format")
}

func TestNewFileSystemFromConfig(t *testing.T) {
	t.Run("OS", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		fsys, closeFn, err := main.NewFileSystemFromConfig(&main.VFSConfig{Name: "x", Type: main.VFSTypeOS, Path: dir})
		require.NoError(t, err)
		defer closeFn()
		require.IsType(t, &osfs.FileSystem{}, fsys)

		fi, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, fi.IsDir())
	})

	t.Run("Memory", func(t *testing.T) {
		fsys, closeFn, err := main.NewFileSystemFromConfig(&main.VFSConfig{Name: "x", Type: main.VFSTypeMemory})
		require.NoError(t, err)
		require.NoError(t, closeFn())
		require.IsType(t, &memfs.FileSystem{}, fsys)
	})

	t.Run("Badger", func(t *testing.T) {
		blockSize := main.ByteSize(1024)
		fsys, closeFn, err := main.NewFileSystemFromConfig(&main.VFSConfig{Name: "x", Type: main.VFSTypeBadger, BlockSize: &blockSize})
		require.NoError(t, err)
		require.IsType(t, &kvfs.FileSystem{}, fsys)
		require.NoError(t, closeFn())
	})

	t.Run("Replica", func(t *testing.T) {
		cacheSize, timeout := main.ByteSize(1<<20), 3*time.Second
		fsys, closeFn, err := main.NewFileSystemFromConfig(&main.VFSConfig{
			Name:      "x",
			Type:      main.VFSTypeReplica,
			URL:       "file://" + t.TempDir(),
			ReadOnly:  true,
			CacheSize: &cacheSize,
			Timeout:   &timeout,
		})
		require.NoError(t, err)
		defer closeFn()

		rfs := fsys.(*replica.FileSystem)
		require.IsType(t, &file.Client{}, rfs.Client)
		require.True(t, rfs.ReadOnly)
		require.Equal(t, 1<<20, rfs.CacheSize)
		require.Equal(t, 3*time.Second, rfs.Timeout)
	})

	t.Run("Retries", func(t *testing.T) {
		retries := 3
		fsys, closeFn, err := main.NewFileSystemFromConfig(&main.VFSConfig{
			Name:    "x",
			Type:    main.VFSTypeReplica,
			URL:     "file://" + t.TempDir(),
			Retries: &retries,
		})
		require.NoError(t, err)
		defer closeFn()

		rc := fsys.(*replica.FileSystem).Client.(*replica.RetryClient)
		require.Equal(t, 3, rc.MaxRetries)
		require.IsType(t, &file.Client{}, rc.Unwrap())
	})

	t.Run("ErrUnknownType", func(t *testing.T) {
		_, _, err := main.NewFileSystemFromConfig(&main.VFSConfig{Name: "x", Type: "tape"})
		require.ErrorContains(t, err, "unknown vfs type")
	})
}

func TestNewReplicaClientFromConfig(t *testing.T) {
	t.Run("URLWithOverrides", func(t *testing.T) {
		client, err := main.NewReplicaClientFromConfig(&main.VFSConfig{
			Name: "x",
			Type: main.VFSTypeReplica,
			URL:  "s3://mybkt/db",
			Replica: &main.ReplicaConfig{
				Region:          "eu-west-1",
				AccessKeyID:     "KEY",
				SecretAccessKey: "SECRET",
			},
		})
		require.NoError(t, err)

		c := client.(*s3.Client)
		require.Equal(t, "mybkt", c.Bucket)
		require.Equal(t, "db", c.Path)
		require.Equal(t, "eu-west-1", c.Region)
		require.Equal(t, "KEY", c.AccessKeyID)
		require.Equal(t, "SECRET", c.SecretAccessKey)
	})

	t.Run("ReplicaURL", func(t *testing.T) {
		client, err := main.NewReplicaClientFromConfig(&main.VFSConfig{
			Name:    "x",
			Type:    main.VFSTypeReplica,
			Replica: &main.ReplicaConfig{URL: "sftp://bob@example.com/backups"},
		})
		require.NoError(t, err)
		c := client.(*sftp.Client)
		require.Equal(t, "bob", c.User)
		require.Equal(t, "/backups", c.Path)
	})

	for _, tt := range []struct {
		rc    main.ReplicaConfig
		check func(t *testing.T, client replica.Client)
	}{
		{
			rc: main.ReplicaConfig{Type: "file", Path: t.TempDir()},
			check: func(t *testing.T, client replica.Client) {
				require.IsType(t, &file.Client{}, client)
			},
		},
		{
			rc: main.ReplicaConfig{Type: "abs", AccountName: "acct", Bucket: "ctr", Path: "db"},
			check: func(t *testing.T, client replica.Client) {
				c := client.(*abs.Client)
				require.Equal(t, "acct", c.AccountName)
				require.Equal(t, "ctr", c.Bucket)
			},
		},
		{
			rc: main.ReplicaConfig{Type: "webdav", Endpoint: "http://dav.local", User: "u", Password: "p", Path: "/db"},
			check: func(t *testing.T, client replica.Client) {
				c := client.(*webdav.Client)
				require.Equal(t, "http://dav.local", c.URL)
				require.Equal(t, "u", c.Username)
			},
		},
		{
			rc: main.ReplicaConfig{Type: "nats", Endpoint: "nats://localhost:4222", Bucket: "ltx", Token: "tok"},
			check: func(t *testing.T, client replica.Client) {
				c := client.(*nats.Client)
				require.Equal(t, "ltx", c.BucketName)
				require.Equal(t, "tok", c.Token)
			},
		},
	} {
		t.Run("Type/"+tt.rc.Type, func(t *testing.T) {
			rc := tt.rc
			client, err := main.NewReplicaClientFromConfig(&main.VFSConfig{Name: "x", Type: main.VFSTypeReplica, Replica: &rc})
			require.NoError(t, err)
			tt.check(t, client)
		})
	}

	t.Run("ErrUnknownType", func(t *testing.T) {
		_, err := main.NewReplicaClientFromConfig(&main.VFSConfig{Name: "x", Type: main.VFSTypeReplica, Replica: &main.ReplicaConfig{Type: "tape"}})
		require.ErrorContains(t, err, "unknown replica type")
	})
}
