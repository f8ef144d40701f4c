package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/benbjohnson/litevfs"
	"github.com/benbjohnson/litevfs/abs"
	"github.com/benbjohnson/litevfs/file"
	"github.com/benbjohnson/litevfs/gs"
	"github.com/benbjohnson/litevfs/kvfs"
	"github.com/benbjohnson/litevfs/memfs"
	"github.com/benbjohnson/litevfs/nats"
	"github.com/benbjohnson/litevfs/osfs"
	"github.com/benbjohnson/litevfs/oss"
	"github.com/benbjohnson/litevfs/replica"
	"github.com/benbjohnson/litevfs/s3"
	"github.com/benbjohnson/litevfs/sftp"
	"github.com/benbjohnson/litevfs/webdav"
)

// VFS types.
const (
	VFSTypeOS      = "os"
	VFSTypeMemory  = "memory"
	VFSTypeBadger  = "badger"
	VFSTypeReplica = "replica"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrDuplicateVFSName   = errors.New("duplicate vfs name")
	ErrMultipleDefaults   = errors.New("only one vfs may be the default")
	ErrPathRequired       = errors.New("path required")
	ErrReplicaRequired    = errors.New("replica url or type required")
	ErrVFSNotFound        = errors.New("vfs not found in config")
)

// ConfigValidationError wraps a validation error with the offending field.
type ConfigValidationError struct {
	Err   error
	Field string
	Value interface{}
}

func (e *ConfigValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %v (got %v)", e.Field, e.Err, e.Value)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }

// Config represents a configuration file for the litevfs command.
type Config struct {
	VFS         []*VFSConfig  `yaml:"vfs" validate:"dive"`
	Logging     LoggingConfig `yaml:"logging"`
	MetricsAddr string        `yaml:"metrics-addr"`
}

// LoggingConfig configures the default slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Type   string `yaml:"type" validate:"omitempty,oneof=text json"`
	Stderr bool   `yaml:"stderr"`
}

// VFSConfig describes one VFS registered with SQLite.
type VFSConfig struct {
	Name      string         `yaml:"name" validate:"required,printascii"`
	Type      string         `yaml:"type" validate:"required,oneof=os memory badger replica"`
	Path      string         `yaml:"path"`
	URL       string         `yaml:"url"`
	Default   bool           `yaml:"default"`
	ReadOnly  bool           `yaml:"read-only"`
	CacheSize *ByteSize      `yaml:"cache-size"`
	Timeout   *time.Duration `yaml:"timeout" validate:"omitempty,min=0"`
	BlockSize *ByteSize      `yaml:"block-size"`
	Retries   *int           `yaml:"retries" validate:"omitempty,min=-1"`
	Replica   *ReplicaConfig `yaml:"replica"`
}

// ReplicaConfig holds the settings for a replica client. Fields that do
// not apply to the client type are ignored.
type ReplicaConfig struct {
	Type string `yaml:"type" validate:"omitempty,oneof=file s3 gs abs sftp webdav nats oss"`
	Path string `yaml:"path"`
	URL  string `yaml:"url"`

	// S3, OSS & ABS settings
	AccessKeyID     string    `yaml:"access-key-id"`
	SecretAccessKey string    `yaml:"secret-access-key"`
	Region          string    `yaml:"region"`
	Bucket          string    `yaml:"bucket"`
	Endpoint        string    `yaml:"endpoint"`
	ForcePathStyle  *bool     `yaml:"force-path-style"`
	SkipVerify      bool      `yaml:"skip-verify"`
	PartSize        *ByteSize `yaml:"part-size"`
	Concurrency     *int      `yaml:"concurrency" validate:"omitempty,min=1"`
	AccountName     string    `yaml:"account-name"`
	AccountKey      string    `yaml:"account-key"`

	// SFTP, WebDAV & NATS settings
	Host        string `yaml:"host"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	KeyPath     string `yaml:"key-path"`
	HostKeyPath string `yaml:"host-key-path"`
	Creds       string `yaml:"creds"`
	Token       string `yaml:"token"`
}

// DefaultConfig returns a new instance of Config with defaults set.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level: "info",
			Type:  "text",
		},
	}
}

// FindVFS returns the VFS config with the given name.
func (c *Config) FindVFS(name string) (*VFSConfig, error) {
	for _, vc := range c.VFS {
		if vc.Name == name {
			return vc, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrVFSNotFound, name)
}

// DefaultVFS returns the VFS marked as default, or the only VFS if there
// is exactly one.
func (c *Config) DefaultVFS() (*VFSConfig, error) {
	for _, vc := range c.VFS {
		if vc.Default {
			return vc, nil
		}
	}
	if len(c.VFS) == 1 {
		return c.VFS[0], nil
	}
	return nil, fmt.Errorf("%w: no default vfs, use -vfs to choose one", ErrVFSNotFound)
}

// Validate checks struct tags and then the rules that span fields.
func (c *Config) Validate() error {
	if err := getValidator().Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return &ConfigValidationError{Err: err, Field: "metrics-addr", Value: c.MetricsAddr}
		}
	}

	names := make(map[string]struct{})
	var hasDefault bool
	for i, vc := range c.VFS {
		field := fmt.Sprintf("vfs[%d]", i)

		if _, ok := names[vc.Name]; ok {
			return &ConfigValidationError{Err: ErrDuplicateVFSName, Field: field + ".name", Value: vc.Name}
		}
		names[vc.Name] = struct{}{}

		if vc.Default {
			if hasDefault {
				return &ConfigValidationError{Err: ErrMultipleDefaults, Field: field + ".default", Value: vc.Name}
			}
			hasDefault = true
		}

		switch vc.Type {
		case VFSTypeOS:
			if vc.Path == "" {
				return &ConfigValidationError{Err: ErrPathRequired, Field: field + ".path"}
			}
		case VFSTypeReplica:
			if vc.URL != "" && !replica.IsURL(vc.URL) {
				return &ConfigValidationError{Err: errors.New("invalid replica url"), Field: field + ".url", Value: vc.URL}
			}
			if vc.URL == "" && (vc.Replica == nil || (vc.Replica.URL == "" && vc.Replica.Type == "")) {
				return &ConfigValidationError{Err: ErrReplicaRequired, Field: field + ".replica"}
			}
		}
	}
	return nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()

		// Report fields by their yaml names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// formatValidationError converts the first validator error into a
// ConfigValidationError.
func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}

	e := errs[0]
	field := strings.TrimPrefix(e.Namespace(), "Config.")

	var msg error
	switch e.Tag() {
	case "required":
		msg = errors.New("required")
	case "oneof":
		msg = fmt.Errorf("must be one of [%s]", e.Param())
	case "min":
		msg = fmt.Errorf("must be at least %s", e.Param())
	default:
		msg = fmt.Errorf("failed %q validation", e.Tag())
	}

	var value interface{}
	if e.Tag() != "required" {
		value = e.Value()
	}
	return &ConfigValidationError{Err: msg, Field: field, Value: value}
}

// ReadConfigFile unmarshals config from filename. Expands path if needed.
// If expandEnv is true then environment variables are expanded in the config.
func ReadConfigFile(filename string, expandEnv bool) (Config, error) {
	filename, err := expand(filename)
	if err != nil {
		return DefaultConfig(), err
	}

	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return DefaultConfig(), fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
	} else if err != nil {
		return DefaultConfig(), err
	}
	defer func() { _ = f.Close() }()

	return ParseConfig(f, expandEnv)
}

// ParseConfig unmarshals and validates a config from r.
func ParseConfig(r io.Reader, expandEnv bool) (Config, error) {
	config := DefaultConfig()

	buf, err := io.ReadAll(r)
	if err != nil {
		return config, err
	}

	if expandEnv {
		buf = []byte(os.ExpandEnv(string(buf)))
	}

	if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, err
	}

	// Expand local paths so they do not depend on the working directory.
	for _, vc := range config.VFS {
		if vc.Path != "" && vc.Type != VFSTypeReplica {
			if vc.Path, err = expand(vc.Path); err != nil {
				return config, err
			}
		}
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// NewFileSystemFromConfig builds the file system described by c. The
// returned close function releases any resources held by it.
func NewFileSystemFromConfig(c *VFSConfig) (fsys litevfs.FileSystem, closeFn func() error, err error) {
	noop := func() error { return nil }

	switch c.Type {
	case VFSTypeOS:
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create vfs directory: %w", err)
		}
		return osfs.NewFileSystem(c.Path), noop, nil

	case VFSTypeMemory:
		return memfs.New(), noop, nil

	case VFSTypeBadger:
		config := kvfs.Config{Path: c.Path, InMemory: c.Path == ""}
		if c.BlockSize != nil {
			config.BlockSize = int(*c.BlockSize)
		}
		kv, err := kvfs.Open(config)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil

	case VFSTypeReplica:
		client, err := NewReplicaClientFromConfig(c)
		if err != nil {
			return nil, nil, err
		}

		if c.Retries != nil && *c.Retries != 0 {
			rc := replica.NewRetryClient(client)
			rc.MaxRetries = *c.Retries
			client = rc
		}

		rfs := replica.NewFileSystem(client)
		rfs.ReadOnly = c.ReadOnly
		if c.CacheSize != nil {
			rfs.CacheSize = int(*c.CacheSize)
		}
		if c.Timeout != nil {
			rfs.Timeout = *c.Timeout
		}

		closeFn = noop
		if closer, ok := client.(io.Closer); ok {
			closeFn = closer.Close
		}
		return rfs, closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown vfs type: %q", c.Type)
	}
}

// NewReplicaClientFromConfig returns the replica client for a replica VFS.
// A URL is parsed first and explicit settings are applied on top of it.
func NewReplicaClientFromConfig(c *VFSConfig) (replica.Client, error) {
	rc := c.Replica
	if rc == nil {
		rc = &ReplicaConfig{}
	}

	rawURL := c.URL
	if rawURL == "" {
		rawURL = rc.URL
	}

	var client replica.Client
	if rawURL != "" {
		var err error
		if client, err = replica.NewClientFromURL(rawURL); err != nil {
			return nil, err
		}
	} else {
		switch rc.Type {
		case "file":
			path, err := expand(rc.Path)
			if err != nil {
				return nil, err
			}
			client = file.NewClient(path)
		case "s3":
			client = s3.NewClient()
		case "gs":
			client = gs.NewClient()
		case "abs":
			client = abs.NewClient()
		case "sftp":
			client = sftp.NewClient()
		case "webdav":
			client = webdav.NewClient()
		case "nats":
			client = nats.NewClient()
		case "oss":
			client = oss.NewClient()
		default:
			return nil, fmt.Errorf("unknown replica type: %q", rc.Type)
		}
	}

	applyReplicaConfig(client, rc)
	return client, nil
}

func applyReplicaConfig(client replica.Client, rc *ReplicaConfig) {
	switch client := client.(type) {
	case *s3.Client:
		setString(&client.AccessKeyID, rc.AccessKeyID)
		setString(&client.SecretAccessKey, rc.SecretAccessKey)
		setString(&client.Region, rc.Region)
		setString(&client.Bucket, rc.Bucket)
		setString(&client.Path, rc.Path)
		setString(&client.Endpoint, rc.Endpoint)
		if rc.ForcePathStyle != nil {
			client.ForcePathStyle = *rc.ForcePathStyle
		}
		if rc.SkipVerify {
			client.SkipVerify = true
		}
		if rc.PartSize != nil {
			client.PartSize = int64(*rc.PartSize)
		}
		if rc.Concurrency != nil {
			client.Concurrency = *rc.Concurrency
		}

	case *gs.Client:
		setString(&client.Bucket, rc.Bucket)
		setString(&client.Path, rc.Path)

	case *abs.Client:
		setString(&client.AccountName, rc.AccountName)
		setString(&client.AccountKey, rc.AccountKey)
		setString(&client.Endpoint, rc.Endpoint)
		setString(&client.Bucket, rc.Bucket)
		setString(&client.Path, rc.Path)

	case *sftp.Client:
		setString(&client.Host, rc.Host)
		setString(&client.User, rc.User)
		setString(&client.Password, rc.Password)
		setString(&client.Path, rc.Path)
		setString(&client.KeyPath, rc.KeyPath)
		setString(&client.HostKeyPath, rc.HostKeyPath)

	case *webdav.Client:
		setString(&client.URL, rc.Endpoint)
		setString(&client.Username, rc.User)
		setString(&client.Password, rc.Password)
		setString(&client.Path, rc.Path)

	case *nats.Client:
		setString(&client.URL, rc.Endpoint)
		setString(&client.BucketName, rc.Bucket)
		setString(&client.Path, rc.Path)
		setString(&client.Username, rc.User)
		setString(&client.Password, rc.Password)
		setString(&client.Creds, rc.Creds)
		setString(&client.Token, rc.Token)

	case *oss.Client:
		setString(&client.AccessKeyID, rc.AccessKeyID)
		setString(&client.AccessKeySecret, rc.SecretAccessKey)
		setString(&client.Region, rc.Region)
		setString(&client.Bucket, rc.Bucket)
		setString(&client.Path, rc.Path)
		setString(&client.Endpoint, rc.Endpoint)
		if rc.PartSize != nil {
			client.PartSize = int64(*rc.PartSize)
		}
		if rc.Concurrency != nil {
			client.Concurrency = *rc.Concurrency
		}
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ByteSize is a custom type for parsing byte sizes from YAML.
// It supports both SI units (KB, MB, GB, etc.) and IEC units (KiB, MiB, GiB, etc.).
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	size, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(size)
	return nil
}

// ParseByteSize parses a byte size string using github.com/dustin/go-humanize.
func ParseByteSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %w", err)
	}
	if size > uint64(1<<63-1) {
		return 0, fmt.Errorf("size too large: %s", s)
	}
	return int64(size), nil
}
