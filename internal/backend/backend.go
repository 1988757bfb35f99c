package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrReadOnlyBackend is returned by mutating calls on read-only backends.
	ErrReadOnlyBackend = errors.New("backend is read-only")

	// ErrListUnsupported is returned by backends that cannot enumerate
	// objects (plain HTTP sources).
	ErrListUnsupported = errors.New("backend does not support listing")
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Backend is a uniform adapter over a channel storage location. Keys are
// slash-separated paths relative to the channel root. Put must publish
// atomically: an interrupted write never leaves a partial object visible
// under its final key.
type Backend interface {
	List(ctx context.Context, prefix string) ([]*ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	ReadOnly() bool
}

// S3Settings configures one side's S3 access. Source and destination are
// configured independently.
type S3Settings struct {
	EndpointURL     string `mapstructure:"endpoint_url"`
	Region          string `mapstructure:"region"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
}

// Open selects a backend for a channel location by URI scheme. Plain paths
// and file:// open the local backend, http(s):// a read-only HTTP backend,
// s3://bucket/prefix the S3 backend. When writable is set, read-only schemes
// are rejected and the local backend takes a channel lock.
func Open(ctx context.Context, location string, s3cfg *S3Settings, writable bool) (Backend, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", location, err)
	}

	switch u.Scheme {
	case "", "file":
		root := u.Path
		if u.Scheme == "" {
			root = location
		}
		return NewLocalBackend(root, writable)
	case "http", "https":
		if writable {
			return nil, fmt.Errorf("%q: %w", location, ErrReadOnlyBackend)
		}
		return NewHTTPBackend(location)
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("s3 location %q has no bucket", location)
		}
		prefix := strings.Trim(u.Path, "/")
		return NewS3Backend(ctx, u.Host, prefix, s3cfg)
	default:
		return nil, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}
