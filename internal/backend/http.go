package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/openmined/mirrorbox/internal/version"
)

// HTTPBackend reads a channel published over HTTP(S). It is strictly
// read-only and cannot enumerate objects; the engine drives it through
// Get and Exists only.
type HTTPBackend struct {
	base   string
	client *req.Client
}

func NewHTTPBackend(baseURL string) (*HTTPBackend, error) {
	client := req.C().
		SetUserAgent(version.AppName + "/" + version.Version).
		SetTimeout(5 * time.Minute)

	return &HTTPBackend{
		base:   strings.TrimSuffix(baseURL, "/"),
		client: client,
	}, nil
}

func (b *HTTPBackend) url(key string) string {
	return b.base + "/" + strings.TrimPrefix(key, "/")
}

func (b *HTTPBackend) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	return nil, ErrListUnsupported
}

func (b *HTTPBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(b.url(key))
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if resp.IsErrorState() {
		resp.Body.Close()
		return nil, fmt.Errorf("get %q: unexpected status %s", key, resp.Status)
	}
	return resp.Body, nil
}

func (b *HTTPBackend) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	return ErrReadOnlyBackend
}

func (b *HTTPBackend) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		Head(b.url(key))
	if err != nil {
		return false, fmt.Errorf("head %q: %w", key, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.IsErrorState() {
		return false, fmt.Errorf("head %q: unexpected status %s", key, resp.Status)
	}
	return true, nil
}

func (b *HTTPBackend) Delete(ctx context.Context, key string) error {
	return ErrReadOnlyBackend
}

func (b *HTTPBackend) ReadOnly() bool {
	return true
}

var _ Backend = (*HTTPBackend)(nil)
