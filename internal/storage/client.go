// Package storage provides whole-object get/put over the URI schemes a
// validator run can reference: gs:// (Google Cloud Storage), s3:// (AWS S3 or
// an S3-compatible endpoint) and file:// (local filesystem). The scheme prefix
// alone selects the backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults for cloud object operations.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
)

// ObjectStore is a cloud object backend addressed by bucket and key.
// Get must return an error matching ErrNotFound for a missing object.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Options configures a Client.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// S3Region and S3Endpoint configure the s3:// backend. An empty endpoint
	// uses the AWS default resolver.
	S3Region   string
	S3Endpoint string
}

// Client performs synchronous whole-object fetch and put by URI.
// It is safe for concurrent use.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	stores    map[string]ObjectStore
	factories map[string]func(ctx context.Context) (ObjectStore, error)
	files     *fileStore
}

// NewClient creates a storage client. Cloud backends are created lazily on
// first use so that file:// runs never touch cloud credentials.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}

	c := &Client{
		opts:   opts,
		logger: logger,
		stores: make(map[string]ObjectStore),
		files:  &fileStore{},
	}
	c.factories = map[string]func(ctx context.Context) (ObjectStore, error){
		SchemeGCS: func(ctx context.Context) (ObjectStore, error) {
			return newGCSStore(ctx)
		},
		SchemeS3: func(ctx context.Context) (ObjectStore, error) {
			return newS3Store(ctx, S3Config{Region: opts.S3Region, Endpoint: opts.S3Endpoint})
		},
	}
	return c
}

// RegisterBackend installs s as the backend for a cloud scheme prefix,
// replacing the default one.
func (c *Client) RegisterBackend(scheme string, s ObjectStore) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores[scheme] = s
}

// Fetch returns the full contents of the object at uri.
func (c *Client) Fetch(ctx context.Context, uri string) ([]byte, error) {
	loc, err := Parse(uri)
	if err != nil {
		return nil, &Error{Op: "fetch", URI: uri, Err: err}
	}

	if loc.Scheme == SchemeFile {
		data, err := c.files.Read(loc.Path)
		if err != nil {
			return nil, &Error{Op: "fetch", URI: uri, Attempts: 1, Err: err}
		}
		return data, nil
	}

	store, err := c.backend(ctx, loc.Scheme)
	if err != nil {
		return nil, &Error{Op: "fetch", URI: uri, Err: err}
	}

	var data []byte
	attempts, err := c.retry(ctx, "fetch", uri, func() error {
		b, err := store.Get(ctx, loc.Bucket, loc.Key)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "fetch", URI: uri, Attempts: attempts, Err: err}
	}
	return data, nil
}

// Put writes data to uri, replacing any existing object in full.
func (c *Client) Put(ctx context.Context, uri string, data []byte, contentType string) error {
	loc, err := Parse(uri)
	if err != nil {
		return &Error{Op: "put", URI: uri, Err: err}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if loc.Scheme == SchemeFile {
		if err := c.files.Write(loc.Path, data); err != nil {
			return &Error{Op: "put", URI: uri, Attempts: 1, Err: err}
		}
		return nil
	}

	store, err := c.backend(ctx, loc.Scheme)
	if err != nil {
		return &Error{Op: "put", URI: uri, Err: err}
	}

	attempts, err := c.retry(ctx, "put", uri, func() error {
		return store.Put(ctx, loc.Bucket, loc.Key, data, contentType)
	})
	if err != nil {
		return &Error{Op: "put", URI: uri, Attempts: attempts, Err: err}
	}
	return nil
}

// backend returns the store for scheme, constructing it on first use.
func (c *Client) backend(ctx context.Context, scheme string) (ObjectStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stores[scheme]; ok {
		return s, nil
	}
	factory, ok := c.factories[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	s, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("create %s backend: %w", scheme, err)
	}
	c.stores[scheme] = s
	return s, nil
}

// retry runs fn with exponential backoff until it succeeds, returns a
// not-found error, or the attempt budget is spent. It reports the number of
// attempts made.
func (c *Client) retry(ctx context.Context, op, uri string, fn func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := fn(); err != nil {
			if errors.Is(err, ErrNotFound) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			retriesTotal.WithLabelValues(op).Inc()
			c.logger.Warn("storage operation failed, retrying",
				"op", op,
				"uri", uri,
				"attempt", attempts,
				"backoff", next.String(),
				"error", err,
			)
		}),
	)
	return attempts, err
}
