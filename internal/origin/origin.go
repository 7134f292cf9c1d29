// Package origin fetches objects that are not cached from the upstream
// origin, over HTTP(S) or from an S3 compatible bucket.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/piwi3910/stbcache/internal/cache"
	"github.com/piwi3910/stbcache/internal/metrics"
)

// Origin errors.
var (
	ErrNotFound    = errors.New("origin: object not found")
	ErrTooLarge    = errors.New("origin: object too large")
	ErrUnsupported = errors.New("origin: unsupported url")
)

// S3 drivers.
const (
	DriverAWS   = "aws"
	DriverMinio = "minio"
)

// Fetch results, as reported in metrics.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultTooLarge = "too_large"
	ResultError    = "error"
)

// Config configures origin access
type Config struct {
	// BaseURL is joined with the cache key to locate objects that have no
	// origin URL of their own: http(s)://host/prefix or s3://bucket/prefix.
	BaseURL string `json:"baseUrl" yaml:"base_url"`

	// Timeout bounds one fetch (default: 30s)
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxObjectSize rejects larger objects (default: 2GB)
	MaxObjectSize int64 `json:"maxObjectSize" yaml:"max_object_size"`

	// SkipTLSVerify disables certificate checks for HTTPS origins.
	SkipTLSVerify bool `json:"skipTlsVerify" yaml:"skip_tls_verify"`

	// S3 configures s3:// URLs.
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config configures the S3 driver
type S3Config struct {
	Driver    string `json:"driver" yaml:"driver"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Region    string `json:"region" yaml:"region"`
	AccessKey string `json:"accessKey" yaml:"access_key"`
	SecretKey string `json:"secretKey" yaml:"secret_key"`
	UseSSL    bool   `json:"useSsl" yaml:"use_ssl"`
}

// DefaultConfig returns the origin defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxObjectSize: 2 * 1024 * 1024 * 1024, // 2GB
		S3: S3Config{
			Driver: DriverAWS,
			Region: "us-east-1",
		},
	}
}

// Object is a fetched origin object.
type Object struct {
	LastModified time.Time
	ContentType  string
	Data         []byte
}

// objectGetter reads one object from a bucket.
type objectGetter interface {
	GetObject(ctx context.Context, bucket, key string, maxSize int64) (*Object, error)
}

// Client fetches origin objects.
type Client struct {
	http *http.Client
	s3   objectGetter
	cfg  Config
}

// New creates an origin client. The S3 driver is only set up when the base
// URL or an object may use s3:// URLs, that is when an S3 endpoint or region
// is configured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = def.MaxObjectSize
	}
	if cfg.S3.Driver == "" {
		cfg.S3.Driver = def.S3.Driver
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid origin base url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "s3":
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.BaseURL)
		}
	}

	c := &Client{
		cfg:  cfg,
		http: newHTTPClient(cfg.Timeout, cfg.SkipTLSVerify),
	}

	if cfg.S3.Endpoint != "" || strings.HasPrefix(cfg.BaseURL, "s3://") {
		getter, err := newS3Getter(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		c.s3 = getter
	}

	return c, nil
}

// Enabled reports whether misses can be resolved without an object URL.
func (c *Client) Enabled() bool {
	return c.cfg.BaseURL != ""
}

// URLFor returns the origin URL of key under the base URL, or "" when no base
// URL is configured.
func (c *Client) URLFor(key cache.Key) string {
	if c.cfg.BaseURL == "" {
		return ""
	}

	return c.cfg.BaseURL + "/" + key.String()
}

// Fetch retrieves rawURL. It returns ErrNotFound when the origin reports the
// object missing and ErrTooLarge when it exceeds the configured limit.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Object, error) {
	start := time.Now()

	obj, err := c.fetch(ctx, rawURL)

	metrics.RecordOriginFetch(fetchResult(err), time.Since(start))

	return obj, err
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*Object, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	switch u.Scheme {
	case "http", "https":
		return c.fetchHTTP(ctx, u.String())
	case "s3":
		if c.s3 == nil {
			return nil, fmt.Errorf("%w: no s3 driver configured for %s", ErrUnsupported, rawURL)
		}
		bucket, key, ok := ParseS3URI(rawURL)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, rawURL)
		}
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return c.s3.GetObject(ctx, bucket, key, c.cfg.MaxObjectSize)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, rawURL)
	}
}

func (c *Client) fetchHTTP(ctx context.Context, rawURL string) (*Object, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("origin request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("origin returned %s for %s", resp.Status, rawURL)
	}

	if resp.ContentLength > c.cfg.MaxObjectSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := readLimited(resp.Body, c.cfg.MaxObjectSize)
	if err != nil {
		return nil, err
	}

	obj := &Object{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		obj.LastModified = lm
	}

	return obj, nil
}

// readLimited reads r fully, failing once more than maxSize bytes arrive.
func readLimited(r io.Reader, maxSize int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read origin body: %w", err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxSize)
	}

	return data, nil
}

func fetchResult(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrTooLarge):
		return ResultTooLarge
	default:
		return ResultError
	}
}

// ParseS3URI parses an S3 URI (s3://bucket/key) into bucket and key.
func ParseS3URI(uri string) (string, string, bool) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok || rest == "" {
		return "", "", false
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}

	return bucket, key, true
}
