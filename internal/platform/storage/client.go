package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultDownloadExpiry = 15 * time.Minute
	maxDownloadExpiry     = time.Hour
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
	errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")
)

// signFunc produces a V4 signed URL for bucket/object.
type signFunc func(ctx context.Context, bucket, object string, opts *gcs.SignedURLOptions) (string, error)

// Client issues signed download links for archive exports.
type Client struct {
	sign signFunc
	now  func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient signs with an explicit key signer.
func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errors.New("storage: signer is required")
	}
	return newClient(func(ctx context.Context, bucket, object string, o *gcs.SignedURLOptions) (string, error) {
		o.GoogleAccessID = signer.Email()
		o.SignBytes = func(payload []byte) ([]byte, error) {
			return signer.SignBytes(ctx, payload)
		}
		return gcs.SignedURL(bucket, object, o)
	}, opts), nil
}

// NewBucketClient lets the storage client detect signing credentials itself. On Cloud Run this
// goes through the IAM signBlob API for the runtime service account.
func NewBucketClient(client *gcs.Client, opts ...ClientOption) (*Client, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	return newClient(func(_ context.Context, bucket, object string, o *gcs.SignedURLOptions) (string, error) {
		return client.Bucket(bucket).SignedURL(object, o)
	}, opts), nil
}

func newClient(sign signFunc, opts []ClientOption) *Client {
	c := &Client{sign: sign, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DownloadOptions shape the signed link.
type DownloadOptions struct {
	ExpiresIn    time.Duration
	Filename     string
	ResponseType string
}

// SignedURLResult is a signed GET link and its expiry.
type SignedURLResult struct {
	URL       string
	ExpiresAt time.Time
}

// SignedDownloadURL signs a GET link for bucket/object.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SignedURLResult{}, errInvalidBucket
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return SignedURLResult{}, errInvalidObject
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return SignedURLResult{}, errExpiryTooLong
	}

	expiresAt := c.now().Add(expiry)
	params := url.Values{}
	if opts.Filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}
	if opts.ResponseType != "" {
		params.Set("response-content-type", opts.ResponseType)
	}
	signOpts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: expiresAt,
	}
	if len(params) > 0 {
		signOpts.QueryParameters = params
	}

	signed, err := c.sign(ctx, bucket, object, signOpts)
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign %s: %w", object, err)
	}
	return SignedURLResult{URL: signed, ExpiresAt: expiresAt}, nil
}
