// Package secrets resolves secret:// references found in configuration against Google Secret
// Manager, with a local dotenv file standing in when the API is unreachable.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultTTL          = 10 * time.Minute
	defaultFallbackFile = ".secrets.local"
)

// accessor is the slice of the Secret Manager client the resolver needs.
type accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver implements config.SecretResolver.
type Resolver struct {
	client     accessor
	ownsClient bool
	logger     *zap.Logger
	project    string
	ttl        time.Duration
	now        func() time.Time
	retry      gax.CallOption

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string

	mu    sync.Mutex
	cache map[string]cached

	lookups metric.Int64Counter
}

type cached struct {
	value   string
	expires time.Time
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithClient injects a Secret Manager client, mostly for tests.
func WithClient(client accessor) Option {
	return func(r *Resolver) { r.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProject sets the project used when a reference does not name one.
func WithProject(project string) Option {
	return func(r *Resolver) { r.project = strings.TrimSpace(project) }
}

// WithFallbackFile points the resolver at a dotenv file keyed by secret reference. An empty path
// disables the fallback.
func WithFallbackFile(path string) Option {
	return func(r *Resolver) { r.fallbackPath = strings.TrimSpace(path) }
}

// WithTTL overrides how long resolved values are cached.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver builds a resolver. When no client is injected it dials Secret Manager; a dial
// failure is logged and the resolver runs on the fallback file alone.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		logger:       zap.NewNop(),
		ttl:          defaultTTL,
		now:          time.Now,
		fallbackPath: defaultFallbackFile,
		cache:        make(map[string]cached),
		retry: gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.ResourceExhausted}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	}
	for _, opt := range opts {
		opt(r)
	}

	lookups, err := otel.Meter("github.com/greenbasket/api/internal/platform/secrets").Int64Counter(
		"greenbasket.secrets.lookups",
		metric.WithDescription("Secret lookups by source"),
	)
	if err != nil {
		r.logger.Warn("secrets: metric registration failed", zap.Error(err))
	} else {
		r.lookups = lookups
	}

	if r.client == nil {
		client, err := secretmanager.NewClient(ctx)
		if err != nil {
			r.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		} else {
			r.client = client
			r.ownsClient = true
		}
	}
	return r, nil
}

// Close releases the client when the resolver dialled it.
func (r *Resolver) Close() error {
	if r.ownsClient && r.client != nil {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret returns the payload for ref, formatted secret://NAME with optional version and
// project query parameters.
func (r *Resolver) ResolveSecret(ctx context.Context, ref string) (string, error) {
	parsed, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	key := parsed.key()

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && r.now().Before(entry.expires) {
		r.record(ctx, "cache")
		return entry.value, nil
	}

	project := parsed.project
	if project == "" {
		project = r.project
	}
	if r.client != nil && project != "" {
		value, err := r.access(ctx, project, parsed)
		if err == nil {
			r.store(key, value)
			r.record(ctx, "secret_manager")
			return value, nil
		}
		if !fallbackable(err) {
			return "", fmt.Errorf("secrets: access %s: %w", parsed.name, err)
		}
		r.logger.Warn("secrets: secret manager failed, trying fallback file",
			zap.String("secret", parsed.name), zap.Error(err))
	}

	value, ok := r.lookupFallback(parsed)
	if !ok {
		return "", fmt.Errorf("secrets: %s not found", parsed.name)
	}
	r.store(key, value)
	r.record(ctx, "fallback")
	return value, nil
}

func (r *Resolver) access(ctx context.Context, project string, ref reference) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name}, r.retry)
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) store(key, value string) {
	r.mu.Lock()
	r.cache[key] = cached{value: value, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()
}

func (r *Resolver) record(ctx context.Context, source string) {
	if r.lookups != nil {
		r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
}

// lookupFallback reads the dotenv file once. Keys are secret references, with or without a
// version suffix, for example secret://redis-password or secret://redis-password?version=3.
func (r *Resolver) lookupFallback(ref reference) (string, bool) {
	r.fallbackOnce.Do(func() {
		r.fallback = map[string]string{}
		if r.fallbackPath == "" {
			return
		}
		values, err := godotenv.Read(r.fallbackPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("secrets: fallback file unreadable", zap.String("path", r.fallbackPath), zap.Error(err))
			}
			return
		}
		for raw, value := range values {
			parsed, err := parseRef(raw)
			if err != nil {
				continue
			}
			r.fallback[parsed.key()] = value
			if parsed.version == "latest" {
				r.fallback[parsed.name] = value
			}
		}
	})
	if value, ok := r.fallback[ref.key()]; ok {
		return value, true
	}
	value, ok := r.fallback[ref.name]
	return value, ok
}

type reference struct {
	name    string
	version string
	project string
}

func (r reference) key() string {
	return r.project + "/" + r.name + "#" + r.version
}

func parseRef(raw string) (reference, error) {
	trimmed := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		trimmed = "secret://" + rest
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, errors.New("secrets: missing secret name")
	}
	query := u.Query()
	ref := reference{
		name:    name,
		version: strings.TrimSpace(query.Get("version")),
		project: strings.TrimSpace(query.Get("project")),
	}
	if ref.version == "" {
		ref.version = "latest"
	}
	return ref, nil
}

func fallbackable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	}
	return false
}
