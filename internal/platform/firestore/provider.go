package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/greenbasket/api/internal/platform/config"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultDialCooldown = 5 * time.Second
	envEmulatorHost     = "FIRESTORE_EMULATOR_HOST"
	envGoogleProjectID  = "GOOGLE_CLOUD_PROJECT"
	healthDocPath       = "_health/ping"
)

// ErrProviderClosed is returned once Close has been called.
var ErrProviderClosed = errors.New("firestore: provider is closed")

type dialFunc func(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error)

// Provider owns the process-wide Firestore client. The client is dialled on first use. After a
// failed dial, callers get the same error until the cooldown passes, so an outage costs one dial
// attempt per cooldown instead of one per request.
type Provider struct {
	projectID    string
	emulatorHost string
	dialTimeout  time.Duration
	cooldown     time.Duration
	clientOpts   []option.ClientOption
	dial         dialFunc
	now          func() time.Time

	mu        sync.Mutex
	client    *firestore.Client
	lastErr   error
	nextRetry time.Time
	closed    bool
}

// ProviderOption customises the Provider behaviour.
type ProviderOption func(*Provider)

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(timeout time.Duration) ProviderOption {
	return func(p *Provider) {
		if timeout > 0 {
			p.dialTimeout = timeout
		}
	}
}

// WithDialCooldown sets how long a failed dial is remembered. Zero retries on every call.
func WithDialCooldown(cooldown time.Duration) ProviderOption {
	return func(p *Provider) {
		if cooldown >= 0 {
			p.cooldown = cooldown
		}
	}
}

// WithClientOptions appends client options applied when dialling.
func WithClientOptions(opts ...option.ClientOption) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, opts...)
	}
}

// NewProvider resolves the project and emulator settings; it does not dial.
func NewProvider(cfg config.FirestoreConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		projectID:    firstSet(cfg.ProjectID, os.Getenv(envGoogleProjectID)),
		emulatorHost: firstSet(cfg.EmulatorHost, os.Getenv(envEmulatorHost)),
		dialTimeout:  defaultDialTimeout,
		cooldown:     defaultDialCooldown,
		dial:         firestore.NewClient,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// ProjectID reports the resolved project.
func (p *Provider) ProjectID() string {
	if p == nil {
		return ""
	}
	return p.projectID
}

// Client returns the shared Firestore client, dialling it when necessary.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if p == nil {
		return nil, Unavailable("provider.client", errors.New("firestore: provider is nil"))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	case p.lastErr != nil && p.now().Before(p.nextRetry):
		return nil, p.lastErr
	}

	client, err := p.connect(ctx)
	if err != nil {
		p.lastErr = Unavailable("provider.client", err)
		p.nextRetry = p.now().Add(p.cooldown)
		return nil, p.lastErr
	}
	p.client, p.lastErr = client, nil
	return client, nil
}

func (p *Provider) connect(ctx context.Context) (*firestore.Client, error) {
	if p.projectID == "" {
		return nil, errors.New("firestore: project id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	opts := append([]option.ClientOption(nil), p.clientOpts...)
	if p.emulatorHost != "" {
		// The client library reads the variable itself for some code paths.
		if os.Getenv(envEmulatorHost) == "" {
			_ = os.Setenv(envEmulatorHost, p.emulatorHost)
		}
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(p.emulatorHost),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := p.dial(ctx, p.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}

// Close releases the client and waits for it up to ctx's deadline.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Ping reads a sentinel document. A missing document still proves connectivity.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Doc(healthDocPath).Get(ctx); err != nil && !isNotFound(err) {
		return WrapError("provider.ping", err)
	}
	return nil
}

// RunTransaction runs fn in a transaction on the provider's client, joining one already on ctx.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if tx, ok := TransactionFromContext(ctx); ok && fn != nil {
		return fn(ctx, tx)
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	return RunTransaction(ctx, client, fn, opts...)
}

func firstSet(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
