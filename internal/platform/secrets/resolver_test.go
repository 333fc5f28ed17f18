package secrets

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	calls  map[string]int
	opts   int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, calls: map[string]int{}}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.GetName()]++
	f.opts = len(opts)
	if f.err != nil {
		return nil, f.err
	}
	value, ok := f.values[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "missing")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
	}, nil
}

func (f *fakeSecretClient) Close() error { return nil }

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fallback: %v", err)
	}
	return path
}

func TestResolveSecretCachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	client := newFakeSecretClient()
	resource := "projects/greenbasket-prod/secrets/redis-password/versions/latest"
	client.values[resource] = "s3cret"

	resolver, err := NewResolver(ctx,
		WithClient(client),
		WithProject("greenbasket-prod"),
		WithFallbackFile(""),
		WithTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := resolver.ResolveSecret(ctx, "secret://redis-password")
		if err != nil {
			t.Fatalf("ResolveSecret: %v", err)
		}
		if got != "s3cret" {
			t.Fatalf("expected s3cret, got %q", got)
		}
	}
	if client.calls[resource] != 1 {
		t.Fatalf("expected one remote call, got %d", client.calls[resource])
	}
	if client.opts != 1 {
		t.Fatalf("expected retry call option to be passed")
	}

	now = now.Add(2 * time.Minute)
	if _, err := resolver.ResolveSecret(ctx, "sm://redis-password"); err != nil {
		t.Fatalf("ResolveSecret after ttl: %v", err)
	}
	if client.calls[resource] != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", client.calls[resource])
	}
}

func TestResolveSecretPinnedVersionAndProject(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/shared/secrets/oidc-audience/versions/4"] = "https://api.greenbasket.vn"

	resolver, _ := NewResolver(ctx, WithClient(client), WithProject("greenbasket-prod"), WithFallbackFile(""))
	got, err := resolver.ResolveSecret(ctx, "secret://oidc-audience?version=4&project=shared")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "https://api.greenbasket.vn" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestResolveSecretFallsBackWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.err = status.Error(codes.Unavailable, "down")
	path := writeFallback(t, "secret://redis-password=local-pass\n")

	resolver, _ := NewResolver(ctx, WithClient(client), WithProject("greenbasket-dev"), WithFallbackFile(path))
	got, err := resolver.ResolveSecret(ctx, "secret://redis-password")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "local-pass" {
		t.Fatalf("expected fallback value, got %q", got)
	}
}

func TestResolveSecretWithoutProjectUsesFallback(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	path := writeFallback(t, "secret://oidc-audience=local-audience\n")

	resolver, _ := NewResolver(ctx, WithClient(client), WithFallbackFile(path))
	got, err := resolver.ResolveSecret(ctx, "secret://oidc-audience")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "local-audience" {
		t.Fatalf("expected fallback value, got %q", got)
	}
	if len(client.calls) != 0 {
		t.Fatalf("expected no remote calls without a project")
	}
}

func TestResolveSecretPropagatesHardErrors(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.err = status.Error(codes.InvalidArgument, "bad name")
	path := writeFallback(t, "secret://redis-password=local-pass\n")

	resolver, _ := NewResolver(ctx, WithClient(client), WithProject("greenbasket-prod"), WithFallbackFile(path))
	if _, err := resolver.ResolveSecret(ctx, "secret://redis-password"); err == nil {
		t.Fatalf("expected invalid argument to surface")
	}
}

func TestResolveSecretRejectsBadReferences(t *testing.T) {
	resolver, _ := NewResolver(context.Background(), WithClient(newFakeSecretClient()), WithFallbackFile(""))
	for _, ref := range []string{"", "https://example.com/x", "secret://", "secret://missing"} {
		if _, err := resolver.ResolveSecret(context.Background(), ref); err == nil {
			t.Fatalf("expected %q to fail", ref)
		}
	}
}
