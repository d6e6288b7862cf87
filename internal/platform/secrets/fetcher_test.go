package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/synclune/api/internal/platform/config"
)

const webhookResource = "projects/test/secrets/stripe_webhook_secret/versions/latest"

var _ config.SecretResolver = (*Fetcher)(nil)

func writeFallback(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_remote"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithLogger(zap.NewNop()),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret")
		if err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
		if got != "whsec_remote" {
			t.Fatalf("expected whsec_remote, got %s", got)
		}
	}
	if calls := client.callCount(webhookResource); calls != 1 {
		t.Fatalf("expected one remote fetch, got %d", calls)
	}
}

func TestResolveRefetchesAfterTTL(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_old"
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	if _, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	client.set(webhookResource, "whsec_rotated")
	now = now.Add(time.Minute)

	got, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret")
	if err != nil {
		t.Fatalf("Resolve after ttl: %v", err)
	}
	if got != "whsec_rotated" {
		t.Fatalf("expected rotated secret, got %s", got)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[webhookResource] = "whsec_remote"

	fetcher, err := NewFetcher(ctx, WithSecretManagerClient(client), WithProject("test"), WithCacheTTL(0))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fetcher.Invalidate("sm://stripe_webhook_secret")
	if _, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if calls := client.callCount(webhookResource); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[webhookResource] = status.Error(codes.PermissionDenied, "denied")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(writeFallback(t, "# local development\nSTRIPE_WEBHOOK_SECRET=whsec_local\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.ResolveSecret(ctx, "sm://stripe_webhook_secret")
	if err != nil {
		t.Fatalf("ResolveSecret: %v", err)
	}
	if got != "whsec_local" {
		t.Fatalf("expected fallback value, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.errors[webhookResource] = status.Error(codes.NotFound, "missing")

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithFallbackFile(writeFallback(t, "stripe_webhook_secret=whsec_local\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	if _, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret"); err == nil {
		t.Fatal("expected NotFound to surface")
	}
}

func TestResolveUsesVersionPins(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	pinned := "projects/test/secrets/stripe_webhook_secret/versions/5"
	client.values[pinned] = "whsec_v5"

	fetcher, err := NewFetcher(ctx,
		WithSecretManagerClient(client),
		WithProject("test"),
		WithVersionPins(map[string]string{"sm://stripe_webhook_secret": "5"}),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}

	got, err := fetcher.Resolve(ctx, "secret://stripe_webhook_secret")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "whsec_v5" || client.callCount(pinned) != 1 {
		t.Fatalf("expected pinned version, got %s", got)
	}

	explicit := "projects/other/secrets/stripe_webhook_secret/versions/2"
	client.set(explicit, "whsec_other")
	got, err = fetcher.Resolve(ctx, "secret://stripe_webhook_secret?version=2&project=other")
	if err != nil || got != "whsec_other" {
		t.Fatalf("expected query overrides to win, got %q (%v)", got, err)
	}
}

func TestNewFetcherWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	fetcher, err := NewFetcher(ctx,
		WithProject("test"),
		WithFallbackFile(writeFallback(t, "db_password=changeme\n")),
	)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	value, err := fetcher.Resolve(ctx, "secret://db_password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if value != "changeme" {
		t.Fatalf("expected fallback value, got %s", value)
	}

	if _, err := fetcher.Resolve(ctx, "secret://amqp_url"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseReferenceRejectsInvalidInput(t *testing.T) {
	for _, ref := range []string{"", "https://example.com/secret", "secret://"} {
		if _, err := parseReference(ref); err == nil {
			t.Fatalf("expected %q to be rejected", ref)
		}
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := req.GetName()
	f.counter[name]++
	if err, ok := f.errors[name]; ok {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	f.values[name] = value
	f.mu.Unlock()
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
