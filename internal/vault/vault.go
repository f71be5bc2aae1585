// Package vault lazily resolves provider credentials with a short-lived
// in-process cache. In development credentials come straight from the
// environment; in production a pluggable resolver can front a secret store.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/email-relay/internal/domain"
)

// DefaultTTL is how long resolved credentials stay cached.
const DefaultTTL = 5 * time.Minute

// Credentials holds everything an adapter needs to authenticate upstream.
// APIKey is used by Resend and Brevo; the AWS fields by SES.
type Credentials struct {
	APIKey    string
	AccessKey string
	SecretKey string
	Region    string
}

// Configured reports whether the credentials are usable for provider p.
func (c Credentials) Configured(p domain.Provider) bool {
	switch p {
	case domain.ProviderSES:
		return c.AccessKey != "" && c.SecretKey != ""
	default:
		return c.APIKey != ""
	}
}

// Resolver fetches credentials for a provider from some backing source.
type Resolver interface {
	Resolve(ctx context.Context, provider domain.Provider) (Credentials, error)
}

// Vault caches resolved credentials for DefaultTTL and coalesces concurrent
// lookups for the same provider into a single resolver call.
type Vault struct {
	resolver Resolver
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[domain.Provider]cachedCreds

	group singleflight.Group
}

type cachedCreds struct {
	creds     Credentials
	fetchedAt time.Time
}

// Option customizes a Vault.
type Option func(*Vault)

// WithTTL overrides the cache TTL. Used by tests.
func WithTTL(ttl time.Duration) Option {
	return func(v *Vault) { v.ttl = ttl }
}

// New creates a Vault over the given resolver.
func New(resolver Resolver, opts ...Option) *Vault {
	v := &Vault{
		resolver: resolver,
		ttl:      DefaultTTL,
		cache:    make(map[domain.Provider]cachedCreds),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// GetCredentials returns the credentials for provider, resolving and caching
// them if necessary. Returns domain.ErrUnconfigured when the backing source
// has nothing for this provider.
func (v *Vault) GetCredentials(ctx context.Context, provider domain.Provider) (Credentials, error) {
	if !provider.Valid() {
		return Credentials{}, fmt.Errorf("vault: unknown provider %q", provider)
	}

	v.mu.RLock()
	entry, ok := v.cache[provider]
	v.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < v.ttl {
		if !entry.creds.Configured(provider) {
			return Credentials{}, domain.ErrUnconfigured
		}
		return entry.creds, nil
	}

	res, err, _ := v.group.Do(string(provider), func() (interface{}, error) {
		creds, err := v.resolver.Resolve(ctx, provider)
		if err != nil {
			return Credentials{}, fmt.Errorf("resolve %s credentials: %w", provider, err)
		}
		v.mu.Lock()
		v.cache[provider] = cachedCreds{creds: creds, fetchedAt: time.Now()}
		v.mu.Unlock()
		return creds, nil
	})
	if err != nil {
		return Credentials{}, err
	}

	creds := res.(Credentials)
	if !creds.Configured(provider) {
		return Credentials{}, domain.ErrUnconfigured
	}
	return creds, nil
}

// ListConfigured returns the set of providers with usable credentials.
func (v *Vault) ListConfigured(ctx context.Context) []domain.Provider {
	var out []domain.Provider
	for _, p := range domain.AllProviders() {
		if _, err := v.GetCredentials(ctx, p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Shutdown clears the credential cache.
func (v *Vault) Shutdown() {
	v.mu.Lock()
	v.cache = make(map[domain.Provider]cachedCreds)
	v.mu.Unlock()
}

// EnvResolver reads credentials from the process environment using the
// contractual variable names.
type EnvResolver struct{}

// Resolve implements Resolver.
func (EnvResolver) Resolve(_ context.Context, provider domain.Provider) (Credentials, error) {
	switch provider {
	case domain.ProviderResend:
		return Credentials{APIKey: os.Getenv("RESEND_API_KEY")}, nil
	case domain.ProviderBrevo:
		return Credentials{APIKey: os.Getenv("BREVO_API_KEY")}, nil
	case domain.ProviderSES:
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return Credentials{
			AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			Region:    region,
		}, nil
	}
	return Credentials{}, fmt.Errorf("vault: unknown provider %q", provider)
}

// StaticResolver serves fixed credentials. Used for configuration-file-driven
// deployments and in tests.
type StaticResolver map[domain.Provider]Credentials

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, provider domain.Provider) (Credentials, error) {
	return r[provider], nil
}
