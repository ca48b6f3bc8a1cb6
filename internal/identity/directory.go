// Package identity resolves handles and DIDs for display and login.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/hashicorp/go-retryablehttp"
)

type Config struct {
	PLCURL string

	// CacheSize bounds the number of cached handles and identities. Zero
	// means unlimited.
	CacheSize int
	CacheTTL  time.Duration

	// ErrTTL is how long failed lookups are remembered.
	ErrTTL time.Duration

	// InvalidHandleTTL is how long an identity whose handle does not verify
	// is kept before it is looked up again.
	InvalidHandleTTL time.Duration
}

// NewDirectory builds a caching directory that resolves did:plc through
// PLCURL, did:web over HTTPS and handles over DNS or the well-known endpoint.
func NewDirectory(cfg Config, logger *slog.Logger) identity.Directory {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = logger
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second

	base := &identity.BaseDirectory{
		PLCURL:                cfg.PLCURL,
		HTTPClient:            *client,
		TryAuthoritativeDNS:   true,
		SkipDNSDomainSuffixes: []string{".bsky.social"},
	}
	return newCacheDirectory(base, cfg)
}

func newCacheDirectory(inner identity.Directory, cfg Config) identity.Directory {
	dir := identity.NewCacheDirectory(inner, cfg.CacheSize, cfg.CacheTTL, cfg.ErrTTL, cfg.InvalidHandleTTL)
	return dir
}

// Resolver adapts a Directory to the plain-string lookups used when
// rendering statuses and resolving profile paths.
type Resolver struct {
	dir identity.Directory
}

func NewResolver(dir identity.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// ResolveHandle returns the DID a handle points at. The handle must be
// verified by the DID document it points to.
func (r *Resolver) ResolveHandle(ctx context.Context, handle string) (string, error) {
	h, err := syntax.ParseHandle(handle)
	if err != nil {
		return "", fmt.Errorf("parse handle: %w", err)
	}

	start := time.Now()
	ident, err := r.dir.LookupHandle(ctx, h.Normalize())
	observe(handleResolution, handleResolutionDuration, start, err)
	if err != nil {
		return "", fmt.Errorf("resolve handle %s: %w", h, err)
	}
	return ident.DID.String(), nil
}

// Handle returns the verified handle of did, or did itself when it cannot be
// resolved. It is meant for rendering and never fails.
func (r *Resolver) Handle(ctx context.Context, did string) string {
	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return did
	}

	start := time.Now()
	ident, err := r.dir.LookupDID(ctx, parsed)
	observe(didResolution, didResolutionDuration, start, err)
	if err != nil || ident.Handle.IsInvalidHandle() {
		return did
	}
	return ident.Handle.String()
}
