package identity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceDID   = "did:plc:alice123"
	malloryDID = "did:plc:mallory"
)

// countingDirectory records how many lookups reach the wrapped directory.
type countingDirectory struct {
	identity.Directory
	calls atomic.Int32
}

func (c *countingDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*identity.Identity, error) {
	c.calls.Add(1)
	return c.Directory.LookupHandle(ctx, h)
}

func (c *countingDirectory) LookupDID(ctx context.Context, did syntax.DID) (*identity.Identity, error) {
	c.calls.Add(1)
	return c.Directory.LookupDID(ctx, did)
}

func newMockNetwork() *countingDirectory {
	mock := identity.NewMockDirectory()
	mock.Insert(identity.Identity{DID: aliceDID, Handle: "alice.test"})
	mock.Insert(identity.Identity{DID: malloryDID, Handle: syntax.HandleInvalid})
	return &countingDirectory{Directory: mock}
}

func TestResolveHandle(t *testing.T) {
	r := NewResolver(newMockNetwork())
	ctx := context.Background()

	did, err := r.ResolveHandle(ctx, "ALICE.test")
	require.NoError(t, err)
	assert.Equal(t, aliceDID, did)

	_, err = r.ResolveHandle(ctx, "nobody.test")
	assert.ErrorIs(t, err, identity.ErrHandleNotFound)

	_, err = r.ResolveHandle(ctx, "not a handle")
	assert.Error(t, err)
}

func TestHandle(t *testing.T) {
	r := NewResolver(newMockNetwork())
	ctx := context.Background()

	assert.Equal(t, "alice.test", r.Handle(ctx, aliceDID))
	assert.Equal(t, malloryDID, r.Handle(ctx, malloryDID), "unverified handles render as the DID")
	assert.Equal(t, "did:plc:missing", r.Handle(ctx, "did:plc:missing"))
	assert.Equal(t, "garbage", r.Handle(ctx, "garbage"))
}

func TestCachedLookupsStayLocal(t *testing.T) {
	network := newMockNetwork()
	r := NewResolver(newCacheDirectory(network, Config{
		CacheSize:        100,
		CacheTTL:         time.Hour,
		ErrTTL:           time.Hour,
		InvalidHandleTTL: time.Hour,
	}))
	ctx := context.Background()

	assert.Equal(t, "alice.test", r.Handle(ctx, aliceDID))
	calls := network.calls.Load()
	assert.Equal(t, "alice.test", r.Handle(ctx, aliceDID))
	assert.Equal(t, calls, network.calls.Load(), "cached lookups must not hit the network")

	assert.Equal(t, "did:plc:missing", r.Handle(ctx, "did:plc:missing"))
	calls = network.calls.Load()
	assert.Equal(t, "did:plc:missing", r.Handle(ctx, "did:plc:missing"))
	assert.Equal(t, calls, network.calls.Load(), "errors are cached")
}

func TestFailedLookupsExpire(t *testing.T) {
	network := newMockNetwork()
	r := NewResolver(newCacheDirectory(network, Config{
		CacheSize:        10,
		CacheTTL:         time.Hour,
		ErrTTL:           time.Nanosecond,
		InvalidHandleTTL: time.Hour,
	}))
	ctx := context.Background()

	r.Handle(ctx, "did:plc:missing")
	calls := network.calls.Load()
	time.Sleep(time.Millisecond)
	r.Handle(ctx, "did:plc:missing")
	assert.Greater(t, network.calls.Load(), calls)
}
