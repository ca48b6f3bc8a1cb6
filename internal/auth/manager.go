// Package auth is the boundary between signed-in browsers and the accounts
// they act for. A signed cookie carries the account DID; tokens stay in the
// session repository.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/statusphere/internal/bluesky"
	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/gorilla/sessions"
	"golang.org/x/sync/singleflight"
)

const (
	cookieName    = "statusphere"
	accountDIDKey = "account_did"

	// refreshWithin is how close to expiry an access token may get before
	// it is refreshed.
	refreshWithin = 2 * time.Minute
)

// Config configures a Manager.
type Config struct {
	// PDSURL is where logins are sent first; the account's own PDS is
	// discovered from the login response.
	PDSURL string

	SessionSecret []byte

	// Secure marks the cookie as HTTPS only.
	Secure bool

	// MaxAge of the cookie. Defaults to 30 days.
	MaxAge time.Duration
}

// Manager signs accounts in and out and mints repository write
// capabilities for signed-in accounts.
type Manager struct {
	sessions domain.SessionRepository
	cookies  *sessions.CookieStore
	pdsURL   string
	logger   *slog.Logger

	refreshes singleflight.Group
}

// NewManager creates a Manager.
func NewManager(repo domain.SessionRepository, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * 24 * time.Hour
	}

	store := sessions.NewCookieStore(cfg.SessionSecret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &Manager{
		sessions: repo,
		cookies:  store,
		pdsURL:   cfg.PDSURL,
		logger:   logger,
	}
}

// Login authenticates with an app password, stores the resulting tokens and
// sets the session cookie. Rejected credentials return ErrUnauthorized.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, identifier, password string) (*domain.Session, error) {
	ctx := r.Context()

	client := bluesky.NewClient(m.pdsURL)
	sess, err := client.Login(ctx, identifier, password)
	if bluesky.IsAuthError(err) {
		return nil, fmt.Errorf("login %s: %w", identifier, domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", identifier, err)
	}

	if err := m.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	cookie, _ := m.cookies.Get(r, cookieName)
	cookie.Values[accountDIDKey] = sess.DID
	if err := cookie.Save(r, w); err != nil {
		return nil, fmt.Errorf("save cookie: %w", err)
	}

	m.logger.Info("account signed in", "did", sess.DID, "handle", sess.Handle)
	return sess, nil
}

// Logout forgets the stored tokens and clears the cookie.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	if did, ok := m.CurrentDID(r); ok {
		if err := m.sessions.DeleteSession(r.Context(), did); err != nil {
			m.logger.Error("failed to delete session", "did", did, "error", err)
		}
	}

	cookie, _ := m.cookies.Get(r, cookieName)
	cookie.Values = make(map[any]any)
	cookie.Options.MaxAge = -1
	if err := cookie.Save(r, w); err != nil {
		return fmt.Errorf("clear cookie: %w", err)
	}
	return nil
}

// CurrentDID returns the account the request's cookie is signed in as.
func (m *Manager) CurrentDID(r *http.Request) (string, bool) {
	cookie, err := m.cookies.Get(r, cookieName)
	if err != nil {
		return "", false
	}
	did, ok := cookie.Values[accountDIDKey].(string)
	return did, ok && did != ""
}

// Capability returns a writer bound to did's repository, refreshing its
// tokens first when needed. Accounts without a usable session get
// ErrUnauthorized.
func (m *Manager) Capability(ctx context.Context, did string) (domain.RepoWriter, error) {
	stored, err := m.loadSession(ctx, did)
	if err != nil {
		return nil, err
	}

	client := bluesky.Resume(stored)
	if !client.AccessExpiresWithin(refreshWithin) {
		return client, nil
	}

	// Refresh tokens are single use: concurrent requests for one account
	// share a single refresh.
	v, err, _ := m.refreshes.Do(did, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), did)
	})
	if err != nil {
		return nil, err
	}
	return bluesky.Resume(v.(*domain.Session)), nil
}

func (m *Manager) refresh(ctx context.Context, did string) (*domain.Session, error) {
	// An earlier flight may have refreshed while this caller was loading.
	stored, err := m.loadSession(ctx, did)
	if err != nil {
		return nil, err
	}
	client := bluesky.Resume(stored)
	if !client.AccessExpiresWithin(refreshWithin) {
		return stored, nil
	}

	refreshed, err := client.Refresh(ctx)
	if bluesky.IsAuthError(err) {
		if err := m.sessions.DeleteSession(ctx, did); err != nil {
			m.logger.Error("failed to delete session", "did", did, "error", err)
		}
		return nil, fmt.Errorf("session for %s expired: %w", did, domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, &domain.RemoteWriteError{Kind: domain.RemoteTransient, Op: "refreshSession", Err: err}
	}

	if err := m.sessions.SaveSession(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("store refreshed session: %w", err)
	}
	m.logger.Debug("session refreshed", "did", did)
	return refreshed, nil
}

func (m *Manager) loadSession(ctx context.Context, did string) (*domain.Session, error) {
	stored, err := m.sessions.GetSession(ctx, did)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("no session for %s: %w", did, domain.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return stored, nil
}

// StartCleanupJob removes sessions idle for longer than maxIdle. It runs
// immediately on start and then repeats at the given interval. It blocks
// until ctx is cancelled.
func (m *Manager) StartCleanupJob(ctx context.Context, interval, maxIdle time.Duration) {
	m.runCleanup(ctx, maxIdle)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCleanup(ctx, maxIdle)
		}
	}
}

func (m *Manager) runCleanup(ctx context.Context, maxIdle time.Duration) {
	deleted, err := m.sessions.DeleteSessionsBefore(ctx, time.Now().Add(-maxIdle))
	if err != nil {
		m.logger.Error("session cleanup failed", "error", err)
	} else if deleted > 0 {
		m.logger.Info("session cleanup complete", "deleted", deleted)
	}
}
