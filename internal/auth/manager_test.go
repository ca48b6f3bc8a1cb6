package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDID = "did:plc:alice123"

type memSessions struct {
	mu   sync.Mutex
	rows map[string]domain.Session
}

func (m *memSessions) SaveSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.DID] = *s
	return nil
}

func (m *memSessions) GetSession(_ context.Context, did string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[did]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *memSessions) DeleteSession(_ context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, did)
	return nil
}

func (m *memSessions) DeleteSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for did, s := range m.rows {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.rows, did)
			n++
		}
	}
	return n, nil
}

func token(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return tok
}

// newPDS serves createSession and refreshSession. refreshStatus overrides
// the refresh response when non-zero.
func newPDS(t *testing.T, refreshStatus int) *httptest.Server {
	t.Helper()
	fresh := token(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "app-pass" {
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "AuthenticationRequired"})
				return
			}
		case "/xrpc/com.atproto.server.refreshSession":
			if refreshStatus != 0 {
				w.WriteHeader(refreshStatus)
				json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken"})
				return
			}
		default:
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"did":        testDID,
			"handle":     "alice.test",
			"accessJwt":  fresh,
			"refreshJwt": "refresh",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, pds *httptest.Server) (*Manager, *memSessions) {
	t.Helper()
	repo := &memSessions{rows: make(map[string]domain.Session)}
	m := NewManager(repo, Config{PDSURL: pds.URL, SessionSecret: []byte("0123456789abcdef0123456789abcdef")},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return m, repo
}

func loginRequest() *http.Request {
	form := url.Values{"identifier": {"alice.test"}, "password": {"app-pass"}}
	r := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestLoginSetsCookieAndStoresSession(t *testing.T) {
	m, repo := newManager(t, newPDS(t, 0))

	rec := httptest.NewRecorder()
	sess, err := m.Login(rec, loginRequest(), "alice.test", "app-pass")
	require.NoError(t, err)
	assert.Equal(t, testDID, sess.DID)
	assert.Contains(t, repo.rows, testDID)

	next := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		next.AddCookie(c)
	}
	did, ok := m.CurrentDID(next)
	require.True(t, ok)
	assert.Equal(t, testDID, did)

	out := httptest.NewRecorder()
	require.NoError(t, m.Logout(out, next))
	assert.NotContains(t, repo.rows, testDID)
}

func TestLoginRejected(t *testing.T) {
	m, repo := newManager(t, newPDS(t, 0))

	_, err := m.Login(httptest.NewRecorder(), loginRequest(), "alice.test", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, repo.rows)
}

func TestCurrentDIDWithoutCookie(t *testing.T) {
	m, _ := newManager(t, newPDS(t, 0))
	_, ok := m.CurrentDID(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestCapability(t *testing.T) {
	pds := newPDS(t, 0)
	m, repo := newManager(t, pds)
	ctx := context.Background()

	_, err := m.Capability(ctx, testDID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	valid := token(t, time.Now().Add(time.Hour))
	repo.rows[testDID] = domain.Session{DID: testDID, PDS: pds.URL, AccessJWT: valid, RefreshJWT: "refresh"}

	w, err := m.Capability(ctx, testDID)
	require.NoError(t, err)
	assert.Equal(t, testDID, w.DID())
	assert.Equal(t, valid, repo.rows[testDID].AccessJWT, "fresh token is not refreshed")
}

func TestCapabilityRefreshesExpiringToken(t *testing.T) {
	pds := newPDS(t, 0)
	m, repo := newManager(t, pds)

	expiring := token(t, time.Now().Add(30*time.Second))
	repo.rows[testDID] = domain.Session{DID: testDID, PDS: pds.URL, AccessJWT: expiring, RefreshJWT: "refresh"}

	_, err := m.Capability(context.Background(), testDID)
	require.NoError(t, err)
	assert.NotEqual(t, expiring, repo.rows[testDID].AccessJWT)
}

func TestCapabilityDropsDeadSession(t *testing.T) {
	pds := newPDS(t, http.StatusBadRequest)
	m, repo := newManager(t, pds)

	repo.rows[testDID] = domain.Session{DID: testDID, PDS: pds.URL, AccessJWT: "expired", RefreshJWT: "refresh"}

	_, err := m.Capability(context.Background(), testDID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.NotContains(t, repo.rows, testDID)
}

// rotatingPDS issues single-use refresh tokens and rejects any token it has
// already rotated away.
type rotatingPDS struct {
	t        *testing.T
	mu       sync.Mutex
	current  string
	rotation int
}

func (p *rotatingPDS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/xrpc/com.atproto.server.refreshSession" {
		http.NotFound(w, r)
		return
	}
	// Hold the request open so concurrent callers overlap.
	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer "+p.current {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken"})
		return
	}
	p.rotation++
	p.current = fmt.Sprintf("refresh-%d", p.rotation)
	json.NewEncoder(w).Encode(map[string]string{
		"did":        testDID,
		"handle":     "alice.test",
		"accessJwt":  token(p.t, time.Now().Add(time.Hour)),
		"refreshJwt": p.current,
	})
}

func TestCapabilityConcurrentRefreshSpendsTokenOnce(t *testing.T) {
	pds := &rotatingPDS{t: t, current: "refresh-0"}
	srv := httptest.NewServer(pds)
	t.Cleanup(srv.Close)
	m, repo := newManager(t, srv)

	repo.rows[testDID] = domain.Session{
		DID:        testDID,
		PDS:        srv.URL,
		AccessJWT:  token(t, time.Now().Add(30*time.Second)),
		RefreshJWT: "refresh-0",
	}

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Capability(context.Background(), testDID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	pds.mu.Lock()
	assert.Equal(t, 1, pds.rotation)
	pds.mu.Unlock()

	stored, err := repo.GetSession(context.Background(), testDID)
	require.NoError(t, err, "the session must survive concurrent refreshes")
	assert.Equal(t, "refresh-1", stored.RefreshJWT)
}

func TestCleanupJob(t *testing.T) {
	m, repo := newManager(t, newPDS(t, 0))
	repo.rows["did:plc:old"] = domain.Session{DID: "did:plc:old", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	repo.rows[testDID] = domain.Session{DID: testDID, UpdatedAt: time.Now()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.StartCleanupJob(ctx, time.Hour, 24*time.Hour)

	assert.NotContains(t, repo.rows, "did:plc:old")
	assert.Contains(t, repo.rows, testDID)
}
