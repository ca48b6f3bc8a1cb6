package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/blackmichael/statusphere/internal/sqlstore"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeIngester struct {
	mu       sync.Mutex
	statuses map[string]domain.Status
	prefs    map[string]domain.Preferences
	ingests  int
	removes  int
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{
		statuses: make(map[string]domain.Status),
		prefs:    make(map[string]domain.Preferences),
	}
}

func (f *fakeIngester) IngestStatus(_ context.Context, s *domain.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingests++
	if _, ok := f.statuses[s.URI]; ok {
		return false, nil
	}
	f.statuses[s.URI] = *s
	return true, nil
}

func (f *fakeIngester) RemoveStatus(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	delete(f.statuses, uri)
	return nil
}

func (f *fakeIngester) IngestPreferences(_ context.Context, p *domain.Preferences) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs[p.DID] = *p
	return true, nil
}

func (f *fakeIngester) RemovePreferences(_ context.Context, did string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.prefs, did)
	return nil
}

func (f *fakeIngester) has(uri string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.statuses[uri]
	return ok
}

func (f *fakeIngester) ingestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ingests
}

type memCursors struct {
	mu     sync.Mutex
	cursor int64
	saves  int
}

func (m *memCursors) GetCursor(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *memCursors) UpdateCursor(_ context.Context, service string, cursor int64) error {
	if service != CursorServiceName {
		return errors.New("unexpected service " + service)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = cursor
	m.saves++
	return nil
}

func (m *memCursors) get() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

func newTestSubscriber(t *testing.T, cfg Config, ingester Ingester, cursors CursorStore) *Subscriber {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "wss://jetstream.test/subscribe"
	}
	s, err := NewSubscriber(cfg, ingester, cursors, discard)
	require.NoError(t, err)
	return s
}

func TestBuildURL(t *testing.T) {
	s := newTestSubscriber(t, Config{URL: "wss://jetstream.test/subscribe?compress=false"}, newFakeIngester(), &memCursors{})

	u, err := url.Parse(s.buildURL(0))
	require.NoError(t, err)
	assert.Equal(t, "false", u.Query().Get("compress"))
	assert.Equal(t, wantedCollections, u.Query()["wantedCollections"])
	assert.False(t, u.Query().Has("cursor"))

	u, err = url.Parse(s.buildURL(1700000000000000))
	require.NoError(t, err)
	assert.Equal(t, "1700000000000000", u.Query().Get("cursor"))
}

func TestHandleMessageMalformedThenValid(t *testing.T) {
	ctx := context.Background()
	ing := newFakeIngester()
	s := newTestSubscriber(t, Config{}, ing, &memCursors{})

	bad := commitJSON(testDID, 10, "create", domain.StatusCollection, "3kbad", map[string]any{"emoji": ""})
	err := s.HandleMessage(ctx, bad)
	assert.True(t, errors.Is(err, domain.ErrMalformedEvent), "got %v", err)
	assert.Zero(t, s.Cursor())

	good := commitJSON(testDID, 11, "create", domain.StatusCollection, "3kgood", statusRecord("🙂", "fine"))
	require.NoError(t, s.HandleMessage(ctx, good))
	assert.True(t, ing.has(domain.RecordURI(testDID, domain.StatusCollection, "3kgood")))
	assert.Equal(t, int64(11), s.Cursor())
}

func TestHandleMessageForeignEvents(t *testing.T) {
	ctx := context.Background()
	ing := newFakeIngester()
	s := newTestSubscriber(t, Config{}, ing, &memCursors{})

	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 20, "create", "app.bsky.feed.like", "3klike", map[string]any{"subject": "x"})))
	require.NoError(t, s.HandleMessage(ctx, []byte(`{"did":"did:plc:alice123","time_us":21,"kind":"account","account":{"active":true}}`)))

	assert.Zero(t, ing.ingestCount())
	assert.Equal(t, int64(21), s.Cursor())
}

func TestHandleMessageCursorNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := newTestSubscriber(t, Config{}, newFakeIngester(), &memCursors{})

	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 50, "create", domain.StatusCollection, "3ka", statusRecord("🙂", ""))))
	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 40, "create", domain.StatusCollection, "3kb", statusRecord("🙂", ""))))
	assert.Equal(t, int64(50), s.Cursor())
}

func TestHandleMessagePreferences(t *testing.T) {
	ctx := context.Background()
	ing := newFakeIngester()
	s := newTestSubscriber(t, Config{}, ing, &memCursors{})

	rec := map[string]any{"$type": domain.PreferencesCollection, "theme": "dark", "updatedAt": "2025-03-01T11:00:00Z"}
	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 1, "create", domain.PreferencesCollection, "self", rec)))
	assert.Equal(t, "dark", ing.prefs[testDID].Theme)

	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 2, "delete", domain.PreferencesCollection, "self", nil)))
	assert.Empty(t, ing.prefs)
}

// storeWriter stands in for the author's repository: it accepts every
// create and remembers the record so the test can replay it as a firehose
// event.
type storeWriter struct {
	did     string
	records map[string]any
}

func (w *storeWriter) DID() string { return w.did }

func (w *storeWriter) CreateRecord(_ context.Context, collection string, record any) (string, error) {
	rkey := "3k" + strings.Repeat("x", len(w.records)+1)
	w.records[rkey] = record
	return domain.RecordURI(w.did, collection, rkey), nil
}

func (w *storeWriter) PutRecord(_ context.Context, collection, rkey string, record any) (string, error) {
	w.records[rkey] = record
	return domain.RecordURI(w.did, collection, rkey), nil
}

func (w *storeWriter) DeleteRecord(_ context.Context, _, rkey string) error {
	delete(w.records, rkey)
	return nil
}

func newStoreBackedService(t *testing.T) (*domain.StatusService, *sqlstore.Repository) {
	t.Helper()
	repo, err := sqlstore.NewRepository(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "firehose.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	svc, err := domain.NewStatusService(domain.StatusServiceConfig{
		Statuses:    repo,
		Preferences: repo,
		Cursors:     repo,
	}, discard)
	require.NoError(t, err)
	return svc, repo
}

func TestOptimisticWriteThenFirehoseIsDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, repo := newStoreBackedService(t)
	s := newTestSubscriber(t, Config{}, svc, repo)
	writer := &storeWriter{did: testDID, records: make(map[string]any)}

	created, err := svc.CreateStatus(ctx, writer, domain.StatusInput{Emoji: "🚀", Text: "launch"})
	require.NoError(t, err)

	_, _, rkey, err := domain.ParseRecordURI(created.URI)
	require.NoError(t, err)
	record, err := json.Marshal(writer.records[rkey])
	require.NoError(t, err)

	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 1, "create", domain.StatusCollection, rkey, json.RawMessage(record))))

	history, err := svc.History(ctx, testDID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, created.URI, history[0].URI)
	assert.True(t, created.CreatedAt.Equal(history[0].CreatedAt))
	assert.WithinDuration(t, created.IndexedAt, history[0].IndexedAt, time.Millisecond)
}

func TestDeleteEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, repo := newStoreBackedService(t)
	s := newTestSubscriber(t, Config{}, svc, repo)

	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 1, "create", domain.StatusCollection, "3kgone", statusRecord("👋", ""))))
	del := commitJSON(testDID, 2, "delete", domain.StatusCollection, "3kgone", nil)
	require.NoError(t, s.HandleMessage(ctx, del))
	require.NoError(t, s.HandleMessage(ctx, del))

	_, err := svc.GetStatus(ctx, domain.RecordURI(testDID, domain.StatusCollection, "3kgone"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A delete for a record this process never saw is not an error either.
	require.NoError(t, s.HandleMessage(ctx, commitJSON(testDID, 3, "delete", domain.StatusCollection, "3knever", nil)))
}

func TestStartReconnectsAndResumes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	requested := make(chan string, 8)
	var conns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, wantedCollections, r.URL.Query()["wantedCollections"])
		requested <- r.URL.Query().Get("cursor")

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		send := func(data []byte) {
			assert.NoError(t, c.WriteMessage(websocket.TextMessage, data))
		}
		if conns.Add(1) == 1 {
			send([]byte(`not json`))
			send(commitJSON(testDID, 100, "create", domain.StatusCollection, "3kone", statusRecord("🙂", "")))
			send([]byte(`{"did":"did:plc:alice123","time_us":150,"kind":"identity"}`))
			return
		}
		send(commitJSON(testDID, 100, "create", domain.StatusCollection, "3kone", statusRecord("🙂", "")))
		send(commitJSON(testDID, 200, "create", domain.StatusCollection, "3ktwo", statusRecord("🌙", "")))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ing := newFakeIngester()
	cursors := &memCursors{cursor: 50}
	s := newTestSubscriber(t, Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/subscribe",
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, ing, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	assert.Equal(t, "50", <-requested)
	assert.Equal(t, "150", <-requested)

	require.Eventually(t, func() bool {
		return ing.has(domain.RecordURI(testDID, domain.StatusCollection, "3ktwo"))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStreaming, s.State())

	// The replayed event at 100 was skipped.
	assert.Equal(t, 2, ing.ingestCount())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, int64(200), cursors.get())
}

func TestStartStopsDuringBackoff(t *testing.T) {
	var dials atomic.Int32
	s := newTestSubscriber(t, Config{
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Dial: func(context.Context, string) (Conn, error) {
			dials.Add(1)
			return nil, errors.New("connection refused")
		},
	}, newFakeIngester(), &memCursors{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return dials.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "streaming", StateStreaming.String())
}

type scriptedConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptedConn(msgs ...[]byte) *scriptedConn {
	c := &scriptedConn{msgs: make(chan []byte, len(msgs)), closed: make(chan struct{})}
	for _, m := range msgs {
		c.msgs <- m
	}
	return c
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.msgs:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestRestartSkipsEventsAtOrBeforePersistedCursor(t *testing.T) {
	ing := newFakeIngester()
	cursors := &memCursors{cursor: 200}
	dialed := make(chan string, 1)

	conn := newScriptedConn(
		commitJSON(testDID, 150, "create", domain.StatusCollection, "3kold", statusRecord("🙂", "")),
		commitJSON(testDID, 200, "create", domain.StatusCollection, "3kedge", statusRecord("🙂", "")),
		commitJSON(testDID, 300, "create", domain.StatusCollection, "3knew", statusRecord("🙂", "")),
	)
	s := newTestSubscriber(t, Config{
		Dial: func(_ context.Context, u string) (Conn, error) {
			dialed <- u
			return conn, nil
		},
	}, ing, cursors)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	u, err := url.Parse(<-dialed)
	require.NoError(t, err)
	assert.Equal(t, "200", u.Query().Get("cursor"))

	require.Eventually(t, func() bool {
		return ing.has(domain.RecordURI(testDID, domain.StatusCollection, "3knew"))
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ing.ingestCount())
	assert.False(t, ing.has(domain.RecordURI(testDID, domain.StatusCollection, "3kedge")))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, int64(300), cursors.get())
}
