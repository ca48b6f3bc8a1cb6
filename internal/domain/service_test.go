package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStatuses struct {
	mu   sync.Mutex
	rows map[string]Status
	fail error
}

func newMemStatuses() *memStatuses {
	return &memStatuses{rows: make(map[string]Status)}
}

func (m *memStatuses) UpsertStatus(_ context.Context, s *Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	if _, ok := m.rows[s.URI]; ok {
		return false, nil
	}
	m.rows[s.URI] = *s
	return true, nil
}

func (m *memStatuses) GetStatus(_ context.Context, uri string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *memStatuses) sorted(did string) []Status {
	var out []Status
	for _, s := range m.rows {
		if s.Hidden || (did != "" && s.AuthorDID != did) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].URI > out[j].URI
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *memStatuses) LatestStatusForAuthor(_ context.Context, did string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sorted(did)
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (m *memStatuses) StatusHistoryForAuthor(_ context.Context, did string, limit int) ([]Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sorted(did)
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *memStatuses) GlobalFeed(_ context.Context, _ string, limit int) ([]Status, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.sorted("")
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, "", nil
}

func (m *memStatuses) DeleteStatus(_ context.Context, uri, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[uri]
	if !ok {
		return ErrNotFound
	}
	if s.AuthorDID != did {
		return ErrUnauthorized
	}
	delete(m.rows, uri)
	return nil
}

func (m *memStatuses) RemoveStatus(_ context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, uri)
	return nil
}

func (m *memStatuses) SetStatusHidden(_ context.Context, uri string, hidden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[uri]
	if !ok {
		return ErrNotFound
	}
	s.Hidden = hidden
	m.rows[uri] = s
	return nil
}

func (m *memStatuses) FrequentEmojis(context.Context, int) ([]EmojiCount, error) {
	return nil, nil
}

type memPrefs struct {
	rows map[string]Preferences
}

func (m *memPrefs) UpsertPreferences(_ context.Context, p *Preferences) (bool, error) {
	if cur, ok := m.rows[p.DID]; ok && cur.UpdatedAt.After(p.UpdatedAt) {
		return false, nil
	}
	m.rows[p.DID] = *p
	return true, nil
}

func (m *memPrefs) GetPreferences(_ context.Context, did string) (*Preferences, error) {
	p, ok := m.rows[did]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memPrefs) DeletePreferences(_ context.Context, did string) error {
	delete(m.rows, did)
	return nil
}

type memCursors struct{ v int64 }

func (m *memCursors) GetCursor(context.Context, string) (int64, error) { return m.v, nil }
func (m *memCursors) UpdateCursor(_ context.Context, _ string, c int64) error {
	m.v = c
	return nil
}

type fakeWriter struct {
	did       string
	nextRkey  string
	createErr error
	deleteErr error
	created   []any
	deleted   []string
	put       []any
}

func (w *fakeWriter) DID() string { return w.did }

func (w *fakeWriter) CreateRecord(ctx context.Context, collection string, record any) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return "", errors.New("remote call without deadline")
	}
	if w.createErr != nil {
		return "", w.createErr
	}
	w.created = append(w.created, record)
	return RecordURI(w.did, collection, w.nextRkey), nil
}

func (w *fakeWriter) PutRecord(_ context.Context, collection, rkey string, record any) (string, error) {
	w.put = append(w.put, record)
	return RecordURI(w.did, collection, rkey), nil
}

func (w *fakeWriter) DeleteRecord(_ context.Context, collection, rkey string) error {
	if w.deleteErr != nil {
		return w.deleteErr
	}
	w.deleted = append(w.deleted, RecordURI(w.did, collection, rkey))
	return nil
}

type recordingEmitter struct{ events []StatusEvent }

func (r *recordingEmitter) Emit(ev StatusEvent) { r.events = append(r.events, ev) }

type serviceFixture struct {
	svc      *StatusService
	statuses *memStatuses
	prefs    *memPrefs
	events   *recordingEmitter
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		statuses: newMemStatuses(),
		prefs:    &memPrefs{rows: make(map[string]Preferences)},
		events:   &recordingEmitter{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewStatusService(StatusServiceConfig{
		Statuses:    f.statuses,
		Preferences: f.prefs,
		Cursors:     &memCursors{},
		Events:      f.events,
		Now:         func() time.Time { return f.now },
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestCreateStatusIsVisibleImmediately(t *testing.T) {
	f := newServiceFixture(t)
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}

	s, err := f.svc.CreateStatus(context.Background(), w, StatusInput{Emoji: "🚀", Text: "launch"})
	require.NoError(t, err)
	assert.Equal(t, RecordURI(testDID, StatusCollection, "3kaaa"), s.URI)
	require.Len(t, w.created, 1)

	cur, err := f.svc.CurrentStatus(context.Background(), testDID)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, s.URI, cur.URI)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, EventStatusCreated, f.events.events[0].Event)
}

func TestCreateStatusThenFirehoseDuplicate(t *testing.T) {
	f := newServiceFixture(t)
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}
	ctx := context.Background()

	s, err := f.svc.CreateStatus(ctx, w, StatusInput{Emoji: "🚀"})
	require.NoError(t, err)

	rec := w.created[0].(*StatusRecord)
	fromFirehose, err := StatusFromRecord(s.URI, testDID, rec, f.now.Add(time.Second))
	require.NoError(t, err)

	inserted, err := f.svc.IngestStatus(ctx, fromFirehose)
	require.NoError(t, err)
	assert.False(t, inserted)

	history, err := f.svc.History(ctx, testDID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCreateStatusRemoteFailureLeavesNoTrace(t *testing.T) {
	f := newServiceFixture(t)
	w := &fakeWriter{
		did:       testDID,
		createErr: &RemoteWriteError{Kind: RemoteUnauthorized, Op: "createRecord", Err: errors.New("expired")},
	}

	_, err := f.svc.CreateStatus(context.Background(), w, StatusInput{Emoji: "🚀"})
	assert.True(t, IsRemoteKind(err, RemoteUnauthorized))
	assert.Empty(t, f.statuses.rows)
	assert.Empty(t, f.events.events)
}

func TestCreateStatusInvalidInputSkipsRemote(t *testing.T) {
	f := newServiceFixture(t)
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}

	_, err := f.svc.CreateStatus(context.Background(), w, StatusInput{Emoji: ""})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Empty(t, w.created)
}

func TestCreateStatusLocalFailureStillSucceeds(t *testing.T) {
	f := newServiceFixture(t)
	f.statuses.fail = errors.New("disk full")
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}

	s, err := f.svc.CreateStatus(context.Background(), w, StatusInput{Emoji: "🚀"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.URI)
}

func TestDeleteStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alice := &fakeWriter{did: testDID, nextRkey: "3kaaa"}
	bob := &fakeWriter{did: "did:plc:bob456", nextRkey: "3kbbb"}

	s, err := f.svc.CreateStatus(ctx, alice, StatusInput{Emoji: "🚀"})
	require.NoError(t, err)

	err = f.svc.DeleteStatus(ctx, bob, s.URI)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, bob.deleted)

	alice.deleteErr = &RemoteWriteError{Kind: RemoteTransient, Op: "deleteRecord", Err: errors.New("502")}
	err = f.svc.DeleteStatus(ctx, alice, s.URI)
	assert.True(t, IsRemoteKind(err, RemoteTransient))
	_, err = f.svc.GetStatus(ctx, s.URI)
	require.NoError(t, err, "local row must survive a failed remote delete")

	alice.deleteErr = nil
	require.NoError(t, f.svc.DeleteStatus(ctx, alice, s.URI))
	_, err = f.svc.GetStatus(ctx, s.URI)
	assert.ErrorIs(t, err, ErrNotFound)

	// The firehose delete arrives afterwards.
	require.NoError(t, f.svc.RemoveStatus(ctx, s.URI))
}

func TestClearStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}

	uri, err := f.svc.ClearStatus(ctx, w)
	require.NoError(t, err)
	assert.Empty(t, uri)

	s, err := f.svc.CreateStatus(ctx, w, StatusInput{Emoji: "🚀"})
	require.NoError(t, err)

	uri, err = f.svc.ClearStatus(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, s.URI, uri)
	assert.Equal(t, []string{s.URI}, w.deleted)
}

func TestCurrentStatusHidesExpired(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}

	_, err := f.svc.CreateStatus(ctx, w, StatusInput{Emoji: "🍕", ExpiresIn: "30m"})
	require.NoError(t, err)

	cur, err := f.svc.CurrentStatus(ctx, testDID)
	require.NoError(t, err)
	assert.NotNil(t, cur)

	f.now = f.now.Add(31 * time.Minute)
	cur, err = f.svc.CurrentStatus(ctx, testDID)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestSetHiddenKeepsPermalink(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	w := &fakeWriter{did: testDID, nextRkey: "3kaaa"}

	s, err := f.svc.CreateStatus(ctx, w, StatusInput{Emoji: "🤬"})
	require.NoError(t, err)
	require.NoError(t, f.svc.SetHidden(ctx, s.URI, true))

	feed, _, err := f.svc.Feed(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, feed)

	got, err := f.svc.GetStatus(ctx, s.URI)
	require.NoError(t, err)
	assert.True(t, got.Hidden)

	assert.ErrorIs(t, f.svc.SetHidden(ctx, "at://did:plc:x/io.zzstoatzz.status.record/nope", true), ErrNotFound)
}

func TestPreferences(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	w := &fakeWriter{did: testDID}

	p, err := f.svc.GetPreferences(ctx, testDID)
	require.NoError(t, err)
	assert.Equal(t, DefaultAccentColor, p.AccentColor)

	saved, err := f.svc.SavePreferences(ctx, w, &Preferences{FontFamily: "serif", AccentColor: "#000000"})
	require.NoError(t, err)
	assert.Equal(t, testDID, saved.DID)
	require.Len(t, w.put, 1)

	p, err = f.svc.GetPreferences(ctx, testDID)
	require.NoError(t, err)
	assert.Equal(t, "serif", p.FontFamily)

	_, err = f.svc.SavePreferences(ctx, w, &Preferences{AccentColor: "red"})
	assert.ErrorIs(t, err, ErrInvalidPreferences)
}
