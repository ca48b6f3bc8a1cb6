package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

// CursorServiceName is the key the Jetstream cursor is stored under.
const CursorServiceName = "jetstream"

const (
	cursorSaveInterval = 5 * time.Second
	statsInterval      = 30 * time.Second

	// healthyStream is how long a connection must stream before the
	// reconnect backoff starts over.
	healthyStream = time.Minute
)

// wantedCollections is the set of collection NSIDs requested from Jetstream.
var wantedCollections = []string{
	domain.StatusCollection,
	domain.PreferencesCollection,
}

// Ingester reconciles records seen on the firehose into local storage.
type Ingester interface {
	IngestStatus(ctx context.Context, status *domain.Status) (bool, error)
	RemoveStatus(ctx context.Context, uri string) error
	IngestPreferences(ctx context.Context, p *domain.Preferences) (bool, error)
	RemovePreferences(ctx context.Context, did string) error
}

// CursorStore persists the position in the stream.
type CursorStore interface {
	GetCursor(ctx context.Context, service string) (int64, error)
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}

// Conn is a message-oriented connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// State is the connection state of a Subscriber.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Config configures a Subscriber.
type Config struct {
	URL string

	// InitialBackoff and MaxBackoff bound the reconnect delay. Default 1s
	// and 60s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Dial overrides the websocket dialer.
	Dial DialFunc
}

// Subscriber connects to the Jetstream firehose and processes events.
type Subscriber struct {
	url       string
	ingester  Ingester
	cursors   CursorStore
	validator *recordValidator
	dial      DialFunc
	backoff   *backoff.ExponentialBackOff
	logger    *slog.Logger

	state  atomic.Int32
	cursor atomic.Int64
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(cfg Config, ingester Ingester, cursors CursorStore, logger *slog.Logger) (*Subscriber, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse firehose url: %w", err)
	}
	validator, err := newRecordValidator()
	if err != nil {
		return nil, err
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Minute
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialBackoff,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         cfg.MaxBackoff,
	}
	b.Reset()

	if cfg.Dial == nil {
		cfg.Dial = dialWebsocket
	}

	return &Subscriber{
		url:       cfg.URL,
		ingester:  ingester,
		cursors:   cursors,
		validator: validator,
		dial:      cfg.Dial,
		backoff:   b,
		logger:    logger,
	}, nil
}

func dialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Cursor returns the time_us of the newest processed event.
func (s *Subscriber) Cursor() int64 {
	return s.cursor.Load()
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
	connectionState.Set(float64(st))
}

// Start connects to the firehose and processes events until the context is
// cancelled. It reconnects with exponential backoff on errors and flushes
// the cursor before returning.
func (s *Subscriber) Start(ctx context.Context) error {
	defer s.flushCursor()
	defer s.setState(StateDisconnected)

	for {
		started := time.Now()
		err := s.subscribe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.setState(StateDisconnected)

		if time.Since(started) >= healthyStream {
			s.backoff.Reset()
		}
		delay := s.backoff.NextBackOff()
		s.logger.Error("firehose connection error, reconnecting", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// resumeCursor prefers the in-memory mark, which is never behind the
// persisted one.
func (s *Subscriber) resumeCursor(ctx context.Context) int64 {
	if c := s.cursor.Load(); c > 0 {
		return c
	}
	c, err := s.cursors.GetCursor(ctx, CursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
		return 0
	}
	s.cursor.Store(c)
	return c
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	s.setState(StateConnecting)
	resumeFrom := s.resumeCursor(ctx)

	wsURL := s.buildURL(resumeFrom)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, err := s.dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// ReadMessage does not take a context; closing the connection unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.setState(StateStreaming)
	s.logger.Info("connected to firehose", "cursor", resumeFrom)

	lastCursorSave := time.Now()
	lastStatsLog := time.Now()
	var received, skipped, failed int64

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}
		received++

		if err := s.handle(ctx, message, resumeFrom); err != nil {
			if errors.Is(err, errReplayed) {
				skipped++
			} else {
				failed++
			}
		}

		if time.Since(lastStatsLog) >= statsInterval {
			s.logger.Info("firehose stats",
				"events_received", received,
				"events_replayed", skipped,
				"events_failed", failed,
				"cursor", s.cursor.Load(),
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			if err := s.cursors.UpdateCursor(ctx, CursorServiceName, s.cursor.Load()); err != nil {
				s.logger.Error("failed to save cursor", "error", err)
			} else {
				lastCursorSave = time.Now()
			}
		}
	}
}

var errReplayed = errors.New("event at or before resume cursor")

func (s *Subscriber) handle(ctx context.Context, message []byte, resumeFrom int64) error {
	event, err := parseEvent(message, s.validator, time.Now())
	if err != nil {
		eventsReceived.WithLabelValues("malformed").Inc()
		s.logger.Debug("dropping malformed event", "error", err)
		return err
	}

	if resumeFrom > 0 && event.Time() <= resumeFrom {
		return errReplayed
	}

	err = s.apply(ctx, event)
	s.advance(event.Time())
	return err
}

// HandleMessage decodes one Jetstream message and reconciles it into the
// store. Malformed events return an error wrapping domain.ErrMalformedEvent;
// callers are expected to log and carry on.
func (s *Subscriber) HandleMessage(ctx context.Context, message []byte) error {
	return s.handle(ctx, message, 0)
}

func (s *Subscriber) advance(timeUS int64) {
	for {
		cur := s.cursor.Load()
		if timeUS <= cur {
			return
		}
		if s.cursor.CompareAndSwap(cur, timeUS) {
			cursorPosition.Set(float64(timeUS) / 1e6)
			return
		}
	}
}

func (s *Subscriber) apply(ctx context.Context, event Event) error {
	switch ev := event.(type) {
	case *StatusCommit:
		eventsReceived.WithLabelValues("status").Inc()
		return s.applyStatus(ctx, ev)
	case *PreferencesCommit:
		eventsReceived.WithLabelValues("preferences").Inc()
		return s.applyPreferences(ctx, ev)
	case *ForeignEvent:
		eventsReceived.WithLabelValues("foreign").Inc()
		return nil
	default:
		return fmt.Errorf("unhandled event type %T", event)
	}
}

func (s *Subscriber) applyStatus(ctx context.Context, ev *StatusCommit) error {
	const collection = "status"

	if ev.Op == OpDelete {
		if err := s.ingester.RemoveStatus(ctx, ev.URI); err != nil {
			ingestResults.WithLabelValues(collection, "error").Inc()
			s.logger.Error("failed to remove status", "uri", ev.URI, "error", err)
			return err
		}
		ingestResults.WithLabelValues(collection, "deleted").Inc()
		s.logger.Debug("status removed", "uri", ev.URI)
		return nil
	}

	inserted, err := s.ingester.IngestStatus(ctx, ev.Status)
	if err != nil {
		ingestResults.WithLabelValues(collection, "error").Inc()
		s.logger.Error("failed to ingest status", "uri", ev.URI, "error", err)
		return err
	}
	if !inserted {
		ingestResults.WithLabelValues(collection, "duplicate").Inc()
		s.logger.Debug("status already stored", "uri", ev.URI)
		return nil
	}
	ingestResults.WithLabelValues(collection, "inserted").Inc()
	s.logger.Info("status ingested", "uri", ev.URI, "emoji", ev.Status.Emoji)
	return nil
}

func (s *Subscriber) applyPreferences(ctx context.Context, ev *PreferencesCommit) error {
	const collection = "preferences"

	if ev.Op == OpDelete {
		if err := s.ingester.RemovePreferences(ctx, ev.DID); err != nil {
			ingestResults.WithLabelValues(collection, "error").Inc()
			s.logger.Error("failed to remove preferences", "did", ev.DID, "error", err)
			return err
		}
		ingestResults.WithLabelValues(collection, "deleted").Inc()
		return nil
	}

	changed, err := s.ingester.IngestPreferences(ctx, ev.Preferences)
	if err != nil {
		ingestResults.WithLabelValues(collection, "error").Inc()
		s.logger.Error("failed to ingest preferences", "did", ev.DID, "error", err)
		return err
	}
	if !changed {
		ingestResults.WithLabelValues(collection, "duplicate").Inc()
		return nil
	}
	ingestResults.WithLabelValues(collection, "inserted").Inc()
	return nil
}

// flushCursor persists the in-memory cursor on shutdown. The caller's
// context is already cancelled, so it uses its own.
func (s *Subscriber) flushCursor() {
	cursor := s.cursor.Load()
	if cursor == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.cursors.UpdateCursor(ctx, CursorServiceName, cursor); err != nil {
		s.logger.Error("failed to flush cursor", "error", err)
		return
	}
	s.logger.Info("firehose cursor saved", "cursor", cursor)
}
