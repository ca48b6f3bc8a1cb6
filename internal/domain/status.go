package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/rivo/uniseg"
)

const (
	// StatusCollection is the NSID of status records.
	StatusCollection = "io.zzstoatzz.status.record"

	// MaxStatusTextGraphemes bounds the free-form text of a status.
	MaxStatusTextGraphemes = 256

	maxEmojiBytes = 64
	customPrefix  = "custom:"

	// datetimeLayout is the RFC 3339 form written into records: millisecond
	// precision, always UTC.
	datetimeLayout = "2006-01-02T15:04:05.000Z07:00"
)

var customEmojiName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,58}$`)

// Status is a status record as stored locally.
type Status struct {
	// URI is the AT-URI of the record (at://did/collection/rkey).
	URI string

	// AuthorDID is the DID of the repository that owns the record.
	AuthorDID string

	// Emoji is a glyph or a custom:<name> reference.
	Emoji string

	// Text is optional free-form text; empty when unset.
	Text string

	// CreatedAt is the author-supplied creation time and orders every feed.
	CreatedAt time.Time

	// ExpiresAt is optional. Expiry only affects presentation.
	ExpiresAt *time.Time

	// IndexedAt is when this process stored the row.
	IndexedAt time.Time

	// Hidden is set by moderation.
	Hidden bool
}

// IsExpired reports whether the status has an expiry that has passed.
func (s *Status) IsExpired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// IsCustomEmoji reports whether the emoji references a hosted image.
func (s *Status) IsCustomEmoji() bool {
	return strings.HasPrefix(s.Emoji, customPrefix)
}

// StatusRecord is the wire shape of an io.zzstoatzz.status.record.
type StatusRecord struct {
	Type      string `json:"$type"`
	Emoji     string `json:"emoji"`
	Text      string `json:"text,omitempty"`
	Expires   string `json:"expires,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// StatusInput is what a user submits to set a status.
type StatusInput struct {
	Emoji string
	Text  string

	// ExpiresIn is a duration such as "30m", "2h", "1d" or "1w". Empty means
	// the status never expires.
	ExpiresIn string
}

// NewStatusRecord builds the record that will be written to the author's
// repository.
func NewStatusRecord(input StatusInput, now time.Time) (*StatusRecord, error) {
	now = now.UTC().Truncate(time.Millisecond)

	rec := &StatusRecord{
		Type:      StatusCollection,
		Emoji:     strings.TrimSpace(input.Emoji),
		Text:      strings.TrimSpace(input.Text),
		CreatedAt: now.Format(datetimeLayout),
	}

	ttl, err := ParseExpiry(input.ExpiresIn)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		rec.Expires = now.Add(ttl).Format(datetimeLayout)
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the record against the constraints of the status schema
// that JSON Schema cannot express.
func (r *StatusRecord) Validate() error {
	if r.Emoji == "" {
		return fmt.Errorf("%w: emoji is required", ErrInvalidStatus)
	}
	if len(r.Emoji) > maxEmojiBytes {
		return fmt.Errorf("%w: emoji is too long", ErrInvalidStatus)
	}
	if name, ok := strings.CutPrefix(r.Emoji, customPrefix); ok && !customEmojiName.MatchString(name) {
		return fmt.Errorf("%w: invalid custom emoji name %q", ErrInvalidStatus, name)
	}
	if n := graphemeCount(r.Text); n > MaxStatusTextGraphemes {
		return fmt.Errorf("%w: text has %d characters, max %d", ErrInvalidStatus, n, MaxStatusTextGraphemes)
	}

	createdAt, err := parseDatetime(r.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: createdAt: %v", ErrInvalidStatus, err)
	}
	if r.Expires != "" {
		expires, err := parseDatetime(r.Expires)
		if err != nil {
			return fmt.Errorf("%w: expires: %v", ErrInvalidStatus, err)
		}
		if !expires.After(createdAt) {
			return fmt.Errorf("%w: expires must be after createdAt", ErrInvalidStatus)
		}
	}
	return nil
}

// StatusFromRecord converts a record into the stored form. Both the
// optimistic write path and the firehose use it, so a record always maps to
// the same row no matter which path stores it first.
func StatusFromRecord(uri, authorDID string, rec *StatusRecord, indexedAt time.Time) (*Status, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	did, collection, _, err := ParseRecordURI(uri)
	if err != nil {
		return nil, err
	}
	if did != authorDID || collection != StatusCollection {
		return nil, fmt.Errorf("%w: uri %s does not belong to %s/%s", ErrInvalidStatus, uri, authorDID, StatusCollection)
	}

	createdAt, _ := parseDatetime(rec.CreatedAt)
	status := &Status{
		URI:       uri,
		AuthorDID: authorDID,
		Emoji:     rec.Emoji,
		Text:      rec.Text,
		CreatedAt: createdAt.UTC().Truncate(time.Millisecond),
		IndexedAt: indexedAt.UTC(),
	}
	if rec.Expires != "" {
		expires, _ := parseDatetime(rec.Expires)
		expires = expires.UTC().Truncate(time.Millisecond)
		status.ExpiresAt = &expires
	}
	return status, nil
}

// MaxExpiry is the longest expiry a status may be given.
const MaxExpiry = 52 * 7 * 24 * time.Hour

// ParseExpiry parses the short durations offered by the status form: a
// positive integer followed by m, h, d or w, up to MaxExpiry. An empty
// string means no expiry.
func ParseExpiry(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}

	num, suffix := raw[:len(raw)-1], raw[len(raw)-1]
	var unit time.Duration
	switch suffix {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: invalid expiry unit in %q", ErrInvalidStatus, raw)
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: invalid expiry %q", ErrInvalidStatus, raw)
	}
	if n > int64(MaxExpiry/unit) {
		return 0, fmt.Errorf("%w: expiry %q exceeds %d weeks", ErrInvalidStatus, raw, MaxExpiry/(7*24*time.Hour))
	}
	return time.Duration(n) * unit, nil
}

// FormatDatetime renders t the way records carry datetimes.
func FormatDatetime(t time.Time) string {
	return t.UTC().Format(datetimeLayout)
}

func parseDatetime(raw string) (time.Time, error) {
	return syntax.ParseDatetimeTime(raw)
}

func graphemeCount(s string) int {
	n := 0
	g := uniseg.NewGraphemes(s)
	for g.Next() {
		n++
	}
	return n
}

// EmojiCount is a row of the frequent-emoji aggregate.
type EmojiCount struct {
	Emoji string
	Count int
}
