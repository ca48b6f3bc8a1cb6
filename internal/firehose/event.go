package firehose

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackmichael/statusphere/internal/domain"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

// jetstreamEvent is the raw JSON structure from Jetstream.
type jetstreamEvent struct {
	DID    string           `json:"did"`
	TimeUS int64            `json:"time_us"`
	Kind   string           `json:"kind"`
	Commit *jetstreamCommit `json:"commit,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream. The record is kept
// raw until the collection is known to be one of ours.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

// Operation is the kind of change a commit made to a record.
type Operation int

const (
	OpCreate Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	default:
		return "delete"
	}
}

func parseOperation(raw string) (Operation, error) {
	switch raw {
	case "create":
		return OpCreate, nil
	case "update":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", raw)
	}
}

// Event is a decoded Jetstream message: a *StatusCommit, a
// *PreferencesCommit or a *ForeignEvent.
type Event interface {
	Time() int64
	isEvent()
}

type meta struct {
	DID    string
	TimeUS int64
}

// Time is the Jetstream cursor position of the event, in microseconds.
func (m meta) Time() int64 { return m.TimeUS }
func (meta) isEvent()      {}

// StatusCommit is a change to a status record. Status is nil for deletes.
type StatusCommit struct {
	meta
	Op     Operation
	URI    string
	Status *domain.Status
}

// PreferencesCommit is a change to an account's preferences record.
// Preferences is nil for deletes.
type PreferencesCommit struct {
	meta
	Op          Operation
	Preferences *domain.Preferences
}

// ForeignEvent is anything that is not a commit to one of our collections:
// identity and account events, or records of other applications.
type ForeignEvent struct {
	meta
	Kind       string
	Collection string
}

// parseEvent decodes a Jetstream message. Messages that cannot be decoded,
// and commits to our collections whose record fails validation, return an
// error wrapping domain.ErrMalformedEvent.
func parseEvent(data []byte, v *recordValidator, indexedAt time.Time) (Event, error) {
	var raw jetstreamEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: unmarshal event: %v", domain.ErrMalformedEvent, err)
	}
	m := meta{DID: raw.DID, TimeUS: raw.TimeUS}

	if raw.Kind != "commit" || raw.Commit == nil {
		return &ForeignEvent{meta: m, Kind: raw.Kind}, nil
	}
	commit := raw.Commit
	if _, ok := schemaFiles[commit.Collection]; !ok {
		return &ForeignEvent{meta: m, Kind: raw.Kind, Collection: commit.Collection}, nil
	}

	op, err := parseOperation(commit.Operation)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if _, err := syntax.ParseDID(raw.DID); err != nil {
		return nil, fmt.Errorf("%w: repo %q: %v", domain.ErrMalformedEvent, raw.DID, err)
	}
	if _, err := syntax.ParseRecordKey(commit.RKey); err != nil {
		return nil, fmt.Errorf("%w: rkey %q: %v", domain.ErrMalformedEvent, commit.RKey, err)
	}
	uri := domain.RecordURI(raw.DID, commit.Collection, commit.RKey)

	if op != OpDelete {
		if len(commit.Record) == 0 {
			return nil, fmt.Errorf("%w: %s without record: %s", domain.ErrMalformedEvent, op, uri)
		}
		if err := v.validate(commit.Collection, commit.Record); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, uri, err)
		}
	}

	switch commit.Collection {
	case domain.StatusCollection:
		ev := &StatusCommit{meta: m, Op: op, URI: uri}
		if op == OpDelete {
			return ev, nil
		}
		var rec domain.StatusRecord
		if err := json.Unmarshal(commit.Record, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, uri, err)
		}
		status, err := domain.StatusFromRecord(uri, raw.DID, &rec, indexedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
		}
		ev.Status = status
		return ev, nil

	default:
		if commit.RKey != domain.PreferencesRecordKey {
			return nil, fmt.Errorf("%w: preferences under rkey %q", domain.ErrMalformedEvent, commit.RKey)
		}
		ev := &PreferencesCommit{meta: m, Op: op}
		if op == OpDelete {
			return ev, nil
		}
		var rec domain.PreferencesRecord
		if err := json.Unmarshal(commit.Record, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrMalformedEvent, uri, err)
		}
		prefs, err := domain.PreferencesFromRecord(raw.DID, &rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
		}
		ev.Preferences = prefs
		return ev, nil
	}
}
