package domain

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// RecordURI assembles the AT-URI of a record. Jetstream does not carry the
// URI, so the firehose and the optimistic write path must both build it here.
func RecordURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}

// ParseRecordURI splits an AT-URI into its repository DID, collection and
// record key. Handle authorities are rejected: stored URIs always name the
// repository by DID.
func ParseRecordURI(uri string) (did, collection, rkey string, err error) {
	if _, err := syntax.ParseATURI(uri); err != nil {
		return "", "", "", fmt.Errorf("%w: uri %q: %v", ErrInvalidStatus, uri, err)
	}

	parts := strings.Split(strings.TrimPrefix(uri, "at://"), "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: uri %q is not a record uri", ErrInvalidStatus, uri)
	}
	if _, err := syntax.ParseDID(parts[0]); err != nil {
		return "", "", "", fmt.Errorf("%w: uri %q is not addressed by did", ErrInvalidStatus, uri)
	}
	// Collection and record key were validated by ParseATURI.
	return parts[0], parts[1], parts[2], nil
}
