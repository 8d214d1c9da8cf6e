// ABOUTME: Indicator-of-compromise record types shared by codecs, connectors, and stores
// ABOUTME: Defines the IOC contract, feed identity keys, and deterministic document ids

package types

import (
	"github.com/google/uuid"
)

// docIDNamespace scopes the name-based UUIDs used as stored document ids.
var docIDNamespace = uuid.MustParse("6f1c2a4e-8d3b-5e7a-9c0f-2b4d6e8a1c3f")

// IOCKey identifies an indicator within its owning feed.
type IOCKey struct {
	// FeedID is the owning feed identifier.
	FeedID string

	// ID is the indicator identifier, unique within the feed.
	ID string
}

// DocID returns the stored document id for the key.
// The same (FeedID, ID) pair always yields the same id.
func (k IOCKey) DocID() string {
	return uuid.NewSHA1(docIDNamespace, []byte(k.FeedID+"\x00"+k.ID)).String()
}

// String returns a human-readable form of the key.
func (k IOCKey) String() string {
	return k.FeedID + "/" + k.ID
}

// IOC is an indicator record decoded from a feed payload.
// Implementations are immutable once constructed.
type IOC interface {
	// Key returns the feed identity of the indicator.
	Key() IOCKey

	// Schema returns the record schema the indicator was decoded with.
	Schema() RecordSchema

	// WithFeedID returns a copy of the indicator owned by feedID.
	WithFeedID(feedID string) IOC
}

// RecordSchema names a concrete IOC shape.
type RecordSchema string

// Supported record schemas.
const (
	SchemaSTIX2 RecordSchema = "stix2"
)

// String returns the schema name.
func (s RecordSchema) String() string {
	return string(s)
}

// FeedIDs returns the distinct feed ids present in iocs, in first-seen order.
func FeedIDs(iocs []IOC) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, ioc := range iocs {
		id := ioc.Key().FeedID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
