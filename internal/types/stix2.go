// ABOUTME: STIX2 indicator shape decoded from threat intelligence feeds
// ABOUTME: Carries IOC type, value, severity, and timestamps alongside feed identity

package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// IOCType is the kind of observable an indicator describes.
type IOCType string

// IOC types accepted in STIX2 records.
const (
	IOCTypeIPv4     IOCType = "ipv4-addr"
	IOCTypeIPv6     IOCType = "ipv6-addr"
	IOCTypeDomain   IOCType = "domain-name"
	IOCTypeURL      IOCType = "url"
	IOCTypeHash     IOCType = "hashes"
	IOCTypeFileName IOCType = "file-name"
	IOCTypeEmail    IOCType = "email-addr"
)

// ParseIOCType parses an IOC type name, case-insensitively.
func ParseIOCType(s string) (IOCType, error) {
	switch t := IOCType(strings.ToLower(strings.TrimSpace(s))); t {
	case IOCTypeIPv4, IOCTypeIPv6, IOCTypeDomain, IOCTypeURL, IOCTypeHash, IOCTypeFileName, IOCTypeEmail:
		return t, nil
	default:
		return "", fmt.Errorf("unknown ioc type %q", s)
	}
}

// STIX2IOC is an indicator in the STIX2 record schema.
type STIX2IOC struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	FeedName    string    `json:"feed_name,omitempty"`
	Name        string    `json:"name,omitempty"`
	Type        IOCType   `json:"type"`
	Value       string    `json:"value"`
	Severity    string    `json:"severity,omitempty"`
	Created     time.Time `json:"created,omitempty"`
	Modified    time.Time `json:"modified,omitempty"`
	Description string    `json:"description,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	SpecVersion string    `json:"spec_version,omitempty"`
	Version     int64     `json:"version,omitempty"`
}

// Key returns the feed identity of the indicator.
func (s *STIX2IOC) Key() IOCKey {
	return IOCKey{FeedID: s.FeedID, ID: s.ID}
}

// Schema returns SchemaSTIX2.
func (s *STIX2IOC) Schema() RecordSchema {
	return SchemaSTIX2
}

// WithFeedID returns a copy of the indicator owned by feedID.
func (s *STIX2IOC) WithFeedID(feedID string) IOC {
	cp := *s
	if s.Labels != nil {
		cp.Labels = append([]string(nil), s.Labels...)
	}
	cp.FeedID = feedID
	return &cp
}

// Validate checks the fields every STIX2 record must carry.
// FeedID may be empty here; connectors assign the configured feed.
func (s *STIX2IOC) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}
	if _, err := ParseIOCType(string(s.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(s.Value) == "" {
		return errors.New("value is required")
	}
	return nil
}

// Ensure STIX2IOC implements IOC.
var _ IOC = (*STIX2IOC)(nil)
