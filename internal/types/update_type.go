// ABOUTME: UpdateType policy for how a feed batch merges into stored records
// ABOUTME: REPLACE supersedes the feed's stored set, DELTA upserts without deleting

package types

import (
	"fmt"
	"strings"
)

// UpdateType governs how a batch is merged into the stored set for a feed.
type UpdateType int

const (
	// UpdateTypeReplace treats the batch as the complete set for the feed.
	UpdateTypeReplace UpdateType = iota
	// UpdateTypeDelta treats the batch as a partial update.
	UpdateTypeDelta
)

// String returns the string representation of the update type.
func (u UpdateType) String() string {
	switch u {
	case UpdateTypeReplace:
		return "replace"
	case UpdateTypeDelta:
		return "delta"
	default:
		return fmt.Sprintf("update_type(%d)", int(u))
	}
}

// ParseUpdateType parses "replace" or "delta", case-insensitively.
func ParseUpdateType(s string) (UpdateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "replace":
		return UpdateTypeReplace, nil
	case "delta":
		return UpdateTypeDelta, nil
	default:
		return 0, fmt.Errorf("unknown update type %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (u UpdateType) MarshalText() ([]byte, error) {
	switch u {
	case UpdateTypeReplace, UpdateTypeDelta:
		return []byte(u.String()), nil
	default:
		return nil, fmt.Errorf("invalid update type %d", int(u))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UpdateType) UnmarshalText(text []byte) error {
	parsed, err := ParseUpdateType(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
