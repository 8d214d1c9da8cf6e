// ABOUTME: Per-feed configuration: source location, codec selection, update policy, interval
// ABOUTME: Shared by the config file, the NATS control plane, and the CLI

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// SourceKind names where a feed payload comes from.
type SourceKind string

// Supported source kinds.
const (
	SourceObjectStore  SourceKind = "object-store"
	SourceInlineUpload SourceKind = "inline-upload"
	SourceURLDownload  SourceKind = "url-download"
)

// FeedConfig describes one feed.
type FeedConfig struct {
	// ID is the unique feed identifier.
	ID string `yaml:"id" toml:"id" json:"id"`

	// Name is a human-readable feed name.
	Name string `yaml:"name,omitempty" toml:"name" json:"name,omitempty"`

	// Source locates the payload.
	Source SourceConfig `yaml:"source" toml:"source" json:"source"`

	// Format is the wire format (ndjson or csv). Defaults to ndjson.
	Format string `yaml:"format,omitempty" toml:"format" json:"format,omitempty"`

	// Schema is the record schema. Defaults to stix2.
	Schema string `yaml:"schema,omitempty" toml:"schema" json:"schema,omitempty"`

	// UpdateType is replace or delta. Defaults to replace.
	UpdateType types.UpdateType `yaml:"update_type" toml:"update_type" json:"update_type"`

	// Interval is the refresh period.
	Interval Duration `yaml:"interval" toml:"interval" json:"interval"`

	// Enabled controls whether the feed is scheduled. Nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty" toml:"enabled" json:"enabled,omitempty"`
}

// SourceConfig holds the source-specific parameters of a feed.
type SourceConfig struct {
	Kind SourceKind `yaml:"kind" toml:"kind" json:"kind"`

	// Object store parameters.
	Provider        string `yaml:"provider,omitempty" toml:"provider" json:"provider,omitempty"`
	Bucket          string `yaml:"bucket,omitempty" toml:"bucket" json:"bucket,omitempty"`
	Key             string `yaml:"key,omitempty" toml:"key" json:"key,omitempty"`
	Region          string `yaml:"region,omitempty" toml:"region" json:"region,omitempty"`
	RoleARN         string `yaml:"role_arn,omitempty" toml:"role_arn" json:"role_arn,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty" toml:"credentials_file" json:"credentials_file,omitempty"`

	// Inline upload parameters.
	Payload string `yaml:"payload,omitempty" toml:"payload" json:"payload,omitempty"`

	// URL download parameters.
	URL string `yaml:"url,omitempty" toml:"url" json:"url,omitempty"`
}

// IsEnabled reports whether the feed should be scheduled.
func (f *FeedConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// WireFormat returns the configured format or the ndjson default.
func (f *FeedConfig) WireFormat() string {
	if f.Format == "" {
		return "ndjson"
	}
	return strings.ToLower(f.Format)
}

// RecordSchema returns the configured schema or the stix2 default.
func (f *FeedConfig) RecordSchema() types.RecordSchema {
	if f.Schema == "" {
		return types.SchemaSTIX2
	}
	return types.RecordSchema(strings.ToLower(f.Schema))
}

// Validate checks the fields every feed needs, then the source parameters.
func (f *FeedConfig) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return &types.ConfigurationError{Field: "id", Reason: "feed id is required"}
	}
	if f.Interval.Std() <= 0 {
		return &types.ConfigurationError{Field: "interval", Reason: "interval must be positive"}
	}
	if f.UpdateType != types.UpdateTypeReplace && f.UpdateType != types.UpdateTypeDelta {
		return &types.ConfigurationError{Field: "update_type", Reason: f.UpdateType.String()}
	}
	return f.Source.Validate()
}

// Validate checks the parameters required by the source kind.
func (s *SourceConfig) Validate() error {
	switch s.Kind {
	case SourceObjectStore:
		if s.Provider == "" {
			return &types.ConfigurationError{Field: "source.provider", Reason: "provider is required"}
		}
		if s.Bucket == "" || s.Key == "" {
			return &types.ConfigurationError{Field: "source.bucket", Reason: "bucket and key are required"}
		}
	case SourceInlineUpload:
		// An empty payload is a valid, empty feed.
	case SourceURLDownload:
		if !strings.HasPrefix(s.URL, "http://") && !strings.HasPrefix(s.URL, "https://") {
			return &types.ConfigurationError{Field: "source.url", Reason: "url must be http or https"}
		}
	case "":
		return &types.ConfigurationError{Field: "source.kind", Reason: "source kind is required"}
	default:
		return &types.ConfigurationError{Field: "source.kind", Reason: fmt.Sprintf("unknown source kind %q", s.Kind)}
	}
	return nil
}

// Duration is a time.Duration that reads and writes as a Go duration string
// in YAML, TOML, and JSON.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the Go duration string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		return errors.New("empty duration")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}
