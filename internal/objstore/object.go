// ABOUTME: Provider-neutral object reading contract for feed payloads in cloud storage
// ABOUTME: Parses s3:// and gs:// URIs and rejects object keys with traversal sequences

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Provider names an object-store backend.
type Provider string

// Supported providers.
const (
	ProviderS3  Provider = "s3"
	ProviderGCS Provider = "gcs"
)

// ParseProvider parses a provider name, case-insensitively.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderS3, ProviderGCS:
		return p, nil
	case "gs":
		return ProviderGCS, nil
	default:
		return "", fmt.Errorf("unknown object store provider %q", s)
	}
}

// ObjectReader opens a single object for streaming.
type ObjectReader interface {
	// OpenObject returns the object body. Callers must close it.
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Location addresses one object.
type Location struct {
	Provider Provider
	Bucket   string
	Key      string
}

// String returns the URI form of the location.
func (l Location) String() string {
	scheme := "s3"
	if l.Provider == ProviderGCS {
		scheme = "gs"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, l.Bucket, l.Key)
}

// ParseURI parses an s3:// or gs:// URI into a Location.
func ParseURI(uri string) (Location, error) {
	if uri == "" {
		return Location{}, errors.New("empty URI")
	}

	var loc Location
	var rest string
	switch {
	case strings.HasPrefix(uri, "s3://"):
		loc.Provider = ProviderS3
		rest = strings.TrimPrefix(uri, "s3://")
	case strings.HasPrefix(uri, "gs://"):
		loc.Provider = ProviderGCS
		rest = strings.TrimPrefix(uri, "gs://")
	default:
		return Location{}, fmt.Errorf("invalid object URI %q: must start with s3:// or gs://", uri)
	}

	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, errors.New("invalid object URI: missing bucket")
	}
	if key == "" {
		return Location{}, errors.New("invalid object URI: missing object key")
	}
	loc.Bucket = bucket
	loc.Key = key
	return loc, nil
}

// ValidateKey rejects empty keys and keys that do not survive path cleaning.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("object key is required")
	}
	if path.Clean(key) != key || strings.HasPrefix(key, "/") {
		return fmt.Errorf("object key %q contains traversal or redundant path elements", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return fmt.Errorf("object key %q contains traversal path elements", key)
		}
	}
	return nil
}
