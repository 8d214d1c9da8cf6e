// ABOUTME: IOCConnector contract and the registry mapping source kinds to constructors
// ABOUTME: Resolves the feed's codec at construction so bad configuration fails early

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/hikmaai-io/hikmaai-tif/internal/codec"
	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/objstore"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadBytes.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

// IOCConnector loads the complete record set for one feed.
type IOCConnector interface {
	// LoadIOCs fetches and decodes the feed payload. It returns either every
	// record or a *types.ConnectorError, never a partial list.
	LoadIOCs(ctx context.Context) ([]types.IOC, error)

	// FeedID returns the feed the connector loads.
	FeedID() string

	// Kind returns the source kind.
	Kind() config.SourceKind
}

// Deps holds the shared factories connectors draw from.
type Deps struct {
	// Codecs selects cached codecs.
	Codecs *codec.Factory

	// S3 hands out cached S3 clients.
	S3 *objstore.S3ClientFactory

	// GCS hands out cached GCS clients.
	GCS *objstore.GCSClientFactory

	// HTTPClient is used by URL downloads.
	HTTPClient *http.Client

	// UserAgent is sent with URL downloads.
	UserAgent string

	// MaxPayloadBytes caps any payload. Zero means unlimited.
	MaxPayloadBytes int64
}

// DepsFromConfig builds the shared factories from configuration.
func DepsFromConfig(cfg *config.Config) Deps {
	return Deps{
		Codecs: codec.NewFactory(),
		S3: objstore.NewS3ClientFactory(objstore.S3FactoryConfig{
			SessionName:  cfg.ObjectStore.SessionName,
			EndpointURL:  cfg.ObjectStore.S3Endpoint,
			UsePathStyle: cfg.ObjectStore.S3UsePathStyle,
		}),
		GCS: objstore.NewGCSClientFactory(objstore.GCSFactoryConfig{
			EmulatorHost: cfg.ObjectStore.GCSEmulatorHost,
			HTTPTimeout:  cfg.Download.Timeout.Std(),
		}),
		HTTPClient:      &http.Client{Timeout: cfg.Download.Timeout.Std()},
		UserAgent:       cfg.Download.UserAgent,
		MaxPayloadBytes: cfg.Download.MaxPayloadBytes,
	}
}

// Constructor builds a connector for one feed from its resolved codec.
type Constructor func(feed config.FeedConfig, c codec.InputCodec, deps Deps) (IOCConnector, error)

// Registry maps source kinds to connector constructors.
type Registry struct {
	deps         Deps
	constructors map[config.SourceKind]Constructor
}

// NewRegistry creates a registry with the built-in source kinds.
func NewRegistry(deps Deps) *Registry {
	if deps.Codecs == nil {
		deps.Codecs = codec.NewFactory()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}

	return &Registry{
		deps: deps,
		constructors: map[config.SourceKind]Constructor{
			config.SourceObjectStore:  newObjectStoreConnector,
			config.SourceInlineUpload: newInlineConnector,
			config.SourceURLDownload:  newURLConnector,
		},
	}
}

// Register adds or replaces the constructor for kind.
func (r *Registry) Register(kind config.SourceKind, ctor Constructor) {
	r.constructors[kind] = ctor
}

// Kinds returns the registered source kinds, sorted.
func (r *Registry) Kinds() []config.SourceKind {
	kinds := make([]config.SourceKind, 0, len(r.constructors))
	for k := range r.constructors {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Build validates feed and constructs its connector.
// Configuration problems are reported as *types.ConfigurationError.
func (r *Registry) Build(feed config.FeedConfig) (IOCConnector, error) {
	if err := feed.Validate(); err != nil {
		return nil, err
	}

	ctor, ok := r.constructors[feed.Source.Kind]
	if !ok {
		return nil, &types.ConfigurationError{
			Field:  "source.kind",
			Reason: fmt.Sprintf("no connector for source kind %q", feed.Source.Kind),
		}
	}

	format, err := codec.ParseWireFormat(feed.WireFormat())
	if err != nil {
		return nil, err
	}
	c, err := r.deps.Codecs.Codec(format, feed.RecordSchema())
	if err != nil {
		return nil, err
	}

	return ctor(feed, c, r.deps)
}

// base holds what every connector shares: identity, codec, and size cap.
type base struct {
	feedID   string
	kind     config.SourceKind
	codec    codec.InputCodec
	maxBytes int64
}

// FeedID returns the feed the connector loads.
func (b *base) FeedID() string {
	return b.feedID
}

// Kind returns the source kind.
func (b *base) Kind() config.SourceKind {
	return b.kind
}

// decode streams r through the codec and assigns records to the feed.
func (b *base) decode(ctx context.Context, r io.Reader) ([]types.IOC, error) {
	var limited *limitedReader
	if b.maxBytes > 0 {
		limited = &limitedReader{r: r, remaining: b.maxBytes}
		r = limited
	}

	iocs, err := b.codec.Parse(ctx, r)
	if limited != nil && limited.remaining < 0 {
		// The codec may have failed on the cut-off record first.
		return nil, b.fail(fmt.Errorf("%w (%d bytes)", ErrPayloadTooLarge, b.maxBytes))
	}
	if err != nil {
		return nil, b.fail(err)
	}

	stamped, err := stamp(b.feedID, iocs)
	if err != nil {
		return nil, b.fail(err)
	}
	return stamped, nil
}

// fail wraps err as a ConnectorError for this feed.
func (b *base) fail(err error) error {
	return &types.ConnectorError{FeedID: b.feedID, Source: string(b.kind), Err: err}
}

// stamp assigns feedID to records that carry none. Records that name a
// different feed are rejected.
func stamp(feedID string, iocs []types.IOC) ([]types.IOC, error) {
	out := make([]types.IOC, len(iocs))
	for i, ioc := range iocs {
		switch owner := ioc.Key().FeedID; owner {
		case "":
			out[i] = ioc.WithFeedID(feedID)
		case feedID:
			out[i] = ioc
		default:
			return nil, fmt.Errorf("record %q belongs to feed %q, not %q", ioc.Key().ID, owner, feedID)
		}
	}
	return out, nil
}

// limitedReader fails with ErrPayloadTooLarge once more than remaining bytes
// are read, unlike io.LimitReader which silently truncates.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrPayloadTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrPayloadTooLarge
	}
	return n, err
}
