// ABOUTME: Cached GCS clients for reading feed payload objects
// ABOUTME: Supports ADC or service-account credentials and an HTTP emulator mode

package objstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/hikmaai-io/hikmaai-tif/internal/paramcache"
)

// GCSFactoryConfig configures how GCS clients are built.
type GCSFactoryConfig struct {
	// EmulatorHost is the GCS emulator host (e.g., "localhost:4443").
	// When set, objects are fetched over plain HTTP instead of the Go SDK,
	// since the SDK's path-style URLs are not served by fake-gcs-server.
	EmulatorHost string

	// HTTPTimeout bounds emulator requests. Zero means no timeout.
	HTTPTimeout time.Duration
}

// GCSClientFactory hands out GCS readers cached per credentials file.
type GCSClientFactory struct {
	cfg   GCSFactoryConfig
	cache *paramcache.Cache[string, *GCSClient]
}

// NewGCSClientFactory creates a factory. An empty EmulatorHost falls back to
// the STORAGE_EMULATOR_HOST environment variable.
func NewGCSClientFactory(cfg GCSFactoryConfig) *GCSClientFactory {
	if cfg.EmulatorHost == "" {
		cfg.EmulatorHost = os.Getenv("STORAGE_EMULATOR_HOST")
	}
	f := &GCSClientFactory{cfg: cfg}
	f.cache = paramcache.New(f.build)
	return f
}

// Reader returns a cached reader authenticated with credentialsFile.
// An empty credentialsFile uses Application Default Credentials.
func (f *GCSClientFactory) Reader(credentialsFile string) (ObjectReader, error) {
	return f.cache.Get(credentialsFile)
}

// CachedClients returns the number of cached clients.
func (f *GCSClientFactory) CachedClients() int {
	return f.cache.Len()
}

func (f *GCSClientFactory) build(credentialsFile string) (*GCSClient, error) {
	if f.cfg.EmulatorHost != "" {
		return &GCSClient{
			httpClient:   &http.Client{Timeout: f.cfg.HTTPTimeout},
			emulatorHost: f.cfg.EmulatorHost,
		}, nil
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSClient{storageClient: client}, nil
}

// GCSClient reads objects from GCS.
type GCSClient struct {
	storageClient *storage.Client
	httpClient    *http.Client
	emulatorHost  string // Non-empty when using emulator mode
}

// IsEmulatorMode returns true if the client is configured for emulator mode.
func (c *GCSClient) IsEmulatorMode() bool {
	return c.emulatorHost != ""
}

// OpenObject opens bucket/object for reading.
func (c *GCSClient) OpenObject(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if c.emulatorHost != "" {
		return c.openViaHTTP(ctx, bucket, object)
	}

	reader, err := c.storageClient.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening object gs://%s/%s: %w", bucket, object, err)
	}
	return reader, nil
}

// openViaHTTP uses the JSON API media endpoint fake-gcs-server expects:
// http://{host}/storage/v1/b/{bucket}/o/{object}?alt=media
func (c *GCSClient) openViaHTTP(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	downloadURL := fmt.Sprintf("http://%s/storage/v1/b/%s/o/%s?alt=media",
		c.emulatorHost, url.PathEscape(bucket), url.PathEscape(object))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request to %s: %w", downloadURL, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("opening object gs://%s/%s: HTTP %d", bucket, object, resp.StatusCode)
	}
	return resp.Body, nil
}

// Close closes the underlying storage client.
func (c *GCSClient) Close() error {
	if c.storageClient != nil {
		return c.storageClient.Close()
	}
	return nil
}
