// ABOUTME: URL-download connector fetching feed payloads over HTTP(S)
// ABOUTME: Streams the response body into the codec under the payload size cap

package connector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hikmaai-io/hikmaai-tif/internal/codec"
	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// URLConnector downloads a feed from a URL.
type URLConnector struct {
	base
	url       string
	client    *http.Client
	userAgent string
}

func newURLConnector(feed config.FeedConfig, c codec.InputCodec, deps Deps) (IOCConnector, error) {
	return &URLConnector{
		base: base{
			feedID:   feed.ID,
			kind:     config.SourceURLDownload,
			codec:    c,
			maxBytes: deps.MaxPayloadBytes,
		},
		url:       feed.Source.URL,
		client:    deps.HTTPClient,
		userAgent: deps.UserAgent,
	}, nil
}

// URL returns the download location.
func (c *URLConnector) URL() string {
	return c.url
}

// LoadIOCs performs one GET and decodes the response body.
func (c *URLConnector) LoadIOCs(ctx context.Context) ([]types.IOC, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, c.fail(fmt.Errorf("creating request: %w", err))
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.fail(fmt.Errorf("performing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	return c.decode(ctx, resp.Body)
}
