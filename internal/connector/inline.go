// ABOUTME: Inline-upload connector decoding a payload supplied with the feed configuration
// ABOUTME: Used by the import command and by control-plane uploads

package connector

import (
	"context"
	"strings"

	"github.com/hikmaai-io/hikmaai-tif/internal/codec"
	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// InlineConnector decodes a literal payload.
type InlineConnector struct {
	base
	payload string
}

func newInlineConnector(feed config.FeedConfig, c codec.InputCodec, deps Deps) (IOCConnector, error) {
	return &InlineConnector{
		base: base{
			feedID:   feed.ID,
			kind:     config.SourceInlineUpload,
			codec:    c,
			maxBytes: deps.MaxPayloadBytes,
		},
		payload: feed.Source.Payload,
	}, nil
}

// LoadIOCs decodes the payload. Repeated loads yield equal records.
func (c *InlineConnector) LoadIOCs(ctx context.Context) ([]types.IOC, error) {
	return c.decode(ctx, strings.NewReader(c.payload))
}
