// ABOUTME: Object-store connector fetching one S3 or GCS object per load
// ABOUTME: Obtains a cached authenticated client and streams the body into the codec

package connector

import (
	"context"
	"fmt"

	"github.com/hikmaai-io/hikmaai-tif/internal/codec"
	"github.com/hikmaai-io/hikmaai-tif/internal/config"
	"github.com/hikmaai-io/hikmaai-tif/internal/objstore"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// ObjectStoreConnector loads a feed from a single bucket object.
type ObjectStoreConnector struct {
	base
	location objstore.Location
	reader   func() (objstore.ObjectReader, error)
}

func newObjectStoreConnector(feed config.FeedConfig, c codec.InputCodec, deps Deps) (IOCConnector, error) {
	src := feed.Source

	provider, err := objstore.ParseProvider(src.Provider)
	if err != nil {
		return nil, &types.ConfigurationError{Field: "source.provider", Err: err}
	}
	if err := objstore.ValidateKey(src.Key); err != nil {
		return nil, &types.ConfigurationError{Field: "source.key", Err: err}
	}

	conn := &ObjectStoreConnector{
		base: base{
			feedID:   feed.ID,
			kind:     config.SourceObjectStore,
			codec:    c,
			maxBytes: deps.MaxPayloadBytes,
		},
		location: objstore.Location{Provider: provider, Bucket: src.Bucket, Key: src.Key},
	}

	switch provider {
	case objstore.ProviderS3:
		if deps.S3 == nil {
			return nil, &types.ConfigurationError{Field: "source.provider", Reason: "s3 is not configured"}
		}
		if src.RoleARN != "" {
			if err := objstore.ValidateRoleARN(src.RoleARN); err != nil {
				return nil, err
			}
		}
		if src.Region == "" {
			return nil, &types.ConfigurationError{Field: "source.region", Reason: "region is required for s3"}
		}
		conn.reader = func() (objstore.ObjectReader, error) {
			return deps.S3.Reader(src.RoleARN, src.Region)
		}
	case objstore.ProviderGCS:
		if deps.GCS == nil {
			return nil, &types.ConfigurationError{Field: "source.provider", Reason: "gcs is not configured"}
		}
		conn.reader = func() (objstore.ObjectReader, error) {
			return deps.GCS.Reader(src.CredentialsFile)
		}
	}

	return conn, nil
}

// Location returns the object the connector reads.
func (c *ObjectStoreConnector) Location() objstore.Location {
	return c.location
}

// LoadIOCs issues one object fetch and decodes the body.
func (c *ObjectStoreConnector) LoadIOCs(ctx context.Context) ([]types.IOC, error) {
	reader, err := c.reader()
	if err != nil {
		return nil, c.fail(fmt.Errorf("obtaining %s client: %w", c.location.Provider, err))
	}

	body, err := reader.OpenObject(ctx, c.location.Bucket, c.location.Key)
	if err != nil {
		return nil, c.fail(err)
	}
	defer body.Close()

	return c.decode(ctx, body)
}
