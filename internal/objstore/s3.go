// ABOUTME: Cached S3 clients authenticated by assuming an IAM role per (role ARN, region)
// ABOUTME: Validates role ARNs and refreshes STS credentials transparently to callers

package objstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/hikmaai-io/hikmaai-tif/internal/paramcache"
	"github.com/hikmaai-io/hikmaai-tif/internal/types"
)

// DefaultSessionName is the STS role session name used when none is configured.
const DefaultSessionName = "hikmaai-tif"

// S3API is the subset of the S3 client used to fetch feed objects.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3FactoryConfig configures how S3 clients are built.
type S3FactoryConfig struct {
	// SessionName is the STS role session name.
	SessionName string

	// EndpointURL overrides the S3 endpoint (for MinIO testing).
	EndpointURL string

	// UsePathStyle forces path-style addressing.
	UsePathStyle bool

	// LoadTimeout bounds loading the shared AWS configuration.
	LoadTimeout time.Duration
}

// S3ClientFactory hands out S3 clients cached per (role ARN, region).
type S3ClientFactory struct {
	cfg   S3FactoryConfig
	cache *paramcache.Cache2[string, string, S3API]
}

// NewS3ClientFactory creates a factory with the given configuration.
func NewS3ClientFactory(cfg S3FactoryConfig) *S3ClientFactory {
	if cfg.SessionName == "" {
		cfg.SessionName = DefaultSessionName
	}
	if cfg.LoadTimeout == 0 {
		cfg.LoadTimeout = 30 * time.Second
	}

	f := &S3ClientFactory{cfg: cfg}
	f.cache = paramcache.New2(f.build)
	return f
}

// Client returns an authenticated S3 client for roleARN in region.
// An empty roleARN uses the default credential chain.
func (f *S3ClientFactory) Client(roleARN, region string) (S3API, error) {
	if roleARN != "" {
		if err := ValidateRoleARN(roleARN); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(region) == "" {
		return nil, &types.ConfigurationError{Field: "region", Reason: "region is required"}
	}
	return f.cache.Get(roleARN, region)
}

// Reader returns an ObjectReader backed by the cached S3 client.
func (f *S3ClientFactory) Reader(roleARN, region string) (ObjectReader, error) {
	client, err := f.Client(roleARN, region)
	if err != nil {
		return nil, err
	}
	return &s3Reader{api: client}, nil
}

// CachedClients returns the number of cached clients.
func (f *S3ClientFactory) CachedClients() int {
	return f.cache.Len()
}

// build constructs a client; the result is shared by every caller of the key.
func (f *S3ClientFactory) build(roleARN, region string) (S3API, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.LoadTimeout)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	if roleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), roleARN,
			func(o *stscreds.AssumeRoleOptions) {
				o.RoleSessionName = f.cfg.SessionName
			},
		)
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	var opts []func(*s3.Options)
	if f.cfg.UsePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if f.cfg.EndpointURL != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(f.cfg.EndpointURL)
		})
	}

	return s3.NewFromConfig(awsCfg, opts...), nil
}

// ValidateRoleARN checks that roleARN references an assumable IAM role.
func ValidateRoleARN(roleARN string) error {
	parsed, err := arn.Parse(roleARN)
	if err != nil {
		return &types.ConfigurationError{Field: "role_arn", Reason: "malformed ARN", Err: err}
	}
	if parsed.Service != "iam" {
		return &types.ConfigurationError{
			Field:  "role_arn",
			Reason: fmt.Sprintf("service %q is not iam", parsed.Service),
		}
	}
	name, ok := strings.CutPrefix(parsed.Resource, "role/")
	if !ok || strings.Trim(name, "/") == "" {
		return &types.ConfigurationError{
			Field:  "role_arn",
			Reason: fmt.Sprintf("resource %q is not a role", parsed.Resource),
		}
	}
	if parsed.AccountID == "" {
		return &types.ConfigurationError{Field: "role_arn", Reason: "account id is required"}
	}
	return nil
}

// s3Reader adapts S3API to ObjectReader.
type s3Reader struct {
	api S3API
}

// OpenObject issues a single GetObject for bucket/key.
func (r *s3Reader) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting object s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
