package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"zapinbox/config"
	"zapinbox/internal/models"
)

// S3Store keeps media in an S3-compatible bucket and hands out public URLs.
type S3Store struct {
	client    *s3.Client
	bucket    string
	region    string
	endpoint  string
	pathStyle bool
	publicURL string
}

// NewS3Store builds the client from configuration. Credentials are required;
// an endpoint is only needed for S3-compatible services.
func NewS3Store(cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: S3 bucket is required", models.ErrConfiguration)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("%w: S3 credentials not available, set S3_ACCESS_KEY and S3_SECRET_KEY", models.ErrConfiguration)
	}

	endpoint := cfg.Endpoint
	// Endpoint should not contain the bucket name (common misconfiguration).
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("bucket", cfg.Bucket).
			Str("cleanedEndpoint", endpoint).
			Msg("Cleaned bucket name from S3 endpoint")
	}

	// Buckets with dots break virtual-hosted TLS certificates.
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")

	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		endpoint:  endpoint,
		pathStyle: pathStyle,
		publicURL: cfg.PublicURL,
	}, nil
}

func (s *S3Store) Name() string { return "s3" }

// Save uploads item under its layout key and returns the public URL.
func (s *S3Store) Save(ctx context.Context, item Item) (*Object, error) {
	key := Key(item)
	contentType := item.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(item.Data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().
			Err(err).
			Str("key", key).
			Str("bucket", s.bucket).
			Str("mimeType", contentType).
			Int("size", len(item.Data)).
			Msg("Failed to upload media to S3")
		return nil, fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Debug().Str("key", key).Int("size", len(item.Data)).Msg("Media uploaded to S3")
	return &Object{
		Ref:      s.PublicURL(key),
		Key:      key,
		MIMEType: contentType,
		Size:     len(item.Data),
		FileName: item.FileName,
	}, nil
}

// PublicURL builds the address an agent client can load key from.
func (s *S3Store) PublicURL(key string) string {
	if s.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.publicURL, "/"), s.bucket, key)
	}

	if s.endpoint != "" && !strings.Contains(s.endpoint, "amazonaws.com") {
		if s.pathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.endpoint, "/"), s.bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(s.endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", s.bucket, strings.TrimRight(host, "/"), key)
	}

	if s.pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", s.region, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

// DeleteChannel removes every object stored for a channel.
func (s *S3Store) DeleteChannel(ctx context.Context, channelID string) error {
	prefix := fmt.Sprintf("channels/%s/", channelID)
	var (
		toDelete []types.ObjectIdentifier
		token    *string
	)

	flush := func() error {
		if len(toDelete) == 0 {
			return nil
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: toDelete},
		})
		toDelete = nil
		return err
	}

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("failed to list objects for channel %s: %w", channelID, err)
		}
		for _, obj := range out.Contents {
			toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
			// DeleteObjects accepts at most 1000 keys.
			if len(toDelete) == 1000 {
				if err := flush(); err != nil {
					return fmt.Errorf("failed to delete objects for channel %s: %w", channelID, err)
				}
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if err := flush(); err != nil {
		return fmt.Errorf("failed to delete objects for channel %s: %w", channelID, err)
	}

	log.Info().Str("channelID", channelID).Msg("Channel media removed from S3")
	return nil
}
