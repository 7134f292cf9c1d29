package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

func newS3Getter(ctx context.Context, cfg S3Config) (objectGetter, error) {
	switch cfg.Driver {
	case DriverAWS:
		return newAWSGetter(ctx, cfg)
	case DriverMinio:
		return newMinioGetter(cfg)
	default:
		return nil, fmt.Errorf("unknown s3 driver %q", cfg.Driver)
	}
}

// awsGetter reads objects through the AWS SDK.
type awsGetter struct {
	client *s3.Client
}

func newAWSGetter(ctx context.Context, cfg S3Config) (*awsGetter, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &awsGetter{client: client}, nil
}

func (g *awsGetter) GetObject(ctx context.Context, bucket, key string, maxSize int64) (*Object, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, *out.ContentLength)
	}

	data, err := readLimited(out.Body, maxSize)
	if err != nil {
		return nil, err
	}

	obj := &Object{Data: data, ContentType: aws.ToString(out.ContentType)}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}

	return obj, nil
}

// minioGetter reads objects through minio-go.
type minioGetter struct {
	client *minio.Client
}

func newMinioGetter(cfg S3Config) (*minioGetter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio driver requires an endpoint")
	}

	opts := &minio.Options{
		Creds:     miniocreds.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: http.DefaultTransport,
	}
	if cfg.Region != "" {
		opts.Region = cfg.Region
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &minioGetter{client: client}, nil
}

func (g *minioGetter) GetObject(ctx context.Context, bucket, key string, maxSize int64) (*Object, error) {
	obj, err := g.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, g.translate(err, bucket, key)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, g.translate(err, bucket, key)
	}
	if info.Size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size)
	}

	data, err := readLimited(obj, maxSize)
	if err != nil {
		return nil, err
	}

	return &Object{Data: data, ContentType: info.ContentType, LastModified: info.LastModified}, nil
}

func (g *minioGetter) translate(err error, bucket, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
	default:
		return fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
}
