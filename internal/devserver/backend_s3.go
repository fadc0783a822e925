package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend issues presigned S3 urls. Clients transfer straight to the bucket.
type S3Backend struct {
	s3Client    *s3.Client
	s3Presigner *s3.PresignClient
	config      *S3Config
}

func NewS3Backend(s3Client *s3.Client, cfg *S3Config) *S3Backend {
	return &S3Backend{
		s3Client:    s3Client,
		s3Presigner: s3.NewPresignClient(s3Client),
		config:      cfg,
	}
}

func NewS3BackendWithConfig(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})
	return NewS3Backend(client, cfg), nil
}

func (s *S3Backend) Name() string {
	return BackendS3
}

// UploadURL presigns a PUT bound to the grant's content type, valid until the grant expires
func (s *S3Backend) UploadURL(ctx context.Context, _ string, rec *grantRecord) (string, error) {
	if !validKey(rec.Key) {
		return "", ErrInvalidKey
	}

	req, err := s.s3Presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.config.BucketName,
		Key:         &rec.Key,
		ContentType: aws.String(rec.ContentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = time.Until(rec.ExpiresAt)
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (s *S3Backend) DownloadURL(ctx context.Context, _ string, rec *grantRecord) (string, error) {
	if !validKey(rec.Key) {
		return "", ErrInvalidKey
	}

	req, err := s.s3Presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &rec.Key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = time.Until(rec.ExpiresAt)
	})
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

func (s *S3Backend) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := s.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		ETag:         strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}
