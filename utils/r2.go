package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the slice of the S3 API the R2 client needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// R2Client uploads objects to a Cloudflare R2 bucket through the S3 API.
type R2Client struct {
	api        ObjectPutter
	bucket     string
	cdnBaseURL string
}

type R2Options struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

func NewR2Client(ctx context.Context, opts R2Options) (*R2Client, error) {
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID, opts.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	cdn := opts.CDNBaseURL
	if cdn == "" {
		cdn = endpoint + "/" + opts.Bucket
	}
	return NewR2ClientWithAPI(api, opts.Bucket, cdn), nil
}

// NewR2ClientWithAPI wraps an existing S3 API implementation.
func NewR2ClientWithAPI(api ObjectPutter, bucket, cdnBaseURL string) *R2Client {
	return &R2Client{api: api, bucket: bucket, cdnBaseURL: strings.TrimRight(cdnBaseURL, "/")}
}

// UploadJSON stores v as a JSON object under key and returns its public URL.
func (c *R2Client) UploadJSON(ctx context.Context, key string, v interface{}) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", key, err)
	}

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("public, max-age=60"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to R2: %w", err)
	}

	return fmt.Sprintf("%s/%s", c.cdnBaseURL, key), nil
}
