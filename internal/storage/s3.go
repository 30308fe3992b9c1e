package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MaxImageSize is the largest image accepted for upload (10MB)
const MaxImageSize = 10 << 20

var (
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrImageTooLarge   = errors.New("image too large")
)

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string // e.g., "http://localhost:9000" for MinIO
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicURL       string // base URL objects are served from
}

// S3Storage stores message and post images in an S3-compatible bucket
type S3Storage struct {
	client    *s3.Client
	bucket    string
	publicURL string
	now       func() time.Time
}

// NewS3Storage creates a new S3 storage client
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	client := s3.New(s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: true, // MinIO
	})

	return &S3Storage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		now:       time.Now,
	}, nil
}

// UploadInput represents input for uploading a file
type UploadInput struct {
	Reader      io.Reader
	ContentType string
	Size        int64
	Filename    string // used for the extension when present
	Prefix      string // key prefix, e.g. "messages" or "posts"
}

// UploadOutput represents output from uploading a file
type UploadOutput struct {
	Key        string
	URL        string
	Size       int64
	UploadedAt time.Time
}

// Upload uploads a file to S3 and returns its public URL
func (s *S3Storage) Upload(ctx context.Context, in UploadInput) (*UploadOutput, error) {
	key := s.objectKey(in.Prefix, in.Filename, in.ContentType)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          in.Reader,
		ContentType:   aws.String(in.ContentType),
		ContentLength: aws.Int64(in.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading to s3: %w", err)
	}

	return &UploadOutput{
		Key:        key,
		URL:        s.URL(key),
		Size:       in.Size,
		UploadedAt: s.now(),
	}, nil
}

// ImageOutput is an uploaded image with its pixel dimensions
type ImageOutput struct {
	UploadOutput
	Width  int
	Height int
}

// UploadImage checks the content type, reads the dimensions and uploads
// the image. WebP is accepted without dimensions.
func (s *S3Storage) UploadImage(ctx context.Context, in UploadInput) (*ImageOutput, error) {
	if !IsImageType(in.ContentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, in.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(in.Reader, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if len(data) > MaxImageSize {
		return nil, ErrImageTooLarge
	}

	var width, height int
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		width, height = cfg.Width, cfg.Height
	} else if in.ContentType != "image/webp" {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}

	out, err := s.Upload(ctx, UploadInput{
		Reader:      bytes.NewReader(data),
		ContentType: in.ContentType,
		Size:        int64(len(data)),
		Filename:    in.Filename,
		Prefix:      in.Prefix,
	})
	if err != nil {
		return nil, err
	}

	return &ImageOutput{UploadOutput: *out, Width: width, Height: height}, nil
}

// Delete removes an object from S3
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting from s3: %w", err)
	}
	return nil
}

// URL returns the public URL of an object key
func (s *S3Storage) URL(key string) string {
	return s.publicURL + "/" + key
}

func (s *S3Storage) objectKey(prefix, filename, contentType string) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = extensionFor(contentType)
	}
	key := fmt.Sprintf("%s/%s%s", s.now().UTC().Format("2006/01/02"), uuid.New().String(), ext)
	if prefix != "" {
		key = strings.Trim(prefix, "/") + "/" + key
	}
	return key
}

// IsImageType reports whether contentType is an accepted image type
func IsImageType(contentType string) bool {
	return extensionFor(strings.ToLower(contentType)) != ""
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
