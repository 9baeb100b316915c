package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3StorageArgs struct {
	Bucket   string
	Region   string
	Endpoint string
	KeyId    string
	Secret   string
}

type S3Storage struct {
	client *s3.Client
	bucket string
}

func NewS3Storage(args S3StorageArgs) Storage {
	slog.Info("creating new s3 storage", "bucket", args.Bucket, "region", args.Region)

	opts := s3.Options{
		Region: args.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			args.KeyId, args.Secret, "",
		),
	}
	if args.Endpoint != "" {
		opts.BaseEndpoint = aws.String(args.Endpoint)
		opts.UsePathStyle = true
	}

	return &S3Storage{client: s3.New(opts), bucket: args.Bucket}
}

func (s *S3Storage) Read(path string) (io.ReadCloser, error) {
	output, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		slog.Error("error reading object", "bucket", s.bucket, "key", path, "error", err)
		return nil, fmt.Errorf("error reading file %v: %v", path, err)
	}

	return output.Body, nil
}

func (s *S3Storage) Write(path string, data io.Reader) error {
	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
		Body:   data,
	})
	if err != nil {
		slog.Error("error writing object", "bucket", s.bucket, "key", path, "error", err)
		return fmt.Errorf("error writing to file %v: %v", path, err)
	}

	return nil
}

func (s *S3Storage) Delete(path string) error {
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		slog.Error("error deleting object", "bucket", s.bucket, "key", path, "error", err)
		return fmt.Errorf("error deleting file %v: %v", path, err)
	}

	return nil
}

func (s *S3Storage) Exists(path string) (bool, error) {
	_, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}

	slog.Error("error checking if object exists", "bucket", s.bucket, "key", path, "error", err)
	return false, fmt.Errorf("error checking if file %v exists: %w", path, err)
}

func (s *S3Storage) List(path string) ([]string, error) {
	output, err := s.client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(path),
	})
	if err != nil {
		slog.Error("error listing objects", "bucket", s.bucket, "prefix", path, "error", err)
		return nil, fmt.Errorf("error listing entries at %v: %w", path, err)
	}

	paths := make([]string, 0, len(output.Contents))
	for _, object := range output.Contents {
		paths = append(paths, aws.ToString(object.Key))
	}

	return paths, nil
}

func (s *S3Storage) Size(path string) (int64, error) {
	output, err := s.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		slog.Error("error getting stats for object", "bucket", s.bucket, "key", path, "error", err)
		return 0, fmt.Errorf("error gettings stats for file %v: %w", path, err)
	}

	return aws.ToInt64(output.ContentLength), nil
}

// Object storage has no meaningful capacity, so usage is reported as empty.
func (s *S3Storage) Usage() (UsageStats, error) {
	return UsageStats{}, nil
}

func (s *S3Storage) Location() string {
	return fmt.Sprintf("s3://%v", s.bucket)
}
