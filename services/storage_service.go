package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
)

// StorageService keeps full execution logs that were cut on the record.
// Get wraps fs.ErrNotExist for keys that were never written.
type StorageService interface {
	Put(ctx context.Context, key string, body string) error
	Get(ctx context.Context, key string) (string, error)
}

// LocalStorageService implements StorageService using local filesystem
type LocalStorageService struct {
	basePath string
}

func NewLocalStorageService(basePath string) (*LocalStorageService, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &LocalStorageService{basePath: basePath}, nil
}

func (s *LocalStorageService) path(key string) (string, error) {
	full := filepath.Join(s.basePath, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.basePath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storage key %q escapes base path", key)
	}
	return full, nil
}

func (s *LocalStorageService) Put(ctx context.Context, key string, body string) error {
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, []byte(body), 0644)
}

func (s *LocalStorageService) Get(ctx context.Context, key string) (string, error) {
	fullPath, err := s.path(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// S3StorageService implements StorageService using AWS S3
type S3StorageService struct {
	client *s3.Client
	bucket string
}

func NewS3StorageService(bucket string) (*S3StorageService, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, err
	}

	// Trace S3 calls as X-Ray subsegments.
	awsv2.AWSV2Instrumentor(&cfg.APIOptions)

	client := s3.NewFromConfig(cfg)
	return &S3StorageService{client: client, bucket: bucket}, nil
}

func (s *S3StorageService) Put(ctx context.Context, key string, body string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(body),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	return err
}

func (s *S3StorageService) Get(ctx context.Context, key string) (string, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return "", fmt.Errorf("s3://%s/%s: %w", s.bucket, key, fs.ErrNotExist)
	}
	if err != nil {
		return "", err
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewStorageService creates the log archive for storageType. "none" disables
// archiving and returns a nil service.
func NewStorageService(storageType, pathOrBucket string) (StorageService, error) {
	switch storageType {
	case "s3":
		return NewS3StorageService(pathOrBucket)
	case "local":
		return NewLocalStorageService(pathOrBucket)
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}

// LogKey is where the full output of an execution is archived.
func LogKey(functionID, executionID string) string {
	return fmt.Sprintf("executions/%s/%s.log", functionID, executionID)
}
