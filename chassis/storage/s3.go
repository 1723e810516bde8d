package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	log "github.com/freundallein/stacdc/chassis/logging"
)

// S3Config ...
type S3Config struct {
	Host      string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Retries   int
}

// S3Storage implements Client against an S3 compatible endpoint.
type S3Storage struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

// NewS3Storage ...
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketMissing
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Host),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		MaxRetries:       aws.Int(cfg.Retries),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 session: %w", err)
	}
	client := s3.New(sess)
	log.WithFields(log.Fields{
		"event":  "s3_session_created",
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
	}).Info("s3 storage ready")
	return &S3Storage{
		bucket:     cfg.Bucket,
		client:     client,
		uploader:   s3manager.NewUploaderWithClient(client),
		downloader: s3manager.NewDownloaderWithClient(client),
	}, nil
}

// Upload ...
func (s *S3Storage) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return &IOError{Op: "upload", Key: key, Err: err}
	}
	defer f.Close()
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return &IOError{Op: "upload", Key: key, Err: err}
	}
	log.WithFields(log.Fields{
		"event":   "object_uploaded",
		"storage": "s3",
		"key":     key,
	}).Debug("uploaded ", localPath)
	return nil
}

// Download ...
func (s *S3Storage) Download(ctx context.Context, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return &IOError{Op: "download", Key: key, Err: err}
	}
	_, err = s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	closeErr := f.Close()
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return &IOError{Op: "download", Key: key, Err: err}
	}
	if closeErr != nil {
		return &IOError{Op: "download", Key: key, Err: closeErr}
	}
	return nil
}

// Delete ...
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return &IOError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Exists ...
func (s *S3Storage) Exists(ctx context.Context, key string, expectedLength int64) (bool, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, &IOError{Op: "exists", Key: key, Err: err}
	}
	if expectedLength == AnyLength {
		return true, nil
	}
	size := aws.Int64Value(out.ContentLength)
	if size != expectedLength {
		log.WithFields(log.Fields{
			"event":    "object_size_mismatch",
			"storage":  "s3",
			"key":      key,
			"size":     size,
			"expected": expectedLength,
		}).Warn("object length does not match expected length")
		return false, nil
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == 404 {
		return true
	}
	var aErr awserr.Error
	if errors.As(err, &aErr) {
		switch aErr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
