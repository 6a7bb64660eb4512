package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"

	"github.com/italolelis/onetimeshare/internal/logctx"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3 stores blobs as objects in a single bucket, keyed by location.
type S3 struct {
	client S3API
	bucket string
	spool  afero.Fs
}

// NewS3 builds a client from cfg. A custom Endpoint switches to path-style
// addressing for MinIO and other S3-compatible stores.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}

	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &StorageError{Op: "init", Err: fmt.Errorf("loading aws config: %w", err)}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3FromClient(client, cfg.Bucket, afero.NewOsFs()), nil
}

// NewS3FromClient uses spool for the temporary copy that sizes each upload.
func NewS3FromClient(client S3API, bucket string, spool afero.Fs) *S3 {
	return &S3{client: client, bucket: bucket, spool: spool}
}

func (b *S3) Save(ctx context.Context, r io.Reader, ext string) (string, int64, error) {
	location := newLocation(ext)

	tmp, err := afero.TempFile(b.spool, os.TempDir(), "onetimeshare-*")
	if err != nil {
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}
	defer func() {
		tmp.Close()
		_ = b.spool.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, uploadReader(ctx, r, location))
	if err != nil {
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(location),
		Body:          tmp,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", 0, &StorageError{Op: "save", Location: location, Err: err}
	}

	return location, size, nil
}

func (b *S3) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := validateLocation(location); err != nil {
		return nil, &StorageError{Op: "open", Location: location, Err: err}
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(location),
	})
	if isNotFound(err) {
		return nil, &StorageError{Op: "open", Location: location, Err: ErrNotFound}
	}
	if err != nil {
		return nil, &StorageError{Op: "open", Location: location, Err: err}
	}

	return out.Body, nil
}

func (b *S3) Delete(ctx context.Context, location string) error {
	exists, err := b.Exists(ctx, location)
	if err != nil {
		return err
	}

	if !exists {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "attempted to delete non-existent blob", "location", location)
		return nil
	}

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(location),
	})
	if err != nil && !isNotFound(err) {
		return &StorageError{Op: "delete", Location: location, Err: err}
	}

	return nil
}

func (b *S3) Exists(ctx context.Context, location string) (bool, error) {
	if err := validateLocation(location); err != nil {
		return false, &StorageError{Op: "exists", Location: location, Err: err}
	}

	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(location),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "exists", Location: location, Err: err}
	}

	return true, nil
}

func (b *S3) Walk(ctx context.Context, fn WalkFunc) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(locationPrefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return &StorageError{Op: "walk", Err: err}
		}

		for _, obj := range page.Contents {
			if err := fn(aws.ToString(obj.Key), aws.ToTime(obj.LastModified)); err != nil {
				return &StorageError{Op: "walk", Location: aws.ToString(obj.Key), Err: err}
			}
		}
	}

	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
