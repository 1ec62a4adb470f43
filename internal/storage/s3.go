package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/unpload/unpload/internal/config"
)

// S3Backend stores objects in a bucket of an S3-compatible server
type S3Backend struct {
	client   *s3.Client
	bucket   string
	endpoint string
}

// NewS3Backend creates a client for the configured endpoint. No request is
// made here; call Ping to verify connectivity.
func NewS3Backend(ctx context.Context, cfg config.S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, NewErrorWithCause("InvalidConfig", "S3 backend requires a bucket", ErrInvalidConfig)
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, NewErrorWithCause("InvalidConfig", "S3 backend requires credentials", ErrInvalidConfig)
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg := aws.Config{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// Many S3-compatible servers reject the newer default checksum headers
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &S3Backend{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: cfg.Endpoint,
	}, nil
}

// Ping checks that the bucket is reachable with the configured credentials
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		return NewErrorWithCause("HeadBucket", "Failed to reach S3 bucket", err)
	}
	return nil
}

// Put uploads an object
func (b *S3Backend) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": b.endpoint,
		"bucket":   b.bucket,
		"key":      key,
		"size":     size,
	}).Debug("Uploading object to S3")

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   data,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	// S3 only exposes the object once the upload completes
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return NewErrorWithCause("PutObject", "Failed to put object", err)
	}

	return nil
}

// Get returns a lazy reader. The object is checked with HEAD so a missing
// key fails here; the body is only requested on first Read.
func (b *S3Backend) Get(ctx context.Context, key string) (Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, NewErrorWithCause("HeadObject", "Failed to stat object", err)
	}

	return &s3Object{
		ctx:    ctx,
		client: b.client,
		bucket: b.bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
	}, nil
}

// Delete removes an object. S3 treats absent keys as deleted already.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return NewErrorWithCause("DeleteObject", "Failed to delete object", err)
	}

	return nil
}

// Exists checks an object with HEAD
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	info, err := b.Metadata(ctx, key)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

// TotalUsage pages through the whole bucket
func (b *S3Backend) TotalUsage(ctx context.Context) (int64, error) {
	var total int64

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return 0, NewErrorWithCause("ListObjects", "Failed to list objects", err)
		}
		for _, obj := range page.Contents {
			total += aws.ToInt64(obj.Size)
		}
	}

	return total, nil
}

// Metadata returns size and content type from HEAD
func (b *S3Backend) Metadata(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil
		}
		return nil, NewErrorWithCause("HeadObject", "Failed to stat object", err)
	}

	info := &ObjectInfo{
		Key:         key,
		Size:        aws.ToInt64(head.ContentLength),
		ContentType: aws.ToString(head.ContentType),
	}
	if head.LastModified != nil {
		info.LastModified = head.LastModified.UTC()
	}
	return info, nil
}

// Close releases nothing; the SDK client holds no resources that need closing
func (b *S3Backend) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}

	return false
}

var errObjectClosed = errors.New("read on closed object")

// s3Object fetches the body on first Read and re-fetches with a Range
// header after a Seek.
type s3Object struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	size   int64

	offset int64
	body   io.ReadCloser
	closed bool
}

func (o *s3Object) Read(p []byte) (int, error) {
	if o.closed {
		return 0, errObjectClosed
	}
	if o.offset >= o.size {
		return 0, io.EOF
	}
	if o.body == nil {
		if err := o.open(); err != nil {
			return 0, err
		}
	}

	n, err := o.body.Read(p)
	o.offset += int64(n)
	return n, err
}

func (o *s3Object) open() error {
	input := &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
	}
	if o.offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", o.offset))
	}

	out, err := o.client.GetObject(o.ctx, input)
	if err != nil {
		if isS3NotFound(err) {
			return ErrObjectNotFound
		}
		return NewErrorWithCause("GetObject", "Failed to get object", err)
	}

	o.body = out.Body
	return nil
}

func (o *s3Object) Seek(offset int64, whence int) (int64, error) {
	if o.closed {
		return 0, errObjectClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = o.offset + offset
	case io.SeekEnd:
		abs = o.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("negative position %d", abs)
	}

	if abs != o.offset && o.body != nil {
		o.body.Close()
		o.body = nil
	}
	o.offset = abs
	return abs, nil
}

func (o *s3Object) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true
	if o.body != nil {
		err := o.body.Close()
		o.body = nil
		return err
	}
	return nil
}
