package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
)

// S3Filesystem brokers access to a single S3 bucket with presigned requests.
// Direct streaming through the API is refused; clients talk to S3 themselves.
type S3Filesystem struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// NewS3Filesystem builds the S3 backend. Path-style addressing keeps
// presigned URLs working against S3-compatible endpoints (MinIO, SeaweedFS);
// explicit credentials and a custom endpoint override the default chain.
func NewS3Filesystem(ctx context.Context, bucket, region string) (*S3Filesystem, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if config.S3AccessKey != "" && config.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.S3AccessKey, config.S3SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(config.S3Endpoint)
		}
		o.UsePathStyle = true
	})
	return &S3Filesystem{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}, nil
}

// splitPath separates "bucket/key" and rejects paths naming another bucket.
func (f *S3Filesystem) splitPath(path string) (string, error) {
	bucket, key, found := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !found || key == "" {
		return "", fmt.Errorf("%w: incomplete s3 path %s", ErrPermissionDenied, path)
	}
	if bucket != f.bucket {
		return "", fmt.Errorf("%w: bucket %s is not served here", ErrPermissionDenied, bucket)
	}
	return key, nil
}

// GetFile is refused; S3 objects are fetched through presigned URLs only.
func (f *S3Filesystem) GetFile(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: use the url endpoint for s3-backed files", ErrPermissionDenied)
}

// GetFileURL presigns a GET for the object, checking existence first so the
// caller gets a 404 now instead of an opaque S3 error later.
func (f *S3Filesystem) GetFileURL(ctx context.Context, path string, r *http.Request, urlSuffix, downloadSuffix string) (*api.FileHTTPRequest, error) {
	key, err := f.splitPath(path)
	if err != nil {
		return nil, err
	}

	if _, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to check object %s: %w", path, err)
	}

	request, err := f.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = PresignExpiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign GET for %s: %w", path, err)
	}
	return &api.FileHTTPRequest{
		Method:  http.MethodGet,
		URL:     request.URL,
		Headers: map[string]string{},
		Data:    map[string]string{},
	}, nil
}

// PostFile is refused for the same reason as GetFile.
func (f *S3Filesystem) PostFile(ctx context.Context, file io.Reader, path string) error {
	return fmt.Errorf("%w: use the url endpoint for s3-backed files", ErrPermissionDenied)
}

// PostFileURL presigns a browser-style multipart POST. The key carries a
// ${filename} placeholder and a starts-with condition pins uploads under the
// given prefix, so the credentials cannot write anywhere else in the bucket.
func (f *S3Filesystem) PostFileURL(ctx context.Context, path string, r *http.Request, urlSuffix, uploadSuffix string) (*api.FileHTTPRequest, error) {
	prefix, err := f.splitPath(path)
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/")

	request, err := f.presign.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(prefix + "/${filename}"),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = PresignExpiry
		o.Conditions = []interface{}{
			[]interface{}{"starts-with", "$key", prefix + "/"},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to presign POST for %s: %w", path, err)
	}
	return &api.FileHTTPRequest{
		Method:  http.MethodPost,
		URL:     request.URL,
		Headers: map[string]string{},
		Data:    request.Values,
	}, nil
}

// Exists checks the object with a HEAD request.
func (f *S3Filesystem) Exists(ctx context.Context, path string) (bool, error) {
	key, err := f.splitPath(path)
	if err != nil {
		return false, err
	}
	if _, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object %s: %w", path, err)
	}
	return true, nil
}

// List pages through the bucket under prefix and returns bucket-qualified
// paths, matching the form the rest of the API passes around.
func (f *S3Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	key, err := f.splitPath(prefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	paginator := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(f.bucket),
		Prefix: aws.String(key),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			paths = append(paths, f.bucket+"/"+aws.ToString(obj.Key))
		}
	}
	return paths, nil
}

// FullPathURI renders the s3:// form of a bucket-qualified path.
func (f *S3Filesystem) FullPathURI(path string) string {
	return "s3://" + strings.TrimPrefix(path, "/")
}

// isS3NotFound matches both the typed NoSuchKey error and a bare HTTP 404,
// which is what HeadObject and S3-compatible services return.
func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
