package filesystem

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/config"
)

var (
	// ErrNotFound means the object does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrPermissionDenied covers scope violations, wrong buckets and
	// operations a backend refuses (e.g. direct download from S3).
	ErrPermissionDenied = errors.New("permission denied")
)

// PresignExpiry bounds the lifetime of brokered file requests. Long enough
// for worker cold starts, short enough to limit credential exposure.
const PresignExpiry = 10 * time.Minute

// FileSystem brokers read and write access to job files. Authentication has
// happened upstream; path-scoping is the only authorization enforced here.
// The two implementations (local, s3) are selected at startup.
type FileSystem interface {
	// GetFile streams an object directly. Only the local backend serves this;
	// S3 returns ErrPermissionDenied to force the presigned variant.
	GetFile(ctx context.Context, path string) (io.ReadCloser, error)

	// GetFileURL builds a request the client can issue itself to download the
	// object. The local backend rewrites the caller's URL (urlSuffix →
	// downloadSuffix) and forwards its Authorization header; S3 presigns a GET.
	GetFileURL(ctx context.Context, path string, r *http.Request, urlSuffix, downloadSuffix string) (*api.FileHTTPRequest, error)

	// PostFile stores an uploaded body. Local backend only.
	PostFile(ctx context.Context, file io.Reader, path string) error

	// PostFileURL builds a multipart-upload request scoped to the given path
	// prefix. S3 constrains the presigned POST with a starts-with condition on
	// the key so the credentials only authorize writes under the prefix.
	PostFileURL(ctx context.Context, path string, r *http.Request, urlSuffix, uploadSuffix string) (*api.FileHTTPRequest, error)

	// Exists checks whether the object is present, within scope.
	Exists(ctx context.Context, path string) (bool, error)

	// List enumerates object paths under a prefix, for manifest building.
	List(ctx context.Context, prefix string) ([]string, error)

	// FullPathURI renders the backend-qualified URI of a path.
	FullPathURI(path string) string
}

// FromConfig selects the configured backend.
func FromConfig(ctx context.Context) (FileSystem, error) {
	switch config.Filesystem {
	case "local":
		if config.UserDataRootPath == "" {
			return nil, errors.New("local filesystem requires USER_DATA_ROOT_PATH")
		}
		return NewLocalFilesystem(config.UserDataRootPath), nil
	case "s3":
		if config.S3Bucket == "" {
			return nil, errors.New("s3 filesystem requires S3_BUCKET")
		}
		return NewS3Filesystem(ctx, config.S3Bucket, config.S3Region)
	default:
		return nil, errors.New("invalid FILESYSTEM setting: " + config.Filesystem)
	}
}

// rewriteRequestURL reconstructs the absolute URL of an inbound server
// request with its terminal path suffix replaced. The query string survives
// the rewrite; only the path changes.
func rewriteRequestURL(r *http.Request, urlSuffix, replacement string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	path := suffixPattern(urlSuffix).ReplaceAllString(r.URL.Path, replacement)
	url := scheme + "://" + r.Host + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	return url
}
