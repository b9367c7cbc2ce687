package filesystem

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

// LocalFilesystem serves files from a directory tree. Paths outside the
// configured root are rejected with ErrPermissionDenied.
type LocalFilesystem struct {
	root string
}

// NewLocalFilesystem creates a local backend rooted at root.
func NewLocalFilesystem(root string) *LocalFilesystem {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &LocalFilesystem{root: abs}
}

// scopedPath resolves path and verifies it stays under the root.
func (f *LocalFilesystem) scopedPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path is not in base directory", ErrPermissionDenied)
	}
	return abs, nil
}

// GetFile streams the file at path.
func (f *LocalFilesystem) GetFile(ctx context.Context, path string) (io.ReadCloser, error) {
	abs, err := f.scopedPath(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return file, nil
}

// suffixPattern anchors the suffix so only the terminal occurrence is
// replaced; paths containing the literal suffix elsewhere stay intact.
func suffixPattern(suffix string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(suffix) + "$")
}

// GetFileURL rewrites the caller's request into the direct-download variant,
// forwarding its Authorization header so the download passes auth again.
func (f *LocalFilesystem) GetFileURL(ctx context.Context, path string, r *http.Request, urlSuffix, downloadSuffix string) (*api.FileHTTPRequest, error) {
	abs, err := f.scopedPath(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return &api.FileHTTPRequest{
		Method:  http.MethodGet,
		URL:     rewriteRequestURL(r, urlSuffix, downloadSuffix),
		Headers: forwardAuth(r),
		Data:    map[string]string{},
	}, nil
}

// PostFile creates parent directories and streams the body to disk.
func (f *LocalFilesystem) PostFile(ctx context.Context, file io.Reader, path string) error {
	abs, err := f.scopedPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directories for %s: %w", path, err)
	}
	out, err := os.Create(abs)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// PostFileURL rewrites the caller's request into the direct-upload variant.
func (f *LocalFilesystem) PostFileURL(ctx context.Context, path string, r *http.Request, urlSuffix, uploadSuffix string) (*api.FileHTTPRequest, error) {
	if _, err := f.scopedPath(path); err != nil {
		return nil, err
	}
	return &api.FileHTTPRequest{
		Method:  http.MethodPost,
		URL:     rewriteRequestURL(r, urlSuffix, uploadSuffix),
		Headers: forwardAuth(r),
		Data:    map[string]string{},
	}, nil
}

// Exists checks for the file, within scope.
func (f *LocalFilesystem) Exists(ctx context.Context, path string) (bool, error) {
	abs, err := f.scopedPath(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

// List walks the tree under prefix and returns the contained file paths.
func (f *LocalFilesystem) List(ctx context.Context, prefix string) ([]string, error) {
	abs, err := f.scopedPath(prefix)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.Walk(abs, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return files, nil
}

// FullPathURI returns the absolute path; the local backend has no scheme.
func (f *LocalFilesystem) FullPathURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func forwardAuth(r *http.Request) map[string]string {
	headers := map[string]string{}
	if auth := r.Header.Get("Authorization"); auth != "" {
		headers["Authorization"] = auth
	}
	return headers
}
