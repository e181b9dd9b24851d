// Package storage provides the local filesystem object store backing
// message elements, plus the public URL scheme the HTTP surface serves.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidPath reports an object key that would escape the base
	// directory or contains unusable segments.
	ErrInvalidPath = errors.New("storage: invalid object key")
	// ErrNotFound reports a missing object.
	ErrNotFound = errors.New("storage: object not found")
	// ErrAlreadyExists reports an upload collision with overwrite off.
	ErrAlreadyExists = errors.New("storage: object already exists")
)

// UploadResult reports where an uploaded object landed.
type UploadResult struct {
	ObjectKey string
	URL       string
}

// LocalStorage stores objects as plain files under a base directory.
// Object keys are slash-separated relative paths; every operation
// normalizes and containment-checks the key before touching disk.
type LocalStorage struct {
	baseDir string
}

// Opts configures NewLocal.
type Opts struct {
	// BaseDir is the directory objects live under. Created if missing.
	BaseDir string
}

// NewLocal creates a LocalStorage rooted at opts.BaseDir.
func NewLocal(opts Opts) (*LocalStorage, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("storage: base dir is required")
	}
	abs, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base dir: %w", err)
	}
	return &LocalStorage{baseDir: abs}, nil
}

// BaseDir returns the absolute storage root.
func (s *LocalStorage) BaseDir() string { return s.baseDir }

// NormalizeObjectKey canonicalises an object key: backslashes become
// slashes, outer slashes are stripped, and every remaining segment must
// be a plain name. Empty, "." and ".." segments are rejected, so the
// result can never climb out of the base directory. Normalization is
// idempotent.
func NormalizeObjectKey(key string) (string, error) {
	cleaned := strings.ReplaceAll(key, "\\", "/")
	cleaned = strings.Trim(cleaned, "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidPath)
	}
	segments := strings.Split(cleaned, "/")
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad segment in %q", ErrInvalidPath, key)
		}
	}
	return strings.Join(segments, "/"), nil
}

// ResolveFilePath maps an object key to its absolute path under the
// base directory, verifying containment.
func (s *LocalStorage) ResolveFilePath(objectKey string) (string, error) {
	key, err := NormalizeObjectKey(objectKey)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes storage root", ErrInvalidPath, objectKey)
	}
	return full, nil
}

// UploadFile writes data under objectKey. With overwrite off an
// existing object is left untouched and ErrAlreadyExists is returned.
func (s *LocalStorage) UploadFile(ctx context.Context, objectKey string, data []byte, mime string, overwrite bool) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	path, err := s.ResolveFilePath(objectKey)
	if err != nil {
		return UploadResult{}, err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return UploadResult{}, fmt.Errorf("%w: %q", ErrAlreadyExists, objectKey)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("storage: create parent for %q: %w", objectKey, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return UploadResult{}, fmt.Errorf("storage: write %q: %w", objectKey, err)
	}
	key, _ := NormalizeObjectKey(objectKey)
	return UploadResult{ObjectKey: key, URL: s.PublicURL(key)}, nil
}

// GetReadURL returns the public URL for an existing object.
func (s *LocalStorage) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.ResolveFilePath(objectKey)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %q", ErrNotFound, objectKey)
	}
	key, _ := NormalizeObjectKey(objectKey)
	return s.PublicURL(key), nil
}

// ReadFile returns the stored bytes for objectKey.
func (s *LocalStorage) ReadFile(ctx context.Context, objectKey string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.ResolveFilePath(objectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, objectKey)
		}
		return nil, fmt.Errorf("storage: read %q: %w", objectKey, err)
	}
	return data, nil
}

// DeleteFile removes an object and prunes any directories the removal
// left empty, up to but not including the base directory. Returns false
// when the object did not exist.
func (s *LocalStorage) DeleteFile(ctx context.Context, objectKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.ResolveFilePath(objectKey)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("storage: delete %q: %w", objectKey, err)
	}
	for dir := filepath.Dir(path); dir != s.baseDir; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return true, nil
}

// PublicURL builds the URL a browser can fetch the object from. Each
// key segment is percent-encoded; the slashes between segments are
// preserved so the route parameter keeps its hierarchy.
func (s *LocalStorage) PublicURL(objectKey string) string {
	segments := strings.Split(objectKey, "/")
	encoded := make([]string, len(segments))
	for i, seg := range segments {
		encoded[i] = url.PathEscape(seg)
	}
	return RootPath() + "/public/easierlit/" + strings.Join(encoded, "/")
}

// RootPath returns the deployment path prefix from CHAINLIT_ROOT_PATH,
// without a trailing slash. Empty when unset.
func RootPath() string {
	root := strings.TrimSpace(os.Getenv("CHAINLIT_ROOT_PATH"))
	if root == "" || root == "/" {
		return ""
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	return strings.TrimRight(root, "/")
}
