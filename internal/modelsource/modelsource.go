// Package modelsource turns a model path into a local file. Plain paths are
// used as they are; gs:// and http(s):// locations are downloaded once into a
// cache directory and reused afterwards.
package modelsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Location schemes.
const (
	SchemeFile  = "file"
	SchemeGCS   = "gs"
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// Source is a parsed model location.
type Source struct {
	Scheme string
	Bucket string // gs bucket or http host
	Object string // gs object name or http path
	raw    string
}

// Parse parses a model location. Anything without a recognized scheme is a
// local path.
func Parse(path string) (Source, error) {
	if path == "" {
		return Source{}, errors.New("model path is empty")
	}
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		return Source{Scheme: SchemeFile, Object: path, raw: path}, nil
	}

	switch scheme {
	case SchemeFile:
		if rest == "" {
			return Source{}, fmt.Errorf("model path %q: missing file path", path)
		}
		return Source{Scheme: SchemeFile, Object: rest, raw: path}, nil

	case SchemeGCS:
		bucket, object, _ := strings.Cut(rest, "/")
		if bucket == "" || object == "" {
			return Source{}, fmt.Errorf("model path %q: want gs://bucket/object", path)
		}
		return Source{Scheme: SchemeGCS, Bucket: bucket, Object: object, raw: path}, nil

	case SchemeHTTP, SchemeHTTPS:
		u, err := url.Parse(path)
		if err != nil {
			return Source{}, fmt.Errorf("model path %q: %w", path, err)
		}
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return Source{}, fmt.Errorf("model path %q: want %s://host/path", path, scheme)
		}
		return Source{Scheme: scheme, Bucket: u.Host, Object: strings.TrimPrefix(u.Path, "/"), raw: path}, nil

	default:
		return Source{}, fmt.Errorf("model path %q: unsupported scheme %q", path, scheme)
	}
}

// Remote reports whether the source must be downloaded.
func (s Source) Remote() bool { return s.Scheme != SchemeFile }

func (s Source) String() string { return s.raw }

// cachePath is where a remote source lives inside dir.
func (s Source) cachePath(dir string) string {
	return filepath.Join(dir, s.Scheme, s.Bucket, filepath.FromSlash(s.Object))
}

// Fetcher downloads one remote source. If the object does not exist, the
// returned error satisfies errors.Is(err, os.ErrNotExist).
type Fetcher interface {
	Fetch(ctx context.Context, src Source, w io.Writer) (int64, error)
}

// Resolver maps model locations to local files.
type Resolver struct {
	cacheDir string
	fetchers map[string]Fetcher
	logger   *slog.Logger
	group    singleflight.Group
}

// NewResolver creates a resolver that caches downloads under cacheDir. An
// empty cacheDir selects npurt/models under the user cache directory.
func NewResolver(cacheDir string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		cacheDir: cacheDir,
		fetchers: make(map[string]Fetcher),
		logger:   logger,
	}
	r.Register(SchemeGCS, &GCSFetcher{})
	r.Register(SchemeHTTP, &HTTPFetcher{})
	r.Register(SchemeHTTPS, &HTTPFetcher{})
	return r
}

// Register sets the fetcher for a scheme, replacing any previous one.
func (r *Resolver) Register(scheme string, f Fetcher) {
	r.fetchers[scheme] = f
}

// Resolve returns a local path for the model at path. Concurrent calls for
// the same remote source share one download.
func (r *Resolver) Resolve(ctx context.Context, path string) (string, error) {
	src, err := Parse(path)
	if err != nil {
		return "", err
	}
	if !src.Remote() {
		if _, err := os.Stat(src.Object); err != nil {
			return "", fmt.Errorf("model %s: %w", src.Object, err)
		}
		return src.Object, nil
	}

	f, ok := r.fetchers[src.Scheme]
	if !ok {
		return "", fmt.Errorf("no fetcher for scheme %q", src.Scheme)
	}
	dir, err := r.dir()
	if err != nil {
		return "", err
	}
	dest := src.cachePath(dir)

	v, err, _ := r.group.Do(dest, func() (any, error) {
		if _, err := os.Stat(dest); err == nil {
			r.logger.Debug("model cache hit", "source", src.String(), "path", dest)
			return dest, nil
		}
		if err := r.download(ctx, f, src, dest); err != nil {
			return "", err
		}
		return dest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) dir() (string, error) {
	if r.cacheDir != "" {
		return r.cacheDir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate cache directory: %w", err)
	}
	return filepath.Join(base, "npurt", "models"), nil
}

// download writes src to a temp file next to dest and renames it into place,
// so a partial download is never mistaken for a cached model.
func (r *Resolver) download(ctx context.Context, f Fetcher, src Source, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "download")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	r.logger.Info("downloading model", "source", src.String(), "destination", dest)
	n, err := f.Fetch(ctx, src, tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	r.logger.Info("downloaded model", "source", src.String(), "bytes", n)
	return nil
}

// Resolve resolves path with a default resolver caching under cacheDir.
func Resolve(ctx context.Context, path, cacheDir string) (string, error) {
	return NewResolver(cacheDir, nil).Resolve(ctx, path)
}
