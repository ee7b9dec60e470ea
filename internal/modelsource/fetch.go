package modelsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
)

// GCSFetcher reads objects from Google Cloud Storage using application
// default credentials.
type GCSFetcher struct{}

func (g *GCSFetcher) Fetch(ctx context.Context, src Source, w io.Writer) (int64, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(src.Bucket).Object(src.Object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return 0, fmt.Errorf("%s: %w", src, os.ErrNotExist)
		}
		return 0, fmt.Errorf("opening object %s: %w", src, err)
	}
	defer r.Close()

	return io.Copy(w, r)
}

// HTTPFetcher downloads models with a GET request.
type HTTPFetcher struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

func (h *HTTPFetcher) Fetch(ctx context.Context, src Source, w io.Writer) (int64, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("doing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%s: %w", src, os.ErrNotExist)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("unexpected status %q from %s", resp.Status, src)
	}
	return io.Copy(w, resp.Body)
}
