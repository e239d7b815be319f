package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elemta-relay/relaycore/internal/store"
)

// HTTPURLFetcher retrieves attachment content by GET from the
// descriptor's storage_path, an absolute http(s) URL.
type HTTPURLFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPURLFetcher builds a fetcher with sane defaults.
func NewHTTPURLFetcher(timeout time.Duration) *HTTPURLFetcher {
	return &HTTPURLFetcher{Client: &http.Client{}, Timeout: timeout}
}

func (f *HTTPURLFetcher) Fetch(ctx context.Context, d store.AttachmentDescriptor, auth store.Auth, tenant store.Tenant) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.StoragePath, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request for %q: %w", d.StoragePath, err)
	}
	applyAuth(req, auth)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %q: %w", d.StoragePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch %q: unexpected status %d", d.StoragePath, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response body for %q: %w", d.StoragePath, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func applyAuth(req *http.Request, auth store.Auth) {
	switch auth.Kind {
	case store.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case store.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	}
}

var _ Fetcher = (*HTTPURLFetcher)(nil)
