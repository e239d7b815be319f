package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elemta-relay/relaycore/internal/store"
)

// EndpointFetcher retrieves content from the owning tenant's
// attachment callback endpoint: POST to base URL +
// attachment path, body is the descriptor's storage_path.
type EndpointFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewEndpointFetcher builds a fetcher with sane defaults.
func NewEndpointFetcher(timeout time.Duration) *EndpointFetcher {
	return &EndpointFetcher{Client: &http.Client{}, Timeout: timeout}
}

func (f *EndpointFetcher) Fetch(ctx context.Context, d store.AttachmentDescriptor, auth store.Auth, tenant store.Tenant) ([]byte, string, error) {
	if tenant.AttachBaseURL == "" {
		return nil, "", fmt.Errorf("tenant %q has no attachment endpoint configured", tenant.ID)
	}
	url := strings.TrimSuffix(tenant.AttachBaseURL, "/") + "/" + strings.TrimPrefix(tenant.AttachPath, "/")

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(d.StoragePath))
	if err != nil {
		return nil, "", fmt.Errorf("build request for attachment endpoint %q: %w", url, err)
	}
	req.Header.Set("Content-Type", "text/plain")
	applyAuth(req, auth)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment from %q: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("attachment endpoint %q returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read attachment endpoint response from %q: %w", url, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

var _ Fetcher = (*EndpointFetcher)(nil)
