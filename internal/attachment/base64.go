package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/elemta-relay/relaycore/internal/store"
)

// Base64Fetcher decodes inline content carried directly in the
// descriptor's storage_path, prefixed "base64:".
type Base64Fetcher struct{}

func (Base64Fetcher) Fetch(ctx context.Context, d store.AttachmentDescriptor, auth store.Auth, tenant store.Tenant) ([]byte, string, error) {
	payload := strings.TrimPrefix(d.StoragePath, "base64:")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 attachment %q: %w", d.Filename, err)
	}
	return data, "", nil
}

var _ Fetcher = Base64Fetcher{}
