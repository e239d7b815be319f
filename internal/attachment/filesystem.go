package attachment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/elemta-relay/relaycore/internal/store"
)

// FilesystemFetcher reads attachment content from local disk. Absolute
// storage_paths are read directly; relative paths are resolved under
// BaseDir and rejected if they escape it.
type FilesystemFetcher struct {
	BaseDir string
}

func (f FilesystemFetcher) Fetch(ctx context.Context, d store.AttachmentDescriptor, auth store.Auth, tenant store.Tenant) ([]byte, string, error) {
	path := d.StoragePath
	clean := filepath.Clean(path)

	if !filepath.IsAbs(path) {
		clean = filepath.Join(f.BaseDir, path)
		if f.BaseDir != "" {
			rootRel, err := filepath.Rel(filepath.Clean(f.BaseDir), clean)
			if err != nil || rootRel == ".." || strings.HasPrefix(rootRel, ".."+string(filepath.Separator)) {
				return nil, "", fmt.Errorf("attachment path %q escapes base directory", d.StoragePath)
			}
		}
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, "", fmt.Errorf("read attachment file %q: %w", clean, err)
	}
	return data, "", nil
}

var _ Fetcher = FilesystemFetcher{}
