// Package attachment resolves a Message's attachment descriptors into
// concrete (filename, mime_type, bytes) tuples.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/elemta-relay/relaycore/internal/store"
)

// ErrResolve is wrapped by every fetch failure and is always treated
// as transient by the dispatch loop.
var ErrResolve = errors.New("attachment: resolve failed")

// Resolved is a materialized attachment ready for MIME composition.
type Resolved struct {
	Filename string
	MimeType string
	Bytes    []byte
	Hash     string // content hash, sha256 unless the descriptor carried an md5 marker
}

// Fetcher produces the raw bytes and declared MIME type for one descriptor.
// tenant is passed through so the endpoint fetcher can resolve the
// attachment-endpoint base URL; other fetchers ignore it.
type Fetcher interface {
	Fetch(ctx context.Context, d store.AttachmentDescriptor, auth store.Auth, tenant store.Tenant) ([]byte, string, error)
}

var hashMarker = regexp.MustCompile(`_\{(?:MD5|md5):([0-9a-fA-F]{32})\}(\.[A-Za-z0-9]+)?$`)

// stripHashMarker removes a "..._{MD5:HEX}.ext" marker from filename,
// returning the cleaned name and the extracted hash (empty if absent).
func stripHashMarker(filename string) (string, string) {
	m := hashMarker.FindStringSubmatch(filename)
	if m == nil {
		return filename, ""
	}
	ext := m[2]
	base := filename[:strings.LastIndex(filename, m[0])]
	return base + ext, strings.ToLower(m[1])
}

// CleanFilename strips a hash marker from filename, if present. The
// emitted MIME part always uses the cleaned name.
func CleanFilename(filename string) string {
	name, _ := stripHashMarker(filename)
	return name
}

// ResolveMime applies the MIME resolution order for a cached entry:
// explicit descriptor field, filename extension, then
// application/octet-stream. The fetched type is not consulted.
func ResolveMime(declared, fetched, filename string) string {
	return resolveMime(declared, fetched, filename)
}

// resolveMime applies the MIME resolution order: explicit
// descriptor field, filename extension, then application/octet-stream.
func resolveMime(declared, fetched, filename string) string {
	if declared != "" {
		return declared
	}
	if ext := filepath.Ext(filename); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			return t
		}
	}
	return "application/octet-stream"
}

// Resolver dispatches each descriptor's fetch_mode to the matching
// Fetcher and bounds concurrency across a single message's attachments.
type Resolver struct {
	fetchers map[store.FetchMode]Fetcher
	sem      *semaphore.Weighted
	logger   *slog.Logger
}

// Config controls the resolver's concurrency bound.
type Config struct {
	MaxConcurrentFetches int64 // 0 means unbounded
}

// New builds a Resolver wired with one Fetcher per fetch mode.
func New(cfg Config, base64, filesystem, httpURL, endpoint Fetcher) *Resolver {
	var sem *semaphore.Weighted
	if cfg.MaxConcurrentFetches > 0 {
		sem = semaphore.NewWeighted(cfg.MaxConcurrentFetches)
	}
	return &Resolver{
		fetchers: map[store.FetchMode]Fetcher{
			store.FetchBase64:     base64,
			store.FetchFilesystem: filesystem,
			store.FetchHTTPURL:    httpURL,
			store.FetchEndpoint:   endpoint,
		},
		sem:    sem,
		logger: slog.Default().With("component", "attachment-resolver"),
	}
}

// ResolveOne fetches a single descriptor, bounded by the configured
// semaphore. Zero-attachment callers never touch the semaphore at all,
// since ResolveAll skips the acquire for an empty descriptor list.
func (r *Resolver) ResolveOne(ctx context.Context, d store.AttachmentDescriptor, tenant store.Tenant) (Resolved, error) {
	mode := d.FetchMode
	if mode == "" {
		mode = store.InferFetchMode(d.StoragePath)
	}

	fetcher, ok := r.fetchers[mode]
	if !ok || fetcher == nil {
		return Resolved{}, fmt.Errorf("%w: no fetcher registered for mode %q", ErrResolve, mode)
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return Resolved{}, fmt.Errorf("%w: %v", ErrResolve, err)
		}
		defer r.sem.Release(1)
	}

	auth := tenant.OutboundAuth
	if d.Auth != nil {
		auth = *d.Auth
	}

	bytes, fetchedMime, err := fetcher.Fetch(ctx, d, auth, tenant)
	if err != nil {
		r.logger.Warn("attachment fetch failed", "filename", d.Filename, "fetch_mode", mode, "error", err)
		return Resolved{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	filename, markerHash := stripHashMarker(d.Filename)
	hash := d.ContentHash
	if hash == "" {
		hash = markerHash
	}
	if hash == "" {
		hash = sha256Hex(bytes)
	}

	return Resolved{
		Filename: filename,
		MimeType: resolveMime(d.MimeType, fetchedMime, filename),
		Bytes:    bytes,
		Hash:     hash,
	}, nil
}

// ResolveAll resolves every descriptor concurrently, with the
// resolver's semaphore capping how many fetches run at once; every
// resolved payload is held in the returned slice. A single failure cancels the remaining fetches and is
// returned wrapped in ErrResolve: one unresolvable attachment fails
// the whole message.
func (r *Resolver) ResolveAll(ctx context.Context, descriptors []store.AttachmentDescriptor, tenant store.Tenant) ([]Resolved, error) {
	if len(descriptors) == 0 {
		return nil, nil
	}

	out := make([]Resolved, len(descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range descriptors {
		g.Go(func() error {
			resolved, err := r.ResolveOne(gctx, d, tenant)
			if err != nil {
				return err
			}
			out[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
