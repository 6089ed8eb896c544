package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ocidist/ocidist/internal/httputil"
)

// Registry is a client scoped to a single registry host, used for
// host-level operations (ping, catalog) that apply across repositories.
// Repository clients are constructed separately, one per repository.
type Registry struct {
	client           Client
	host             string
	plainHTTP        bool
	catalogPageSize  int
	maxMetadataBytes int64
}

// RegistryOpt configures a Registry at construction time.
type RegistryOpt func(*Registry)

// WithRegistryPlainHTTP makes the registry talk http:// instead of https://.
func WithRegistryPlainHTTP(plain bool) RegistryOpt {
	return func(r *Registry) { r.plainHTTP = plain }
}

// WithCatalogPageSize sets the "n" query parameter on catalog list requests.
func WithCatalogPageSize(n int) RegistryOpt {
	return func(r *Registry) { r.catalogPageSize = n }
}

// WithRegistryMaxMetadataBytes bounds how many response bytes are read
// for catalog responses, and is passed on to repositories built by
// Registry.Repository.
func WithRegistryMaxMetadataBytes(n int64) RegistryOpt {
	return func(r *Registry) { r.maxMetadataBytes = n }
}

// NewRegistry builds a Registry for host, talking through client.
func NewRegistry(client Client, host string, opts ...RegistryOpt) *Registry {
	r := &Registry{client: client, host: host, maxMetadataBytes: defaultMaxMetadataBytes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Repository returns a Repository for repo under this registry, sharing
// the Registry's client and transport settings.
func (r *Registry) Repository(repo string, opts ...RepositoryOpt) *Repository {
	ref := repositoryReference(r.host, repo)
	allOpts := append([]RepositoryOpt{WithPlainHTTP(r.plainHTTP), WithMaxMetadataBytes(r.maxMetadataBytes)}, opts...)
	return NewRepository(r.client, ref, allOpts...)
}

// Ping checks that the registry implements the distribution API at all
// (GET /v2/ returning 200), the first call most clients make before
// anything else.
func (r *Registry) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingURL(r.plainHTTP, r.host), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}
	return nil
}

// Repositories lists the registry's catalog, invoking fn once per page,
// following the RFC 5988 Link header for subsequent pages.
func (r *Registry) Repositories(ctx context.Context, last string, fn func(repos []string) error) error {
	u := catalogPageURL(r.plainHTTP, r.host, r.catalogPageSize, last)
	for u != "" {
		next, err := r.catalogPage(ctx, u, fn)
		if err != nil {
			return err
		}
		u = next
	}
	return nil
}

func (r *Registry) catalogPage(ctx context.Context, u string, fn func(repos []string) error) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", parseErrorResponse(resp)
	}
	var page struct {
		Repositories []string `json:"repositories"`
	}
	b, err := readAllLimited(resp.Body, r.maxMetadataBytes)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(b, &page); err != nil {
		return "", fmt.Errorf("%s %q: decoding catalog: %w", req.Method, req.URL, err)
	}
	if err := fn(page.Repositories); err != nil {
		return "", err
	}
	next, err := httputil.ParseNextLink(resp)
	if err != nil {
		return "", nil
	}
	return next, nil
}
