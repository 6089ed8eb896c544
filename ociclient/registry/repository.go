// Package registry implements the distribution-spec v1.1 client surface:
// blob and manifest content-addressed stores, tag and referrers listing,
// and a repository facade that dispatches by media type to the
// appropriate store.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/internal/httputil"
)

const defaultMaxMetadataBytes = 4 << 20

// Repository is an HTTP client scoped to one registry/repository pair,
// the unit of operation for every push, pull, tag, and referrers call.
type Repository struct {
	client    Client
	ref       ociclient.Reference
	plainHTTP bool

	manifestAccept       []string
	tagListPageSize      int
	referrerListPageSize int
	maxMetadataBytes     int64

	referrersState referrersStateBox
}

// RepositoryOpt configures a Repository at construction time.
type RepositoryOpt func(*Repository)

// WithPlainHTTP makes the repository talk http:// instead of https://,
// for local test registries.
func WithPlainHTTP(plain bool) RepositoryOpt {
	return func(r *Repository) { r.plainHTTP = plain }
}

// WithManifestAccept overrides the Accept header list sent when
// resolving or fetching manifests by reference.
func WithManifestAccept(mediaTypes ...string) RepositoryOpt {
	return func(r *Repository) { r.manifestAccept = mediaTypes }
}

// WithTagListPageSize sets the "n" query parameter on tag list requests.
func WithTagListPageSize(n int) RepositoryOpt {
	return func(r *Repository) { r.tagListPageSize = n }
}

// WithReferrerListPageSize sets the "n" query parameter on referrers API
// requests.
func WithReferrerListPageSize(n int) RepositoryOpt {
	return func(r *Repository) { r.referrerListPageSize = n }
}

// WithMaxMetadataBytes bounds how many response bytes are read for tag
// list and referrers list responses, the tag-schema referrers index, and
// the digest computation of a manifest GET that carries no
// Docker-Content-Digest header. The manifest pre-read before a push or
// delete is bounded by the larger of this value and the descriptor's
// size. Other blob and manifest fetches are not bounded this way.
func WithMaxMetadataBytes(n int64) RepositoryOpt {
	return func(r *Repository) { r.maxMetadataBytes = n }
}

// NewRepository builds a Repository for ref, talking through client.
func NewRepository(client Client, ref ociclient.Reference, opts ...RepositoryOpt) *Repository {
	r := &Repository{
		client:           client,
		ref:              ref,
		maxMetadataBytes: defaultMaxMetadataBytes,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reference returns the repository's reference.
func (r *Repository) Reference() ociclient.Reference { return r.ref }

// Blobs returns a store scoped to the repository's blob CAS.
func (r *Repository) Blobs() *BlobStore {
	return newBlobStore(r.client, r.ref, r.plainHTTP)
}

// Manifests returns a store scoped to the repository's manifest CAS.
func (r *Repository) Manifests() *ManifestStore {
	return newManifestStore(r.client, r.ref, r.plainHTTP, r.manifestAccept, r.maxMetadataBytes)
}

// Fetch retrieves target's content from whichever store (blob or
// manifest) its media type identifies.
func (r *Repository) Fetch(ctx context.Context, target ociclient.Descriptor) (io.ReadCloser, error) {
	if ociclient.IsManifestMediaType(target.MediaType) {
		return r.Manifests().Fetch(ctx, target)
	}
	return r.Blobs().Fetch(ctx, target)
}

// Push uploads content, matching expected, to whichever store its media
// type identifies. When expected names a manifest or index that carries
// a Subject, the push response is inspected for the OCI-Subject header:
// its presence, on the first such push, moves ReferrersState to
// supported (the registry maintains the index itself) and its absence
// moves it to notSupported and triggers a client-side tag-schema update.
// Once notSupported is established, every subject-bearing push updates
// the tag-schema index regardless of the header.
func (r *Repository) Push(ctx context.Context, expected ociclient.Descriptor, content io.Reader) error {
	if !ociclient.IsManifestMediaType(expected.MediaType) {
		return r.Blobs().Push(ctx, expected, content)
	}

	body, err := readAllLimited(content, maxOf(expected.Size, r.maxMetadataBytes))
	if err != nil {
		return err
	}

	var withSubject struct {
		Subject *ociclient.Descriptor `json:"subject,omitempty"`
	}
	_ = json.Unmarshal(body, &withSubject)

	ms := r.Manifests()
	if withSubject.Subject == nil {
		return ms.Push(ctx, expected, bytes.NewReader(body))
	}

	headers, err := ms.PushReferenceHeaders(ctx, expected, bytes.NewReader(body), string(expected.Digest))
	if err != nil {
		return err
	}

	if headers.Get("OCI-Subject") != "" {
		r.referrersState.observe(ReferrersStateSupported)
	} else {
		r.referrersState.observe(ReferrersStateNotSupported)
	}
	if r.referrersState.get() == ReferrersStateSupported {
		// Native support was established, by this push's header or by an
		// explicit SetReferrersState(Supported) that raced us and won;
		// trust it over a single push's missing header.
		return nil
	}
	return r.addToReferrersIndex(ctx, string(withSubject.Subject.Digest), ociclient.Descriptor{
		MediaType:    expected.MediaType,
		Digest:       expected.Digest,
		Size:         expected.Size,
		ArtifactType: expected.ArtifactType,
	})
}

func maxOf(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Exists reports whether target is present in the repository.
func (r *Repository) Exists(ctx context.Context, target ociclient.Descriptor) (bool, error) {
	if ociclient.IsManifestMediaType(target.MediaType) {
		return r.Manifests().Exists(ctx, string(target.Digest))
	}
	return r.Blobs().Exists(ctx, string(target.Digest))
}

// Delete removes target. If target is a manifest or index, its content
// is first read (bounded by MaxMetadataBytes) to check for a Subject; if
// one is present and the registry is not known to maintain referrers
// natively, the tag-schema fallback index is updated to drop it.
func (r *Repository) Delete(ctx context.Context, target ociclient.Descriptor) error {
	if !ociclient.IsManifestMediaType(target.MediaType) {
		return r.Blobs().Delete(ctx, string(target.Digest))
	}

	var subjectDigest string
	if r.referrersState.get() != ReferrersStateSupported {
		if rc, err := r.Manifests().Fetch(ctx, target); err == nil {
			b, rerr := readAllLimited(rc, maxOf(target.Size, r.maxMetadataBytes))
			rc.Close()
			if rerr == nil {
				var withSubject struct {
					Subject *ociclient.Descriptor `json:"subject,omitempty"`
				}
				if json.Unmarshal(b, &withSubject) == nil && withSubject.Subject != nil {
					subjectDigest = string(withSubject.Subject.Digest)
				}
			}
		}
	}

	if err := r.Manifests().Delete(ctx, target); err != nil {
		return err
	}
	if subjectDigest == "" {
		return nil
	}
	return r.removeFromReferrersIndex(ctx, subjectDigest, target)
}

// Resolve resolves reference (tag or digest) to a manifest descriptor.
func (r *Repository) Resolve(ctx context.Context, reference string) (ociclient.Descriptor, error) {
	return r.Manifests().Resolve(ctx, reference)
}

// Tags lists the repository's tags, invoking fn once per page in the
// order the registry returns them, following the RFC 5988 Link header
// for subsequent pages.
func (r *Repository) Tags(ctx context.Context, last string, fn func(tags []string) error) error {
	u := tagListURL(r.plainHTTP, r.ref, r.tagListPageSize, last)
	for u != "" {
		next, err := r.tagsPage(ctx, u, fn)
		if err != nil {
			return err
		}
		u = next
	}
	return nil
}

func (r *Repository) tagsPage(ctx context.Context, u string, fn func(tags []string) error) (string, error) {
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
		Tags []string `json:"tags"`
	}
	b, err := readAllLimited(resp.Body, r.maxMetadataBytes)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(b, &page); err != nil {
		return "", fmt.Errorf("%s %q: decoding tag list: %w", req.Method, req.URL, err)
	}
	if err := fn(page.Tags); err != nil {
		return "", err
	}
	next, err := httputil.ParseNextLink(resp)
	if err != nil {
		return "", nil
	}
	return next, nil
}

// Mount attempts to cross-mount digest from fromRepository into this
// repository without re-uploading content. If the registry declines
// (falling back to a fresh upload session instead of mounting), the
// blob is fetched and re-pushed: from fallback when one is supplied,
// otherwise by pulling the blob from fromRepository on the same
// registry. Mount failures other than a declined mount (auth, 5xx)
// propagate as-is without triggering the fallback.
func (r *Repository) Mount(ctx context.Context, digest, fromRepository string, fallback func() (ociclient.Descriptor, io.ReadCloser, error)) error {
	err := r.Blobs().Mount(ctx, digest, fromRepository)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errMountDeclined) {
		return err
	}
	if fallback == nil {
		srcRef := ociclient.Reference{Registry: r.ref.Registry, Repository: fromRepository}
		src := newBlobStore(r.client, srcRef, r.plainHTTP)
		fallback = func() (ociclient.Descriptor, io.ReadCloser, error) {
			return src.FetchReference(ctx, digest)
		}
	}
	desc, content, ferr := fallback()
	if ferr != nil {
		return fmt.Errorf("mount fallback source: %w", ferr)
	}
	defer content.Close()
	return r.Blobs().Push(ctx, desc, content)
}
