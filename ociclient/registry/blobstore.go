package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
	"github.com/ocidist/ocidist/internal/httputil"
)

// BlobStore pushes and fetches opaque content-addressed blobs for a
// single repository, via the distribution spec's two-step upload and
// range-based fetch.
type BlobStore struct {
	client    Client
	ref       ociclient.Reference
	plainHTTP bool
}

func newBlobStore(client Client, ref ociclient.Reference, plainHTTP bool) *BlobStore {
	return &BlobStore{client: client, ref: ref, plainHTTP: plainHTTP}
}

// Exists reports whether digest is present, via HEAD.
func (s *BlobStore) Exists(ctx context.Context, digest string) (bool, error) {
	_, err := s.Resolve(ctx, digest)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Resolve HEADs digest and returns its descriptor, using the server's
// Content-Length and Content-Type (falling back to octet-stream).
func (s *BlobStore) Resolve(ctx context.Context, digest string) (ociclient.Descriptor, error) {
	if err := ociclient.ValidateDigest(digest); err != nil {
		return ociclient.Descriptor{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, blobURL(s.plainHTTP, s.ref, digest), nil)
	if err != nil {
		return ociclient.Descriptor{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return ociclient.Descriptor{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ociclient.Descriptor{}, parseErrorResponse(resp)
	}
	size, err := contentLength(resp)
	if err != nil {
		return ociclient.Descriptor{}, fmt.Errorf("resolving blob %s: %w", digest, err)
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = ociclient.MediaTypeOctetStream
	}
	return ociclient.Descriptor{MediaType: mediaType, Digest: godigest.Digest(digest), Size: size}, nil
}

// Fetch returns the blob content as an io.ReadCloser, verifying the
// Docker-Content-Digest response header (when present) against
// target.Digest and the response length against target.Size. If the
// server advertises Accept-Ranges: bytes, the returned reader also
// implements io.Seeker via *httputil.RangeReadSeekCloser.
func (s *BlobStore) Fetch(ctx context.Context, target ociclient.Descriptor) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL(s.plainHTTP, s.ref, string(target.Digest)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ociclient.MediaTypeOctetStream)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}
	if err := verifyContentDigest(resp, string(target.Digest)); err != nil {
		resp.Body.Close()
		return nil, err
	}
	size, err := contentLength(resp)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching blob %s: %w", target.Digest, err)
	}
	if size != target.Size {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %q: mismatched Content-Length %d, expected %d",
			req.Method, req.URL, size, target.Size)
	}
	if resp.Header.Get("Accept-Ranges") == "bytes" && target.Size > 0 {
		template := req.Clone(ctx)
		return httputil.NewRangeReadSeekCloser(s.client, template, resp.Body, target.Size), nil
	}
	return resp.Body, nil
}

// FetchReference is like Fetch but accepts a raw digest string and
// verifies the Docker-Content-Digest response header, if present,
// against the requested digest.
func (s *BlobStore) FetchReference(ctx context.Context, digest string) (ociclient.Descriptor, io.ReadCloser, error) {
	if err := ociclient.ValidateDigest(digest); err != nil {
		return ociclient.Descriptor{}, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL(s.plainHTTP, s.ref, digest), nil)
	if err != nil {
		return ociclient.Descriptor{}, nil, err
	}
	req.Header.Set("Accept", ociclient.MediaTypeOctetStream)
	resp, err := s.client.Do(req)
	if err != nil {
		return ociclient.Descriptor{}, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return ociclient.Descriptor{}, nil, parseErrorResponse(resp)
	}
	if err := verifyContentDigest(resp, digest); err != nil {
		resp.Body.Close()
		return ociclient.Descriptor{}, nil, err
	}
	size, err := contentLength(resp)
	if err != nil {
		resp.Body.Close()
		return ociclient.Descriptor{}, nil, fmt.Errorf("fetching blob %s: %w", digest, err)
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = ociclient.MediaTypeOctetStream
	}
	desc := ociclient.Descriptor{MediaType: mediaType, Digest: godigest.Digest(digest), Size: size}

	var body io.ReadCloser = resp.Body
	if resp.Header.Get("Accept-Ranges") == "bytes" && size > 0 {
		body = httputil.NewRangeReadSeekCloser(s.client, req.Clone(ctx), resp.Body, size)
	}
	return desc, body, nil
}

// Push uploads content as digest via the two-step POST-then-PUT monolithic
// upload sequence: POST to the uploads endpoint gets back a Location, then
// PUT with ?digest=<digest> to that location completes the blob.
func (s *BlobStore) Push(ctx context.Context, desc ociclient.Descriptor, content io.Reader) error {
	postReq, err := http.NewRequestWithContext(ctx, http.MethodPost, blobUploadURL(s.plainHTTP, s.ref), nil)
	if err != nil {
		return err
	}
	postResp, err := s.client.Do(postReq)
	if err != nil {
		return err
	}
	defer postResp.Body.Close()
	if postResp.StatusCode != http.StatusAccepted {
		return parseErrorResponse(postResp)
	}
	location := postResp.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("blob upload POST for %s: missing Location header", s.ref.Repository)
	}

	putURL, err := resolveUploadLocation(postReq, location, string(desc.Digest))
	if err != nil {
		return err
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, content)
	if err != nil {
		return err
	}
	putReq.ContentLength = desc.Size
	putReq.Header.Set("Content-Type", ociclient.MediaTypeOctetStream)
	putResp, err := s.client.Do(putReq)
	if err != nil {
		return err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		return parseErrorResponse(putResp)
	}
	return verifyContentDigest(putResp, string(desc.Digest))
}

// errMountDeclined distinguishes a registry that ignored the mount query
// (202 upload session instead of 201 Created) from a mount request that
// failed outright; only the former is recoverable by a fetch+push
// fallback.
var errMountDeclined = fmt.Errorf("%w: registry did not mount, started upload session instead", errdef.ErrMountFailed)

// Mount attempts a cross-repository blob mount from fromRepository; if
// the registry does not support it (falls through to a 202 Accepted
// upload session instead of a 201 Created mount), errMountDeclined is
// returned and the caller is expected to fall back to a full Fetch+Push.
func (s *BlobStore) Mount(ctx context.Context, digest, fromRepository string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mountURL(s.plainHTTP, s.ref, digest, fromRepository), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
		return verifyContentDigest(resp, digest)
	case http.StatusAccepted:
		return errMountDeclined
	default:
		return fmt.Errorf("%w: %s", errdef.ErrMountFailed, parseErrorResponse(resp))
	}
}

// Delete removes a blob by digest.
func (s *BlobStore) Delete(ctx context.Context, digest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, blobURL(s.plainHTTP, s.ref, digest), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp)
	}
	return nil
}

func contentLength(resp *http.Response) (int64, error) {
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, fmt.Errorf("missing Content-Length")
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length %q: %w", cl, err)
	}
	return n, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, errdef.ErrNotFound)
}
