package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
)

// defaultManifestAccept is sent on Resolve/FetchReference when the caller
// configured no narrower Accept list; it covers both image manifests and
// indices, plus the Docker legacy types for read-compatibility.
var defaultManifestAccept = []string{
	ociclient.MediaTypeImageManifest,
	ociclient.MediaTypeImageIndex,
	ociclient.MediaTypeDockerManifest,
	ociclient.MediaTypeDockerManifestList,
}

// ManifestStore pushes, fetches, tags, and deletes manifests and indices
// for a single repository, following the distribution spec's
// generateDescriptor truth table for reconciling client- and
// server-reported digests.
type ManifestStore struct {
	client           Client
	ref              ociclient.Reference
	plainHTTP        bool
	manifestAccept   []string
	maxMetadataBytes int64
}

func newManifestStore(client Client, ref ociclient.Reference, plainHTTP bool, accept []string, maxMetadataBytes int64) *ManifestStore {
	if len(accept) == 0 {
		accept = defaultManifestAccept
	}
	return &ManifestStore{client: client, ref: ref, plainHTTP: plainHTTP, manifestAccept: accept, maxMetadataBytes: maxMetadataBytes}
}

func (s *ManifestStore) acceptHeader() string {
	out := ""
	for i, mt := range s.manifestAccept {
		if i > 0 {
			out += ", "
		}
		out += mt
	}
	return out
}

// Exists resolves reference and reports whether it is present.
func (s *ManifestStore) Exists(ctx context.Context, reference string) (bool, error) {
	_, err := s.Resolve(ctx, reference)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Resolve HEADs reference (a tag or digest) and returns its descriptor,
// reconciling the client-known digest (if reference is itself a digest)
// against the server-reported Docker-Content-Digest per generateDescriptor.
func (s *ManifestStore) Resolve(ctx context.Context, reference string) (ociclient.Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, manifestURL(s.plainHTTP, s.ref, reference), nil)
	if err != nil {
		return ociclient.Descriptor{}, err
	}
	req.Header.Set("Accept", s.acceptHeader())
	resp, err := s.client.Do(req)
	if err != nil {
		return ociclient.Descriptor{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return generateDescriptor(resp, reference, http.MethodHead, s.maxMetadataBytes)
	case http.StatusNotFound:
		return ociclient.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
	default:
		return ociclient.Descriptor{}, parseErrorResponse(resp)
	}
}

// Fetch retrieves target's content, validating the response Content-Type
// and Content-Length against the descriptor and verifying the
// Docker-Content-Digest header if present.
func (s *ManifestStore) Fetch(ctx context.Context, target ociclient.Descriptor) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL(s.plainHTTP, s.ref, string(target.Digest)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", target.MediaType)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			resp.Body.Close()
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
	default:
		return nil, parseErrorResponse(resp)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%s %q: invalid response Content-Type: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if mediaType != target.MediaType {
		return nil, fmt.Errorf("%s %q: mismatched Content-Type %q, expected %q", resp.Request.Method, resp.Request.URL, mediaType, target.MediaType)
	}
	if size := resp.ContentLength; size != -1 && size != target.Size {
		return nil, fmt.Errorf("%s %q: mismatched Content-Length", resp.Request.Method, resp.Request.URL)
	}
	if err := verifyContentDigest(resp, string(target.Digest)); err != nil {
		return nil, err
	}
	ok = true
	return resp.Body, nil
}

// FetchReference is like Fetch but resolves reference (tag or digest)
// first via the server's response itself, in a single round trip.
func (s *ManifestStore) FetchReference(ctx context.Context, reference string) (ociclient.Descriptor, io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL(s.plainHTTP, s.ref, reference), nil)
	if err != nil {
		return ociclient.Descriptor{}, nil, err
	}
	req.Header.Set("Accept", s.acceptHeader())
	resp, err := s.client.Do(req)
	if err != nil {
		return ociclient.Descriptor{}, nil, err
	}
	ok := false
	defer func() {
		if !ok {
			resp.Body.Close()
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ociclient.Descriptor{}, nil, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
	default:
		return ociclient.Descriptor{}, nil, parseErrorResponse(resp)
	}

	desc, err := generateDescriptor(resp, reference, http.MethodGet, s.maxMetadataBytes)
	if err != nil {
		return ociclient.Descriptor{}, nil, err
	}
	ok = true
	return desc, resp.Body, nil
}

// Push uploads content as the manifest/index identified by expected,
// addressed by its own digest (no tag).
func (s *ManifestStore) Push(ctx context.Context, expected ociclient.Descriptor, content io.Reader) error {
	_, err := s.push(ctx, expected, content, string(expected.Digest))
	return err
}

// PushReference uploads content and tags it with reference in the same
// PUT, as the distribution spec allows tag and digest references to name
// the same PUT target.
func (s *ManifestStore) PushReference(ctx context.Context, expected ociclient.Descriptor, content io.Reader, reference string) error {
	_, err := s.push(ctx, expected, content, reference)
	return err
}

// PushReferenceHeaders is like PushReference but also returns the PUT
// response headers, so a caller (Repository.Push) can inspect OCI-Subject
// to learn whether the registry maintained the referrers index itself.
func (s *ManifestStore) PushReferenceHeaders(ctx context.Context, expected ociclient.Descriptor, content io.Reader, reference string) (http.Header, error) {
	return s.push(ctx, expected, content, reference)
}

// Tag fetches desc's content and re-pushes it under reference, the
// standard way to retag an existing manifest without re-uploading bytes
// the caller doesn't already hold.
func (s *ManifestStore) Tag(ctx context.Context, desc ociclient.Descriptor, reference string) error {
	rc, err := s.Fetch(ctx, desc)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = s.push(ctx, desc, rc, reference)
	return err
}

func (s *ManifestStore) push(ctx context.Context, expected ociclient.Descriptor, content io.Reader, reference string) (http.Header, error) {
	// Manifest pushes are re-read if the underlying client has to retry
	// for a 401 challenge; buffer here since we can't assume content is
	// seekable the way auth.Client's rewind requires.
	var body io.Reader = content
	var getBody func() (io.ReadCloser, error)
	if _, seekable := content.(io.Seeker); !seekable {
		b, err := io.ReadAll(io.LimitReader(content, expected.Size+1))
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
		getBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b)), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, manifestURL(s.plainHTTP, s.ref, reference), body)
	if err != nil {
		return nil, err
	}
	if getBody != nil {
		req.GetBody = getBody
	}
	req.ContentLength = expected.Size
	req.Header.Set("Content-Type", expected.MediaType)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, parseErrorResponse(resp)
	}
	if err := verifyContentDigest(resp, string(expected.Digest)); err != nil {
		return nil, err
	}
	return resp.Header, nil
}

// Delete removes the manifest/index identified by target's digest.
func (s *ManifestStore) Delete(ctx context.Context, target ociclient.Descriptor) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, manifestURL(s.plainHTTP, s.ref, string(target.Digest)), nil)
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

// generateDescriptor builds a Descriptor from a manifest HEAD/GET
// response per the following truth table:
//
//	Docker-Content-Digest present            -> trust it
//	absent, HEAD, reference is a digest       -> trust the reference
//	absent, HEAD, reference is a tag          -> fail, no way to verify
//	absent, GET                               -> compute digest from body (bounded)
//
// and fails if a client-supplied digest reference disagrees with
// whichever digest was established above.
func generateDescriptor(resp *http.Response, reference, httpMethod string, maxMetadataBytes int64) (ociclient.Descriptor, error) {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return ociclient.Descriptor{}, fmt.Errorf("%s %q: invalid response Content-Type: %w", resp.Request.Method, resp.Request.URL, err)
	}
	if resp.ContentLength == -1 {
		return ociclient.Descriptor{}, fmt.Errorf("%s %q: unknown response Content-Length", resp.Request.Method, resp.Request.URL)
	}

	var refDigest godigest.Digest
	if err := ociclient.ValidateDigest(reference); err == nil {
		refDigest = godigest.Digest(reference)
	}

	var serverDigest godigest.Digest
	if raw := resp.Header.Get(dockerContentDigestHeader); raw != "" {
		d, err := godigest.Parse(raw)
		if err != nil {
			return ociclient.Descriptor{}, fmt.Errorf("%s %q: invalid %s header %q: %w",
				resp.Request.Method, resp.Request.URL, dockerContentDigestHeader, raw, err)
		}
		serverDigest = d
	}

	var contentDigest godigest.Digest
	switch {
	case serverDigest != "":
		contentDigest = serverDigest
	case httpMethod == http.MethodHead:
		if refDigest == "" {
			return ociclient.Descriptor{}, fmt.Errorf("HEAD %s: missing required header %s", resp.Request.URL, dockerContentDigestHeader)
		}
		contentDigest = refDigest
	default:
		calculated, err := calculateDigestFromResponse(resp, maxMetadataBytes)
		if err != nil {
			return ociclient.Descriptor{}, fmt.Errorf("calculating digest of response body: %w", err)
		}
		contentDigest = calculated
	}

	if refDigest != "" && refDigest != contentDigest {
		return ociclient.Descriptor{}, fmt.Errorf("%s %q: content digest %s disagrees with reference %s: %w",
			resp.Request.Method, resp.Request.URL, contentDigest, refDigest, errdef.ErrDigestMismatch)
	}

	return ociclient.Descriptor{
		MediaType: mediaType,
		Digest:    contentDigest,
		Size:      resp.ContentLength,
	}, nil
}

// calculateDigestFromResponse reads resp.Body (bounded to maxMetadataBytes)
// to compute its digest, then replaces resp.Body with a fresh reader over
// the buffered bytes so the caller can still consume the content.
func calculateDigestFromResponse(resp *http.Response, maxMetadataBytes int64) (godigest.Digest, error) {
	b, err := readAllLimited(resp.Body, maxMetadataBytes)
	if err != nil {
		return "", err
	}
	resp.Body = io.NopCloser(bytes.NewReader(b))
	return godigest.FromBytes(b), nil
}
