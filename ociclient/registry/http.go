package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
)

// Client is the interface the registry package needs from an HTTP
// transport: *auth.Client satisfies it, and so does *http.Client, so
// tests can point a Repository directly at an httptest server without
// going through the auth state machine.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}

const dockerContentDigestHeader = "Docker-Content-Digest"

// parseErrorResponse reads a distribution-spec error body off a non-2xx
// response and wraps it as *errdef.ResponseError.
func parseErrorResponse(resp *http.Response) error {
	defer resp.Body.Close()
	var body struct {
		Errors []errdef.ErrorInfo `json:"errors"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(b, &body)
	return &errdef.ResponseError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Errors:     body.Errors,
	}
}

// verifyContentDigest checks the Docker-Content-Digest response header,
// if present, against expected. A missing header is not an error here;
// callers that require the header check for it themselves (manifest HEAD
// on a tag reference, see manifeststore.go).
func verifyContentDigest(resp *http.Response, expected string) error {
	got := resp.Header.Get(dockerContentDigestHeader)
	if got == "" {
		return nil
	}
	if !ociclient.DigestsEqual(got, expected) {
		return fmt.Errorf("%w: %s %q: %s: %s vs expected %s",
			errdef.ErrDigestMismatch, resp.Request.Method, resp.Request.URL, dockerContentDigestHeader, got, expected)
	}
	return nil
}

// readAllLimited reads body fully, failing with ErrSizeLimitExceeded if
// more than maxBytes were available (detected by requesting one extra
// byte beyond the limit).
func readAllLimited(body io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 4 << 20
	}
	lr := io.LimitReader(body, maxBytes+1)
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxBytes {
		return nil, errdef.ErrSizeLimitExceeded
	}
	return b, nil
}
