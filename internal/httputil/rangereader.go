package httputil

import (
	"fmt"
	"io"
	"net/http"
)

// Doer is the minimal HTTP client interface RangeReadSeekCloser needs.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// RangeReadSeekCloser wraps a blob GET response whose server advertised
// Accept-Ranges: bytes. Read proceeds through the already-open body;
// Seek closes the current body and reissues the request with a
// "Range: bytes=<offset>-" header, re-homing subsequent reads there.
// Non-range servers instead get a plain, non-seekable io.ReadCloser (the
// original response body) from the caller.
type RangeReadSeekCloser struct {
	client   Doer
	template *http.Request
	size     int64

	body   io.ReadCloser
	offset int64
}

// NewRangeReadSeekCloser wraps body (the response to template) as a
// seekable stream of size total bytes, fetching further ranges through
// client as needed.
func NewRangeReadSeekCloser(client Doer, template *http.Request, body io.ReadCloser, size int64) *RangeReadSeekCloser {
	return &RangeReadSeekCloser{client: client, template: template, size: size, body: body}
}

func (r *RangeReadSeekCloser) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	r.offset += int64(n)
	return n, err
}

func (r *RangeReadSeekCloser) Close() error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}

// Seek supports io.SeekStart and io.SeekCurrent/io.SeekEnd relative to
// the known size; a seek to a new offset reissues the GET with the
// resolved offset, and a seek to the current offset returns without a
// request.
func (r *RangeReadSeekCloser) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.offset + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if target < 0 || target > r.size {
		return 0, fmt.Errorf("seek out of range: %d (size %d)", target, r.size)
	}
	if target == r.offset {
		return target, nil
	}

	if r.body != nil {
		r.body.Close()
	}

	req := r.template.Clone(r.template.Context())
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-", target))
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return 0, fmt.Errorf("range request returned status %d", resp.StatusCode)
	}
	r.body = resp.Body
	r.offset = target
	return target, nil
}
