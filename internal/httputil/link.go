// Package httputil holds small HTTP-level helpers shared by the registry
// package: RFC 5988 Link header parsing and a seekable range-based blob
// reader.
package httputil

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoNextLink is returned by ParseNextLink when the response carries no
// rel="next" Link header, signalling the caller's pagination loop to
// stop.
var ErrNoNextLink = errors.New("no next link")

// ParseNextLink extracts the URL of the rel="next" Link header entry, if
// any. Link header values look like: <https://...>; rel="next".
func ParseNextLink(resp *http.Response) (string, error) {
	for _, h := range resp.Header.Values("Link") {
		for _, part := range strings.Split(h, ",") {
			u, rel, ok := parseLinkPart(part)
			if ok && rel == "next" {
				return u, nil
			}
		}
	}
	return "", ErrNoNextLink
}

func parseLinkPart(part string) (url string, rel string, ok bool) {
	part = strings.TrimSpace(part)
	lt := strings.IndexByte(part, '<')
	gt := strings.IndexByte(part, '>')
	if lt == -1 || gt == -1 || gt < lt {
		return "", "", false
	}
	url = part[lt+1 : gt]
	rest := part[gt+1:]
	for _, seg := range strings.Split(rest, ";") {
		seg = strings.TrimSpace(seg)
		if !strings.HasPrefix(seg, "rel=") {
			continue
		}
		v := strings.TrimPrefix(seg, "rel=")
		v = strings.Trim(v, `"`)
		return url, v, true
	}
	return url, "", true
}
