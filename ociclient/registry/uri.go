package registry

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ocidist/ocidist/ociclient"
)

// scheme returns "http" or "https" depending on plainHTTP.
func scheme(plainHTTP bool) string {
	if plainHTTP {
		return "http"
	}
	return "https"
}

func baseURL(plainHTTP bool, registryHost string) string {
	return fmt.Sprintf("%s://%s/v2", scheme(plainHTTP), registryHost)
}

func pingURL(plainHTTP bool, registryHost string) string {
	return baseURL(plainHTTP, registryHost) + "/"
}

func catalogURL(plainHTTP bool, registryHost string) string {
	return fmt.Sprintf("%s://%s/v2/_catalog", scheme(plainHTTP), registryHost)
}

func catalogPageURL(plainHTTP bool, registryHost string, pageSize int, last string) string {
	u := catalogURL(plainHTTP, registryHost)
	q := url.Values{}
	if pageSize > 0 {
		q.Set("n", strconv.Itoa(pageSize))
	}
	if last != "" {
		q.Set("last", last)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// repositoryReference builds a Reference naming only a registry and
// repository, no tag or digest, for Registry.Repository.
func repositoryReference(host, repo string) ociclient.Reference {
	ref, err := ociclient.ParseReference(host + "/" + repo)
	if err != nil {
		// host and repo are caller-controlled identifiers, not user
		// input off the wire; a malformed one is a programming error.
		panic(err)
	}
	return ref
}

func blobURL(plainHTTP bool, ref ociclient.Reference, digest string) string {
	return fmt.Sprintf("%s/%s/blobs/%s", baseURL(plainHTTP, ref.Registry), ref.Repository, digest)
}

func blobUploadURL(plainHTTP bool, ref ociclient.Reference) string {
	return fmt.Sprintf("%s/%s/blobs/uploads/", baseURL(plainHTTP, ref.Registry), ref.Repository)
}

func manifestURL(plainHTTP bool, ref ociclient.Reference, reference string) string {
	return fmt.Sprintf("%s/%s/manifests/%s", baseURL(plainHTTP, ref.Registry), ref.Repository, reference)
}

func tagListURL(plainHTTP bool, ref ociclient.Reference, pageSize int, last string) string {
	u := fmt.Sprintf("%s/%s/tags/list", baseURL(plainHTTP, ref.Registry), ref.Repository)
	q := url.Values{}
	if pageSize > 0 {
		q.Set("n", strconv.Itoa(pageSize))
	}
	if last != "" {
		q.Set("last", last)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func referrersURL(plainHTTP bool, ref ociclient.Reference, subjectDigest, artifactType string, pageSize int) string {
	u := fmt.Sprintf("%s/%s/referrers/%s", baseURL(plainHTTP, ref.Registry), ref.Repository, subjectDigest)
	q := url.Values{}
	if artifactType != "" {
		q.Set("artifactType", artifactType)
	}
	if pageSize > 0 {
		q.Set("n", strconv.Itoa(pageSize))
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func mountURL(plainHTTP bool, ref ociclient.Reference, digest, fromRepository string) string {
	u := blobUploadURL(plainHTTP, ref)
	q := url.Values{}
	q.Set("mount", digest)
	q.Set("from", fromRepository)
	return u + "?" + q.Encode()
}

// resolveUploadLocation resolves the Location header returned by the POST
// to the uploads endpoint (which may be relative or absolute, per the
// distribution spec) against the original request's URL, and appends the
// digest query parameter required to complete the monolithic PUT. A
// registry that echoes back a Location with its own port already set is
// left alone; we never second-guess its host, only its path.
func resolveUploadLocation(postReq *http.Request, location, digest string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parsing upload Location %q: %w", location, err)
	}
	resolved := postReq.URL.ResolveReference(loc)
	q := resolved.Query()
	q.Set("digest", digest)
	resolved.RawQuery = q.Encode()
	return resolved.String(), nil
}

// referrersTag is the deterministic fallback tag "sha256-<hex>" used to
// emulate the referrers API when a registry does not support it natively.
func referrersTag(subjectDigest string) (string, error) {
	colon := -1
	for i, c := range subjectDigest {
		if c == ':' {
			colon = i
			break
		}
	}
	if colon == -1 {
		return "", fmt.Errorf("invalid digest %q", subjectDigest)
	}
	return subjectDigest[:colon] + "-" + subjectDigest[colon+1:], nil
}
