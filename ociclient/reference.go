package ociclient

import (
	"fmt"
	"regexp"
	"strings"

	dockerreference "github.com/docker/distribution/reference"

	"github.com/ocidist/ocidist/ociclient/errdef"
)

// dockerIOAlias is the canonical host the Docker CLI resolves docker.io
// to. ParseReference performs the same substitution itself, since our
// grammar otherwise avoids docker/distribution's reference normalization.
const dockerIOAlias = "registry-1.docker.io"

// tagRegexp matches a valid tag per the distribution spec.
var tagRegexp = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// repositoryRegexp reuses docker/distribution's path-component grammar
// (lowercase alnum segments separated by '/', with '.', '_', '__', '-'
// separators inside a segment) rather than redefining it. NameRegexp is
// unanchored, so it is anchored here to match whole repositories only.
var repositoryRegexp = regexp.MustCompile(`^(?:` + dockerreference.NameRegexp.String() + `)$`)

// digestAlgoLengths gives the expected hex length for known digest
// algorithms; validateDigestString below checks against it, and
// ValidateDigest in digest.go calls that.
var digestAlgoLengths = map[string]int{
	"sha256": 64,
	"sha512": 128,
}

// Reference identifies a repository within a registry, optionally
// qualified by a tag and/or digest. It is immutable once constructed;
// WithReference returns a new value.
type Reference struct {
	Registry   string
	Repository string
	// contentReference is the raw tag, digest, or "tag@digest" fragment,
	// exactly as supplied. Empty means the reference names the
	// repository only.
	contentReference string
}

// ParseReference tokenises "registry/repo[:tag][@digest]".
//
// The registry is everything before the first '/'. The remainder is
// split at the first '@' (digest) and the last ':' before it (tag); "repo@digest:tag" is
// rejected; only "repo:tag@digest" (tag, then digest) is accepted, and
// either may be absent. "docker.io" is aliased to "registry-1.docker.io".
func ParseReference(s string) (Reference, error) {
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")

	slash := strings.IndexByte(s, '/')
	if slash <= 0 {
		return Reference{}, fmt.Errorf("%w %q: missing repository", errdef.ErrInvalidReference, s)
	}
	registry := s[:slash]
	rest := s[slash+1:]
	if registry == "docker.io" {
		registry = dockerIOAlias
	}
	if !isValidRegistry(registry) {
		return Reference{}, fmt.Errorf("%w %q: invalid registry %q", errdef.ErrInvalidReference, s, registry)
	}

	repository, contentRef, err := splitRepository(rest)
	if err != nil {
		return Reference{}, fmt.Errorf("%w %q: %s", errdef.ErrInvalidReference, s, err)
	}
	if repository == "" || !repositoryRegexp.MatchString(repository) {
		return Reference{}, fmt.Errorf("%w %q: invalid repository %q", errdef.ErrInvalidReference, s, repository)
	}

	ref := Reference{Registry: registry, Repository: repository, contentReference: contentRef}
	if err := ref.validateContentReference(); err != nil {
		return Reference{}, fmt.Errorf("%w %q: %s", errdef.ErrInvalidReference, s, err)
	}
	return ref, nil
}

// splitRepository splits "repo[:tag][@digest]" into repository and the
// raw content reference. A digest always starts at the first '@'; a tag,
// if present, must appear before it (at the last ':' that precedes the
// '@', not inside the digest's "algo:hex").
func splitRepository(rest string) (repository, contentRef string, err error) {
	at := strings.IndexByte(rest, '@')
	if at == -1 {
		// no digest: repo[:tag]
		if colon := strings.LastIndexByte(rest, ':'); colon != -1 && !strings.ContainsRune(rest[colon:], '/') {
			return rest[:colon], rest[colon+1:], nil
		}
		return rest, "", nil
	}
	digestPart := rest[at+1:]
	before := rest[:at]
	if colon := strings.LastIndexByte(before, ':'); colon != -1 && !strings.ContainsRune(before[colon:], '/') {
		repository = before[:colon]
		tag := before[colon+1:]
		return repository, tag + "@" + digestPart, nil
	}
	return before, digestPart, nil
}

func isValidRegistry(s string) bool {
	if s == "" {
		return false
	}
	// host[:port]; keep permissive, this is not the security boundary.
	for _, r := range s {
		if r == ' ' || r == '/' {
			return false
		}
	}
	return true
}

func (r Reference) validateContentReference() error {
	if r.contentReference == "" {
		return nil
	}
	if at := strings.IndexByte(r.contentReference, '@'); at != -1 {
		tag := r.contentReference[:at]
		dig := r.contentReference[at+1:]
		if tag != "" && !tagRegexp.MatchString(tag) {
			return fmt.Errorf("invalid tag %q", tag)
		}
		if err := validateDigestString(dig); err != nil {
			return err
		}
		return nil
	}
	if strings.ContainsRune(r.contentReference, ':') {
		// looks like a bare digest (algo:hex)
		return validateDigestString(r.contentReference)
	}
	if !tagRegexp.MatchString(r.contentReference) {
		return fmt.Errorf("invalid tag %q", r.contentReference)
	}
	return nil
}

func validateDigestString(d string) error {
	colon := strings.IndexByte(d, ':')
	if colon == -1 {
		return fmt.Errorf("invalid digest %q", d)
	}
	algo, hex := d[:colon], d[colon+1:]
	length, ok := digestAlgoLengths[algo]
	if !ok {
		return fmt.Errorf("unknown digest algorithm %q", algo)
	}
	if len(hex) != length || !isLowerHex(hex) {
		return fmt.Errorf("invalid digest %q", d)
	}
	return nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// HasTag reports whether the content reference names (or includes) a tag.
func (r Reference) HasTag() bool {
	tag, _ := r.splitTagDigest()
	return tag != ""
}

// HasDigest reports whether the content reference names (or includes) a
// digest.
func (r Reference) HasDigest() bool {
	_, dig := r.splitTagDigest()
	return dig != ""
}

func (r Reference) splitTagDigest() (tag, dig string) {
	cr := r.contentReference
	if cr == "" {
		return "", ""
	}
	at := strings.IndexByte(cr, '@')
	if at == -1 {
		if strings.ContainsRune(cr, ':') {
			// bare digest with no tag
			return "", cr
		}
		return cr, ""
	}
	return cr[:at], cr[at+1:]
}

// Tag returns the reference's tag. It fails if the content reference is a
// bare digest.
func (r Reference) Tag() (string, error) {
	tag, dig := r.splitTagDigest()
	if tag == "" {
		if dig != "" {
			return "", fmt.Errorf("%w: reference is a digest", errdef.ErrMissingTag)
		}
		return "", errdef.ErrMissingTag
	}
	return tag, nil
}

// Digest returns the reference's digest. It fails if the content
// reference is a bare tag.
func (r Reference) Digest() (string, error) {
	_, dig := r.splitTagDigest()
	if dig == "" {
		return "", errdef.ErrMissingDigest
	}
	return dig, nil
}

// ContentReference returns the raw tag/digest/"tag@digest" fragment, or
// "" if the reference names only a repository.
func (r Reference) ContentReference() string {
	return r.contentReference
}

// WithReference returns a copy of r with its content reference replaced.
// The replacement is validated as tag, digest, or "tag@digest".
func (r Reference) WithReference(contentReference string) (Reference, error) {
	nr := Reference{Registry: r.Registry, Repository: r.Repository, contentReference: contentReference}
	if err := nr.validateContentReference(); err != nil {
		return Reference{}, fmt.Errorf("%w: %s", errdef.ErrInvalidReference, err)
	}
	return nr, nil
}

// String reconstructs the canonical textual form of the reference.
func (r Reference) String() string {
	s := r.Registry + "/" + r.Repository
	if r.contentReference == "" {
		return s
	}
	tag, dig := r.splitTagDigest()
	if tag != "" {
		s += ":" + tag
	}
	if dig != "" {
		s += "@" + dig
	}
	return s
}
