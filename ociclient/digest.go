package ociclient

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/ociclient/errdef"
)

// ComputeSHA256 returns "sha256:" followed by the lowercase hex digest of
// b, matching the wire form used throughout the distribution spec.
func ComputeSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ComputeSHA256Reader streams r through a sha256 digester, returning the
// same wire form as ComputeSHA256 without buffering the whole content.
func ComputeSHA256Reader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// ValidateDigest checks that d is "algo:hex" for a known algorithm with
// the correct hex length.
func ValidateDigest(d string) error {
	if err := validateDigestString(d); err != nil {
		return fmt.Errorf("%w: %s", errdef.ErrInvalidDigest, err)
	}
	return nil
}

// DigestsEqual compares two digest strings case-insensitively on the hex
// portion. Neither string is validated; if either has no ':', the two
// are compared exactly.
func DigestsEqual(a, b string) bool {
	ai := strings.IndexByte(a, ':')
	bi := strings.IndexByte(b, ':')
	if ai == -1 || bi == -1 {
		return a == b
	}
	return a[:ai] == b[:bi] && strings.EqualFold(a[ai+1:], b[bi+1:])
}

// ParseDigest validates d and adapts it to opencontainers/go-digest,
// whose Digest type backs the Descriptor.Digest field used across the
// registry package.
func ParseDigest(d string) (godigest.Digest, error) {
	if err := ValidateDigest(d); err != nil {
		return "", err
	}
	return godigest.Digest(d), nil
}
