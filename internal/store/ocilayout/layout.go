// Package ocilayout implements a ContentStore backed by an OCI Image
// Layout directory (blobs/<alg>/<hex>, index.json), usable as either
// side of a registry.CopyEngine transfer. File access goes through
// rwfs.RWFS rather than calling os directly, so the store can be pointed
// at any filesystem abstraction that satisfies it.
package ocilayout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
	"github.com/ocidist/ocidist/internal/rwfs"
)

const (
	imageLayoutVersion = "1.0.0"
	refAnnotation      = "org.opencontainers.image.ref.name"
)

// Store is a ContentStore rooted at a single OCI Image Layout directory.
// It satisfies registry.CopySource and registry.CopyDestination, so a
// CopyEngine can pull from or push to local disk with no change to its
// own logic.
type Store struct {
	fs rwfs.RWFS

	mu sync.Mutex
}

// New opens (creating if necessary) an OCI Image Layout at dir.
func New(dir string) (*Store, error) {
	osfs, err := rwfs.NewOSFS(dir)
	if err != nil {
		return nil, err
	}
	s := &Store{fs: osfs}
	if err := s.ensureLayout(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureLayout() error {
	if _, err := rwfs.Stat(s.fs, "oci-layout"); err == nil {
		return nil
	}
	layout := struct {
		ImageLayoutVersion string `json:"imageLayoutVersion"`
	}{ImageLayoutVersion: imageLayoutVersion}
	b, err := json.Marshal(layout)
	if err != nil {
		return err
	}
	if err := rwfs.WriteFile(s.fs, "oci-layout", b, 0o644); err != nil {
		return err
	}
	if err := rwfs.MkdirAll(s.fs, "blobs/sha256", 0o777); err != nil {
		return err
	}
	return s.writeIndex(ociclient.Index{
		Versioned: specVersioned(),
		MediaType: ociclient.MediaTypeImageIndex,
	})
}

func blobPath(digest string) (string, error) {
	parts := strings.SplitN(digest, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: %s", errdef.ErrInvalidDigest, digest)
	}
	return "blobs/" + parts[0] + "/" + parts[1], nil
}

// Exists reports whether target's blob is present on disk.
func (s *Store) Exists(ctx context.Context, target ociclient.Descriptor) (bool, error) {
	p, err := blobPath(string(target.Digest))
	if err != nil {
		return false, err
	}
	_, err = rwfs.Stat(s.fs, p)
	if err == nil {
		return true, nil
	}
	if isNotExist(err) {
		return false, nil
	}
	return false, err
}

// Fetch opens target's blob for reading.
func (s *Store) Fetch(ctx context.Context, target ociclient.Descriptor) (io.ReadCloser, error) {
	p, err := blobPath(string(target.Digest))
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
		}
		return nil, err
	}
	return f, nil
}

// Push verifies content against expected's digest while streaming it to
// disk, rejecting a mismatch before the file is left in place.
func (s *Store) Push(ctx context.Context, expected ociclient.Descriptor, content io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := blobPath(string(expected.Digest))
	if err != nil {
		return err
	}
	if err := rwfs.MkdirAll(s.fs, "blobs/"+algoOf(string(expected.Digest)), 0o777); err != nil {
		return err
	}

	verifier := godigest.Digest(expected.Digest).Verifier()
	f, err := s.fs.Create(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.TeeReader(content, verifier)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !verifier.Verified() {
		_ = s.fs.Remove(p)
		return fmt.Errorf("%w: %s", errdef.ErrDigestMismatch, expected.Digest)
	}
	return nil
}

func algoOf(digest string) string {
	parts := strings.SplitN(digest, ":", 2)
	return parts[0]
}

// Tag records reference as an alias for desc in index.json, replacing
// any existing descriptor tagged with the same reference.
func (s *Store) Tag(ctx context.Context, desc ociclient.Descriptor, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	tagged := desc
	if tagged.Annotations == nil {
		tagged.Annotations = map[string]string{}
	} else {
		annotations := make(map[string]string, len(tagged.Annotations)+1)
		for k, v := range tagged.Annotations {
			annotations[k] = v
		}
		tagged.Annotations = annotations
	}
	tagged.Annotations[refAnnotation] = reference

	manifests := make([]ociclient.Descriptor, 0, len(idx.Manifests)+1)
	for _, m := range idx.Manifests {
		if m.Annotations[refAnnotation] == reference {
			continue
		}
		manifests = append(manifests, m)
	}
	manifests = append(manifests, tagged)
	idx.Manifests = manifests
	return s.writeIndex(idx)
}

// Resolve resolves a tag (via index.json) or a raw digest (via the blob
// store directly) to a descriptor.
func (s *Store) Resolve(ctx context.Context, reference string) (ociclient.Descriptor, error) {
	if err := ociclient.ValidateDigest(reference); err == nil {
		p, perr := blobPath(reference)
		if perr != nil {
			return ociclient.Descriptor{}, perr
		}
		fi, serr := rwfs.Stat(s.fs, p)
		if serr != nil {
			if isNotExist(serr) {
				return ociclient.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
			}
			return ociclient.Descriptor{}, serr
		}
		return ociclient.Descriptor{
			Digest: godigest.Digest(reference),
			Size:   fi.Size(),
		}, nil
	}

	idx, err := s.readIndex()
	if err != nil {
		return ociclient.Descriptor{}, err
	}
	for _, m := range idx.Manifests {
		if m.Annotations[refAnnotation] == reference {
			return m, nil
		}
	}
	return ociclient.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
}

func (s *Store) readIndex() (ociclient.Index, error) {
	b, err := rwfs.ReadFile(s.fs, "index.json")
	if err != nil {
		if isNotExist(err) {
			return ociclient.Index{Versioned: specVersioned(), MediaType: ociclient.MediaTypeImageIndex}, nil
		}
		return ociclient.Index{}, err
	}
	var idx ociclient.Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return ociclient.Index{}, fmt.Errorf("decoding index.json: %w", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(idx ociclient.Index) error {
	b, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return rwfs.WriteFile(s.fs, "index.json", b, 0o644)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func specVersioned() ociclient.Versioned {
	return ociclient.Versioned{SchemaVersion: 2}
}
