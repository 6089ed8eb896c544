package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ocidist/ocidist/ociclient"
)

// CopySource is what CopyEngine needs to read a manifest closure from: a
// way to resolve a tag or digest to its descriptor, and a way to fetch
// any descriptor's content.
type CopySource interface {
	Resolve(ctx context.Context, reference string) (ociclient.Descriptor, error)
	Fetch(ctx context.Context, target ociclient.Descriptor) (io.ReadCloser, error)
}

// CopyDestination is what CopyEngine needs to write a manifest closure
// to: existence checks (so unchanged blobs aren't re-uploaded), push,
// and a final tag of the root descriptor.
type CopyDestination interface {
	Exists(ctx context.Context, target ociclient.Descriptor) (bool, error)
	Push(ctx context.Context, expected ociclient.Descriptor, content io.Reader) error
	Tag(ctx context.Context, desc ociclient.Descriptor, reference string) error
}

// Tag fetches desc's content from the repository's own manifest store
// and re-pushes it under reference, letting Repository satisfy
// CopyDestination directly.
func (r *Repository) Tag(ctx context.Context, desc ociclient.Descriptor, reference string) error {
	return r.Manifests().Tag(ctx, desc, reference)
}

// CopyEngine walks a manifest's transitive blob closure from a source to
// a destination, post-order: every child is present at the destination
// before its parent is pushed. Already-present content (per
// Destination.Exists) is not re-fetched or re-pushed. A failed node
// aborts the copy; descendants already pushed are left in place, there
// is no rollback.
type CopyEngine struct {
	Source      CopySource
	Destination CopyDestination
}

// NewCopyEngine builds a CopyEngine moving content from src to dst.
func NewCopyEngine(src CopySource, dst CopyDestination) *CopyEngine {
	return &CopyEngine{Source: src, Destination: dst}
}

// Copy resolves srcRef against the source, copies its full closure, and
// tags the root descriptor as dstRef at the destination.
func (c *CopyEngine) Copy(ctx context.Context, srcRef, dstRef string) (ociclient.Descriptor, error) {
	root, err := c.Source.Resolve(ctx, srcRef)
	if err != nil {
		return ociclient.Descriptor{}, fmt.Errorf("resolving %s: %w", srcRef, err)
	}

	seen := make(map[string]struct{})
	if err := c.copyNode(ctx, root, seen); err != nil {
		return ociclient.Descriptor{}, err
	}
	if err := c.Destination.Tag(ctx, root, dstRef); err != nil {
		return ociclient.Descriptor{}, fmt.Errorf("tagging %s: %w", dstRef, err)
	}
	return root, nil
}

// copyNode copies target and everything it transitively references,
// post-order: children are copied (and verified present) before target
// itself is pushed. seen breaks cycles by digest; a digest already
// visited in this call is treated as already satisfied, matching the
// DAG model of digest addressing (a true cycle would imply two distinct
// contents sharing a digest, which cannot happen).
func (c *CopyEngine) copyNode(ctx context.Context, target ociclient.Descriptor, seen map[string]struct{}) error {
	key := string(target.Digest)
	if _, ok := seen[key]; ok {
		return nil
	}
	seen[key] = struct{}{}

	exists, err := c.Destination.Exists(ctx, target)
	if err != nil {
		return fmt.Errorf("checking existence of %s: %w", target.Digest, err)
	}
	if exists {
		return nil
	}

	if !ociclient.IsManifestMediaType(target.MediaType) {
		rc, err := c.Source.Fetch(ctx, target)
		if err != nil {
			return fmt.Errorf("fetching blob %s: %w", target.Digest, err)
		}
		defer rc.Close()
		if err := c.Destination.Push(ctx, target, rc); err != nil {
			return fmt.Errorf("pushing blob %s: %w", target.Digest, err)
		}
		return nil
	}

	rc, err := c.Source.Fetch(ctx, target)
	if err != nil {
		return fmt.Errorf("fetching manifest %s: %w", target.Digest, err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", target.Digest, err)
	}

	children, err := manifestChildren(target.MediaType, body)
	if err != nil {
		return fmt.Errorf("parsing manifest %s: %w", target.Digest, err)
	}
	for _, child := range children {
		if ociclient.IsEmptyDescriptor(child) {
			continue
		}
		if err := c.copyNode(ctx, child, seen); err != nil {
			return err
		}
	}

	if err := c.Destination.Push(ctx, target, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("pushing manifest %s: %w", target.Digest, err)
	}
	return nil
}

// manifestChildren decodes a manifest or index body to find every
// descriptor it directly references: config and layers for an image
// manifest, the manifest list for an index, and the subject in either
// case. Both shapes are decoded with the same permissive struct since a
// single manifest body only ever populates the fields for its own kind.
func manifestChildren(mediaType string, body []byte) ([]ociclient.Descriptor, error) {
	var shape struct {
		Config    *ociclient.Descriptor  `json:"config,omitempty"`
		Layers    []ociclient.Descriptor `json:"layers,omitempty"`
		Manifests []ociclient.Descriptor `json:"manifests,omitempty"`
		Subject   *ociclient.Descriptor  `json:"subject,omitempty"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, err
	}

	var children []ociclient.Descriptor
	if shape.Config != nil {
		children = append(children, *shape.Config)
	}
	children = append(children, shape.Layers...)
	children = append(children, shape.Manifests...)
	if shape.Subject != nil {
		children = append(children, *shape.Subject)
	}
	return children, nil
}
