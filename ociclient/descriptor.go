package ociclient

import (
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor is the wire shape used for blobs, manifests, and indices:
// {mediaType, digest, size, artifactType?, subject?, annotations?}. It is
// a type alias for the OCI image-spec descriptor so callers can pass
// ociclient values directly to other image-spec-aware code.
type Descriptor = ocispec.Descriptor

// Manifest and Index are the two JSON shapes ManifestStore exchanges
// with a registry; both may carry a Subject, which triggers referrers
// reconciliation on push.
type Manifest = ocispec.Manifest
type Index = ocispec.Index

// Versioned is the {schemaVersion} envelope every Manifest and Index
// embeds.
type Versioned = specs.Versioned

// Well-known media types exchanged with a v1.1 distribution-spec
// registry. Legacy Docker manifest types are accepted on read but never
// produced on write.
const (
	MediaTypeImageManifest         = ocispec.MediaTypeImageManifest
	MediaTypeImageIndex            = ocispec.MediaTypeImageIndex
	MediaTypeImageConfig           = ocispec.MediaTypeImageConfig
	MediaTypeDescriptor            = ocispec.MediaTypeDescriptor
	MediaTypeOCIEmpty              = ocispec.MediaTypeEmptyJSON
	MediaTypeDockerManifest        = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList    = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOctetStream           = "application/octet-stream"
)

// IsEmptyDescriptor reports whether d's MediaType, Digest, and Size are
// all zero-valued.
func IsEmptyDescriptor(d Descriptor) bool {
	return d.MediaType == "" && d.Digest == "" && d.Size == 0
}

// IsManifestMediaType reports whether mt identifies an image manifest or
// image index (as opposed to an opaque blob), used by Repository to
// dispatch to ManifestStore vs BlobStore.
func IsManifestMediaType(mt string) bool {
	switch mt {
	case MediaTypeImageManifest, MediaTypeImageIndex,
		MediaTypeDockerManifest, MediaTypeDockerManifestList:
		return true
	default:
		return false
	}
}
