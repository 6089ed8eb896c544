package ocilayout

import (
	"context"
	"io"
	"strings"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
)

func TestStore_PushFetchExistsResolveTag(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	const content = "layer bytes"
	digest := ociclient.ComputeSHA256([]byte(content))
	desc := ociclient.Descriptor{MediaType: "application/vnd.oci.image.layer.v1.tar", Digest: godigest.Digest(digest), Size: int64(len(content))}

	exists, err := store.Exists(ctx, desc)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Push(ctx, desc, strings.NewReader(content)))

	exists, err = store.Exists(ctx, desc)
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := store.Fetch(ctx, desc)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, content, string(got))

	require.NoError(t, store.Tag(ctx, desc, "v1"))
	resolved, err := store.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, digest, string(resolved.Digest))

	byDigest, err := store.Resolve(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), byDigest.Size)
}

func TestStore_Push_RejectsDigestMismatch(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	wrongDigest := ociclient.ComputeSHA256([]byte("something else"))
	desc := ociclient.Descriptor{MediaType: ociclient.MediaTypeOctetStream, Digest: godigest.Digest(wrongDigest), Size: 5}

	err = store.Push(ctx, desc, strings.NewReader("hello"))
	assert.ErrorIs(t, err, errdef.ErrDigestMismatch)

	exists, err := store.Exists(ctx, desc)
	require.NoError(t, err)
	assert.False(t, exists, "a failed push must not leave a partial blob on disk")
}

func TestStore_Tag_ReplacesExistingReference(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	first := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: godigest.Digest(ociclient.ComputeSHA256([]byte("v1 manifest"))), Size: 11}
	second := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: godigest.Digest(ociclient.ComputeSHA256([]byte("v2 manifest"))), Size: 11}

	require.NoError(t, store.Push(ctx, first, strings.NewReader("v1 manifest")))
	require.NoError(t, store.Push(ctx, second, strings.NewReader("v2 manifest")))
	require.NoError(t, store.Tag(ctx, first, "latest"))
	require.NoError(t, store.Tag(ctx, second, "latest"))

	resolved, err := store.Resolve(ctx, "latest")
	require.NoError(t, err)
	assert.Equal(t, second.Digest, resolved.Digest)
}

func TestStore_Resolve_MissingReferenceIsNotFound(t *testing.T) {
	ctx := context.Background()
	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, errdef.ErrNotFound)
}

func TestNew_IsIdempotentOnExistingLayout(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir)
	require.NoError(t, err)

	store2, err := New(dir)
	require.NoError(t, err)

	desc := ociclient.Descriptor{MediaType: ociclient.MediaTypeOctetStream, Digest: godigest.Digest(ociclient.ComputeSHA256([]byte("x"))), Size: 1}
	require.NoError(t, store2.Push(context.Background(), desc, strings.NewReader("x")))
}
