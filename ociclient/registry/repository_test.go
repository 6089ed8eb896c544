package registry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/ocidist/ociclient"
)

func TestRepository_Push_PlainManifestHasNoSubjectEffect(t *testing.T) {
	const content = `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json"}`
	digest := ociclient.ComputeSHA256([]byte(content))

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/manifests/"+digest, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	desc := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: godigest.Digest(digest), Size: int64(len(content))}
	require.NoError(t, repo.Push(context.Background(), desc, strings.NewReader(content)))
	assert.Equal(t, ReferrersStateUnknown, repo.ReferrersState())
}

func TestRepository_Push_SubjectManifest_NativeSupportObservedFromHeader(t *testing.T) {
	subject := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: "sha256:" + fortyB, Size: 2}
	body, err := json.Marshal(struct {
		SchemaVersion int                  `json:"schemaVersion"`
		MediaType     string               `json:"mediaType"`
		Subject       ociclient.Descriptor `json:"subject"`
	}{2, ociclient.MediaTypeImageManifest, subject})
	require.NoError(t, err)
	digest := ociclient.ComputeSHA256(body)

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/manifests/"+digest, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("OCI-Subject", string(subject.Digest))
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	desc := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: godigest.Digest(digest), Size: int64(len(body))}
	require.NoError(t, repo.Push(context.Background(), desc, strings.NewReader(string(body))))
	assert.Equal(t, ReferrersStateSupported, repo.ReferrersState())
}

func TestRepository_Push_SubjectManifest_FallsBackToTagIndexWithoutHeader(t *testing.T) {
	subject := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: "sha256:" + fortyB, Size: 2}
	body, err := json.Marshal(struct {
		SchemaVersion int                  `json:"schemaVersion"`
		MediaType     string               `json:"mediaType"`
		Subject       ociclient.Descriptor `json:"subject"`
	}{2, ociclient.MediaTypeImageManifest, subject})
	require.NoError(t, err)
	digest := ociclient.ComputeSHA256(body)

	tag, err := referrersTag(string(subject.Digest))
	require.NoError(t, err)

	var pushedIndexBody []byte
	var indexDigest string

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/manifests/"+digest, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/v2/app/manifests/"+tag, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			b, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			pushedIndexBody = b
			indexDigest = ociclient.ComputeSHA256(b)
			w.Header().Set("Docker-Content-Digest", indexDigest)
			w.WriteHeader(http.StatusCreated)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	desc := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: godigest.Digest(digest), Size: int64(len(body))}
	require.NoError(t, repo.Push(context.Background(), desc, strings.NewReader(string(body))))
	assert.Equal(t, ReferrersStateNotSupported, repo.ReferrersState())

	var idx ociclient.Index
	require.NoError(t, json.Unmarshal(pushedIndexBody, &idx))
	require.Len(t, idx.Manifests, 1)
	assert.Equal(t, digest, string(idx.Manifests[0].Digest))
	assert.NotEmpty(t, indexDigest)
}

func TestRepository_Delete_ManifestWithSubject_RemovesFromReferrersIndex(t *testing.T) {
	subject := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: "sha256:" + fortyB, Size: 2}
	body, err := json.Marshal(struct {
		SchemaVersion int                  `json:"schemaVersion"`
		MediaType     string               `json:"mediaType"`
		Subject       ociclient.Descriptor `json:"subject"`
	}{2, ociclient.MediaTypeImageManifest, subject})
	require.NoError(t, err)
	digest := ociclient.ComputeSHA256(body)
	target := ociclient.Descriptor{MediaType: ociclient.MediaTypeImageManifest, Digest: godigest.Digest(digest), Size: int64(len(body))}

	tag, err := referrersTag(string(subject.Digest))
	require.NoError(t, err)

	existingIdx, err := json.Marshal(ociclient.Index{
		Versioned: ociclient.Versioned{SchemaVersion: 2},
		MediaType: ociclient.MediaTypeImageIndex,
		Manifests: []ociclient.Descriptor{target},
	})
	require.NoError(t, err)
	existingIdxDigest := ociclient.ComputeSHA256(existingIdx)

	deleted := false
	var newIdxDigest string

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/manifests/"+digest, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Docker-Content-Digest", digest)
			w.Header().Set("Content-Type", ociclient.MediaTypeImageManifest)
			_, _ = w.Write(body)
		case http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusAccepted)
		}
	})
	mux.HandleFunc("/v2/app/manifests/"+tag, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Docker-Content-Digest", existingIdxDigest)
			w.Header().Set("Content-Type", ociclient.MediaTypeImageIndex)
			_, _ = w.Write(existingIdx)
		case http.MethodPut:
			b, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			newIdxDigest = ociclient.ComputeSHA256(b)
			w.Header().Set("Docker-Content-Digest", newIdxDigest)
			w.WriteHeader(http.StatusCreated)

			var idx ociclient.Index
			require.NoError(t, json.Unmarshal(b, &idx))
			assert.Empty(t, idx.Manifests)
		}
	})
	mux.HandleFunc("/v2/app/manifests/"+existingIdxDigest, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	require.NoError(t, repo.Delete(context.Background(), target))
	assert.True(t, deleted)
	assert.NotEmpty(t, newIdxDigest)
}

func TestRepository_Resolve(t *testing.T) {
	const content = `{"schemaVersion":2}`
	digest := ociclient.ComputeSHA256([]byte(content))

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Content-Type", ociclient.MediaTypeImageManifest)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	desc, err := repo.Resolve(context.Background(), "latest")
	require.NoError(t, err)
	assert.Equal(t, digest, string(desc.Digest))
}

func TestRepository_Tags_PaginatesViaLink(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/v2/app/tags/list", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("last") == "" {
			w.Header().Set("Link", `<`+srv.URL+`/v2/app/tags/list?last=v1>; rel="next"`)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"tags":["v1"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tags":["v2"]}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	var all []string
	err := repo.Tags(context.Background(), "", func(tags []string) error {
		all = append(all, tags...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, all)
}

func TestRepository_Mount_NativeSucceedsWithoutFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	fallbackCalled := false
	err := repo.Mount(context.Background(), "sha256:"+fortyA, "source", func() (ociclient.Descriptor, io.ReadCloser, error) {
		fallbackCalled = true
		return ociclient.Descriptor{}, nil, nil
	})
	require.NoError(t, err)
	assert.False(t, fallbackCalled)
}

func TestRepository_Mount_AutoPullsFromSourceWithoutFallback(t *testing.T) {
	const content = "blob payload"
	digest := ociclient.ComputeSHA256([]byte(content))

	var sourceFetched bool
	var pushedDigest string
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/test2/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/test2/blobs/uploads/session1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/test/blobs/"+digest, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		sourceFetched = true
		w.Header().Set("Docker-Content-Digest", digest)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		_, _ = w.Write([]byte(content))
	})
	mux.HandleFunc("/v2/test2/blobs/uploads/session1", func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, content, string(b))
		pushedDigest = r.URL.Query().Get("digest")
		w.Header().Set("Docker-Content-Digest", pushedDigest)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "test2")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	require.NoError(t, repo.Mount(context.Background(), digest, "test", nil))
	assert.True(t, sourceFetched)
	assert.Equal(t, digest, pushedDigest)
}

func TestRepository_Mount_HardFailureDoesNotInvokeFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	fallbackCalled := false
	err := repo.Mount(context.Background(), "sha256:"+fortyA, "source", func() (ociclient.Descriptor, io.ReadCloser, error) {
		fallbackCalled = true
		return ociclient.Descriptor{}, nil, nil
	})
	require.Error(t, err)
	assert.False(t, fallbackCalled)
}

func TestRepository_Mount_FallsBackOnDeclinedMount(t *testing.T) {
	const content = "blob payload"
	digest := ociclient.ComputeSHA256([]byte(content))

	var pushedDigest string
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/app/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/app/blobs/uploads/session1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v2/app/blobs/uploads/session1", func(w http.ResponseWriter, r *http.Request) {
		d := r.URL.Query().Get("digest")
		pushedDigest = d
		w.Header().Set("Docker-Content-Digest", d)
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ref := testRef(t, srv.Listener.Addr().String(), "app")
	repo := NewRepository(http.DefaultClient, ref, WithPlainHTTP(true))

	desc := ociclient.Descriptor{MediaType: ociclient.MediaTypeOctetStream, Digest: godigest.Digest(digest), Size: int64(len(content))}
	fallbackCalled := false
	err := repo.Mount(context.Background(), digest, "source", func() (ociclient.Descriptor, io.ReadCloser, error) {
		fallbackCalled = true
		return desc, io.NopCloser(strings.NewReader(content)), nil
	})
	require.NoError(t, err)
	assert.True(t, fallbackCalled)
	assert.Equal(t, digest, pushedDigest)
}
