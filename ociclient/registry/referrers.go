package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	godigest "github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
	"github.com/ocidist/ocidist/internal/httputil"
)

// ReferrersState records whether a repository's registry has been
// observed to support the native referrers API. It starts unknown and
// moves to one of the two terminal values at most once; see
// Repository.SetReferrersState.
type ReferrersState int32

const (
	ReferrersStateUnknown ReferrersState = iota
	ReferrersStateSupported
	ReferrersStateNotSupported
)

func (s ReferrersState) String() string {
	switch s {
	case ReferrersStateSupported:
		return "supported"
	case ReferrersStateNotSupported:
		return "not-supported"
	default:
		return "unknown"
	}
}

// referrersStateBox holds an atomic ReferrersState plus the
// compare-and-swap logic that makes the unknown->terminal transition
// happen at most once, either by an explicit caller or by the first
// probe.
type referrersStateBox struct {
	v int32
}

func (b *referrersStateBox) get() ReferrersState {
	return ReferrersState(atomic.LoadInt32(&b.v))
}

// setExplicit forces the state, failing if it was already set to the
// opposite terminal value. Setting it to the value it already holds is a
// no-op success, so repeated discovery never errors.
func (b *referrersStateBox) setExplicit(state ReferrersState) error {
	for {
		cur := ReferrersState(atomic.LoadInt32(&b.v))
		if cur == state {
			return nil
		}
		if cur != ReferrersStateUnknown {
			return fmt.Errorf("%w: already %s, cannot set %s", errdef.ErrReferrersStateAlreadySet, cur, state)
		}
		if atomic.CompareAndSwapInt32(&b.v, int32(cur), int32(state)) {
			return nil
		}
	}
}

// observe records a state learned from a probe response. Unlike
// setExplicit it never errors: once the state is terminal, later probes
// (which should always agree) are silently dropped.
func (b *referrersStateBox) observe(state ReferrersState) {
	atomic.CompareAndSwapInt32(&b.v, int32(ReferrersStateUnknown), int32(state))
}

// Referrers lists the artifact manifests and indices whose subject field
// names subjectDigest, filtering by artifactType when non-empty. It
// tries the native /referrers/<digest> API first; on 404 or 400 it falls
// back to the deterministic "sha256-<hex>" tag scheme, per the
// distribution spec's referrers-tag-schema fallback.
func (r *Repository) Referrers(ctx context.Context, subjectDigest, artifactType string) ([]ociclient.Descriptor, error) {
	if err := ociclient.ValidateDigest(subjectDigest); err != nil {
		return nil, err
	}

	if r.referrersState.get() != ReferrersStateNotSupported {
		descs, ok, err := r.referrersViaAPI(ctx, subjectDigest, artifactType)
		if err != nil {
			return nil, err
		}
		if ok {
			r.referrersState.observe(ReferrersStateSupported)
			return descs, nil
		}
		r.referrersState.observe(ReferrersStateNotSupported)
	}
	return r.referrersViaTagSchema(ctx, subjectDigest, artifactType)
}

// referrersViaAPI calls the native endpoint. ok is false when the
// registry responds in a way that means "does not implement this API"
// (404 or 400), in which case the caller should fall back.
func (r *Repository) referrersViaAPI(ctx context.Context, subjectDigest, artifactType string) (descs []ociclient.Descriptor, ok bool, err error) {
	u := referrersURL(r.plainHTTP, r.ref, subjectDigest, artifactType, r.referrerListPageSize)
	var all []ociclient.Descriptor
	filterAppliedByServer := false

	for u != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, false, err
		}
		req.Header.Set("Accept", ociclient.MediaTypeImageIndex)
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, false, err
		}

		switch resp.StatusCode {
		case http.StatusNotFound, http.StatusBadRequest:
			resp.Body.Close()
			return nil, false, nil
		case http.StatusOK:
		default:
			e := parseErrorResponse(resp)
			return nil, false, e
		}

		if resp.Header.Get("Content-Type") != ociclient.MediaTypeImageIndex {
			resp.Body.Close()
			return nil, false, nil
		}

		b, err := readAllLimited(resp.Body, r.maxMetadataBytes)
		filtersHeader := resp.Header.Get("OCI-Filters-Applied")
		next, linkErr := httputil.ParseNextLink(resp)
		resp.Body.Close()
		if err != nil {
			return nil, false, err
		}

		var idx ociclient.Index
		if err := json.Unmarshal(b, &idx); err != nil {
			return nil, false, fmt.Errorf("parsing referrers index: %w", err)
		}
		if idx.Subject != nil && !ociclient.DigestsEqual(string(idx.Subject.Digest), subjectDigest) {
			return nil, false, fmt.Errorf("referrers index subject %s does not match requested %s", idx.Subject.Digest, subjectDigest)
		}
		if filtersHeader != "" {
			filterAppliedByServer = true
		}
		all = append(all, idx.Manifests...)

		if linkErr != nil {
			break
		}
		u = next
	}

	if artifactType != "" && !filterAppliedByServer {
		all = filterByArtifactType(all, artifactType)
	}
	return all, true, nil
}

// referrersViaTagSchema emulates the referrers API by fetching the index
// manifest stored under the deterministic fallback tag. A missing tag
// means no referrers exist yet, not an error.
func (r *Repository) referrersViaTagSchema(ctx context.Context, subjectDigest, artifactType string) ([]ociclient.Descriptor, error) {
	tag, err := referrersTag(subjectDigest)
	if err != nil {
		return nil, err
	}

	ms := r.Manifests()
	_, rc, err := ms.FetchReference(ctx, tag)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()

	b, err := readAllLimited(rc, r.maxMetadataBytes)
	if err != nil {
		return nil, err
	}
	var idx ociclient.Index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parsing fallback referrers index %s: %w", tag, err)
	}
	return filterByArtifactType(idx.Manifests, artifactType), nil
}

func filterByArtifactType(in []ociclient.Descriptor, artifactType string) []ociclient.Descriptor {
	if artifactType == "" {
		return in
	}
	out := make([]ociclient.Descriptor, 0, len(in))
	for _, d := range in {
		if d.ArtifactType == artifactType {
			out = append(out, d)
		}
	}
	return out
}

// SetReferrersState lets a caller declare up front that a registry is
// known to (not) support the native API, skipping the first probe. It
// fails if the repository already observed the opposite terminal state.
func (r *Repository) SetReferrersState(state ReferrersState) error {
	if state == ReferrersStateUnknown {
		return fmt.Errorf("cannot set referrers state to unknown")
	}
	return r.referrersState.setExplicit(state)
}

// ReferrersState reports the repository's current referrers-API
// discovery state.
func (r *Repository) ReferrersState() ReferrersState {
	return r.referrersState.get()
}

// addToReferrersIndex appends newEntry to the tag-schema fallback index
// for subjectDigest, used on Push when the registry is known (or
// discovered) not to support the native API.
func (r *Repository) addToReferrersIndex(ctx context.Context, subjectDigest string, newEntry ociclient.Descriptor) error {
	return r.updateReferrersIndex(ctx, subjectDigest, func(manifests []ociclient.Descriptor) ([]ociclient.Descriptor, bool) {
		for _, d := range manifests {
			if ociclient.DigestsEqual(string(d.Digest), string(newEntry.Digest)) {
				return manifests, false // already present, no-op
			}
		}
		return append(manifests, newEntry), true
	})
}

// removeFromReferrersIndex deletes the entry for target's digest from
// the tag-schema fallback index for subjectDigest, used on Delete of a
// manifest that carried a subject.
func (r *Repository) removeFromReferrersIndex(ctx context.Context, subjectDigest string, target ociclient.Descriptor) error {
	return r.updateReferrersIndex(ctx, subjectDigest, func(manifests []ociclient.Descriptor) ([]ociclient.Descriptor, bool) {
		out := make([]ociclient.Descriptor, 0, len(manifests))
		changed := false
		for _, d := range manifests {
			if ociclient.DigestsEqual(string(d.Digest), string(target.Digest)) {
				changed = true
				continue
			}
			out = append(out, d)
		}
		if !changed {
			return manifests, false // absent, no-op
		}
		return out, true
	})
}

// updateReferrersIndex performs the read-modify-write cycle described in
// the tag-schema reconciliation algorithm: pull the current index (or
// start from empty on 404), apply edit, and if it produced a change PUT
// the new index under the fallback tag and DELETE the superseded index
// manifest by the digest the preceding GET reported. There is no locking
// across this cycle beyond what the registry itself serializes;
// concurrent modifiers of the same subject race, and the last writer
// wins, matching the fallback scheme's documented best-effort nature.
func (r *Repository) updateReferrersIndex(ctx context.Context, subjectDigest string, edit func([]ociclient.Descriptor) ([]ociclient.Descriptor, bool)) error {
	tag, err := referrersTag(subjectDigest)
	if err != nil {
		return err
	}

	ms := r.Manifests()
	oldDesc, rc, err := ms.FetchReference(ctx, tag)
	var idx ociclient.Index
	var haveOld bool
	switch {
	case err == nil:
		defer rc.Close()
		b, rerr := readAllLimited(rc, r.maxMetadataBytes)
		if rerr != nil {
			return rerr
		}
		if jerr := json.Unmarshal(b, &idx); jerr != nil {
			return fmt.Errorf("parsing existing fallback referrers index %s: %w", tag, jerr)
		}
		haveOld = true
	case isNotFound(err):
		idx = ociclient.Index{MediaType: ociclient.MediaTypeImageIndex}
		idx.SchemaVersion = 2
	default:
		return err
	}

	idx.Manifests = discardEmptyDescriptors(idx.Manifests)
	updated, changed := edit(idx.Manifests)
	if !changed {
		return nil
	}
	idx.Manifests = updated

	b, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	desc := ociclient.Descriptor{
		MediaType: ociclient.MediaTypeImageIndex,
		Digest:    godigest.FromBytes(b),
		Size:      int64(len(b)),
	}
	if err := ms.PushReference(ctx, desc, bytes.NewReader(b), tag); err != nil {
		return err
	}
	if haveOld && !ociclient.DigestsEqual(string(oldDesc.Digest), string(desc.Digest)) {
		if derr := ms.Delete(ctx, oldDesc); derr != nil && !isNotFound(derr) {
			return fmt.Errorf("deleting superseded fallback referrers index %s: %w", oldDesc.Digest, derr)
		}
	}
	return nil
}

func discardEmptyDescriptors(in []ociclient.Descriptor) []ociclient.Descriptor {
	out := make([]ociclient.Descriptor, 0, len(in))
	for _, d := range in {
		if !ociclient.IsEmptyDescriptor(d) {
			out = append(out, d)
		}
	}
	return out
}

// zeroDigest is the all-zero sha256 digest used by PingReferrers to
// probe the native API's support without naming any real subject.
var zeroDigest = "sha256:" + strings.Repeat("0", 64)

// PingReferrers pre-resolves the repository's ReferrersState by probing
// GET /v2/{repo}/referrers/<zeroDigest>, without requiring a real push or
// list call first.
func (r *Repository) PingReferrers(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, referrersURL(r.plainHTTP, r.ref, zeroDigest, "", 0), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", ociclient.MediaTypeImageIndex)
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK && resp.Header.Get("Content-Type") == ociclient.MediaTypeImageIndex:
		return r.referrersState.setExplicit(ReferrersStateSupported)
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound:
		return r.referrersState.setExplicit(ReferrersStateNotSupported)
	default:
		return parseErrorResponse(resp)
	}
}
