// Package s3store implements a ContentStore backed by an S3 bucket,
// usable as a registry.CopyEngine destination: blobs and the content
// index live under a bucket/prefix, pushes dedup via conditional
// PutObject, and credentials come from the default AWS chain.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithymiddleware "github.com/aws/smithy-go/middleware"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	godigest "github.com/opencontainers/go-digest"

	"github.com/ocidist/ocidist/ociclient"
	"github.com/ocidist/ocidist/ociclient/errdef"
)

// Store is a ContentStore scoped to one bucket/prefix pair, one
// repository's worth of content. Blobs and manifests are both stored as
// plain objects keyed by digest; a small JSON index object tracks
// reference-to-digest tags the way ocilayout's index.json does.
type Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu sync.Mutex
}

// New builds a Store for bucket/prefix, resolving credentials and
// region through the standard AWS SDK default chain.
func New(ctx context.Context, bucket, prefix string, forcePathStyle bool) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = forcePathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *Store) blobKey(digest string) string {
	return s.prefix + "blobs/" + strings.Replace(digest, ":", "/", 1)
}

func (s *Store) indexKey() string {
	return s.prefix + "index.json"
}

// Exists reports whether target's object is present in the bucket.
func (s *Store) Exists(ctx context.Context, target ociclient.Descriptor) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(string(target.Digest))),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// Fetch downloads target's object.
func (s *Store) Fetch(ctx context.Context, target ociclient.Descriptor) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(string(target.Digest))),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", target.Digest, errdef.ErrNotFound)
		}
		return nil, err
	}
	return out.Body, nil
}

// Push uploads content under expected's digest key. A conditional PUT
// (If-None-Match: *) makes a concurrent push of the same digest benign:
// since content is addressed by digest, an existing object is assumed
// identical and the conflict is treated as success, the same dedup
// Push relies on.
func (s *Store) Push(ctx context.Context, expected ociclient.Descriptor, content io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.blobKey(string(expected.Digest))),
		Body:        content,
		IfNoneMatch: aws.String("*"),
	}
	if expected.Size > 0 {
		input.ContentLength = aws.Int64(expected.Size)
	}
	if expected.MediaType != "" {
		input.ContentType = aws.String(expected.MediaType)
	}

	_, err := s.client.PutObject(ctx, input,
		s3.WithAPIOptions(func(stack *smithymiddleware.Stack) error {
			return v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware(stack)
		}),
	)
	if err != nil {
		if isConditionalPutConflict(err) {
			return nil
		}
		return fmt.Errorf("putting %s to S3: %w", expected.Digest, err)
	}
	return nil
}

// Tag records reference as an alias for desc in the prefix's index.json.
func (s *Store) Tag(ctx context.Context, desc ociclient.Descriptor, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(ctx)
	if err != nil {
		return err
	}
	idx[reference] = desc
	return s.writeIndex(ctx, idx)
}

// Resolve resolves a tag (via index.json) or a raw digest (via a HEAD
// on the blob key) to a descriptor.
func (s *Store) Resolve(ctx context.Context, reference string) (ociclient.Descriptor, error) {
	if err := ociclient.ValidateDigest(reference); err == nil {
		out, herr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.blobKey(reference)),
		})
		if herr != nil {
			if isNotFound(herr) {
				return ociclient.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
			}
			return ociclient.Descriptor{}, herr
		}
		size := int64(0)
		if out.ContentLength != nil {
			size = *out.ContentLength
		}
		mediaType := ""
		if out.ContentType != nil {
			mediaType = *out.ContentType
		}
		return ociclient.Descriptor{
			MediaType: mediaType,
			Digest:    godigest.Digest(reference),
			Size:      size,
		}, nil
	}

	idx, err := s.readIndex(ctx)
	if err != nil {
		return ociclient.Descriptor{}, err
	}
	desc, ok := idx[reference]
	if !ok {
		return ociclient.Descriptor{}, fmt.Errorf("%s: %w", reference, errdef.ErrNotFound)
	}
	return desc, nil
}

func (s *Store) readIndex(ctx context.Context) (map[string]ociclient.Descriptor, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.indexKey()),
	})
	if err != nil {
		if isNotFound(err) {
			return map[string]ociclient.Descriptor{}, nil
		}
		return nil, err
	}
	defer out.Body.Close()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading index object: %w", err)
	}
	idx := map[string]ociclient.Descriptor{}
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("decoding index object: %w", err)
	}
	return idx, nil
}

func (s *Store) writeIndex(ctx context.Context, idx map[string]ociclient.Descriptor) error {
	b, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.indexKey()),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
	})
	return err
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}
	return false
}

func isConditionalPutConflict(err error) bool {
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusPreconditionFailed ||
			re.HTTPStatusCode() == http.StatusConflict
	}
	return false
}
