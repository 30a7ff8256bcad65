package raster

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// buckets, used in tests and local setups
	_ "gocloud.dev/blob/s3blob"   // s3:// buckets
	"gocloud.dev/gcerrors"
)

// BlobSource satisfies Source for objects in cloud buckets (S3 and friends)
// using gocloud.dev/blob range readers. Credentials come from the provider's
// default chain; this package never manages them itself.
type BlobSource struct {
	// ctx carries the opening context's values but none of its
	// cancellation: handles are cached across requests, and range reads
	// must not fail because the request that first opened the dataset has
	// long since finished.
	ctx    context.Context
	bucket *blob.Bucket
	key    string
	size   int64
	owned  bool // whether Close should also close the bucket
}

// openBlobSource opens the object named by a bucket URI such as
// s3://bucket/path/to/cog.tif. The bucket handle is owned by the returned
// source and closed with it.
func openBlobSource(ctx context.Context, u *url.URL) (*BlobSource, error) {
	bucket, err := blob.OpenBucket(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bucket %s: %v", ErrSourceUnavailable, u.Host, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	src, err := NewBlobSource(ctx, bucket, key)
	if err != nil {
		bucket.Close()
		return nil, err
	}
	src.owned = true
	return src, nil
}

// NewBlobSource creates a source for a single object in an already-open
// bucket. Only the object's attributes are fetched here; pixel data moves on
// ReadAt. Reads detach from ctx's cancellation, keeping only its values.
func NewBlobSource(ctx context.Context, bucket *blob.Bucket, key string) (*BlobSource, error) {
	attrs, err := bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get attributes for key %s: %v", ErrSourceUnavailable, key, err)
	}

	return &BlobSource{
		ctx:    context.WithoutCancel(ctx),
		bucket: bucket,
		key:    key,
		size:   attrs.Size,
	}, nil
}

// Size returns the object size in bytes.
func (r *BlobSource) Size() int64 { return r.size }

func (r *BlobSource) Close() error {
	if r.owned {
		return r.bucket.Close()
	}
	return nil
}

// ReadAt implements io.ReaderAt for concurrent, stateless range reads.
func (r *BlobSource) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("blob.ReadAt: invalid offset %d", off)
	}
	if off >= r.size {
		return 0, io.EOF
	}

	length := int64(len(p))
	if off+length > r.size {
		length = r.size - off
	}

	// gocloud.dev/blob uses offset and length (not end byte).
	reader, err := r.bucket.NewRangeReader(r.ctx, r.key, off, length, nil)
	if err != nil {
		return 0, classifyBlobErr(err)
	}
	defer reader.Close()

	n, err = io.ReadFull(reader, p[:length])
	if err != nil {
		return n, classifyBlobErr(err)
	}
	if length < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// classifyBlobErr marks provider-side and network failures as transient so
// the retry layer handles them; everything else surfaces as-is.
func classifyBlobErr(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.Internal, gcerrors.Unknown, gcerrors.ResourceExhausted, gcerrors.DeadlineExceeded, gcerrors.Canceled:
		return markTransient(err)
	}
	return err
}

// ListDatasets enumerates the raster objects under prefix in the bucket named
// by bucketURL (e.g. s3://my-bucket), returning full dataset URIs. Only
// GeoTIFF keys are reported.
func ListDatasets(ctx context.Context, bucketURL, prefix string) ([]string, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open bucket %s: %v", ErrSourceUnavailable, bucketURL, err)
	}
	defer bucket.Close()

	base := strings.TrimSuffix(bucketURL, "/")
	var uris []string
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: listing %s: %v", ErrSourceUnavailable, bucketURL, err)
		}
		key := strings.ToLower(obj.Key)
		if strings.HasSuffix(key, ".tif") || strings.HasSuffix(key, ".tiff") {
			uris = append(uris, base+"/"+obj.Key)
		}
	}
	return uris, nil
}
