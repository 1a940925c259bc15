// Package objectstore implements adapters.ObjectStore against S3-compatible
// blob storage (spec §4.2), used by the SnapshotEngine for manifests and
// content-addressed blobs.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is an adapters.ObjectStore backed by a single bucket.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	presigner  *s3.PresignClient
	bucket     string
}

// NewS3Store loads the default AWS config (environment/instance-profile
// credentials, same as the rest of the orchestrator's AWS clients) and
// wires an uploader/downloader pair sized for parallel multipart transfer
// of large workspace snapshots.
func NewS3Store(ctx context.Context, bucket string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	return &S3Store{
		client: client,
		uploader: manager.NewUploader(client),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			// fakeWriterAt below writes sequentially to an io.Writer, so
			// concurrent range GETs into it would interleave and corrupt
			// the stream; force single-part sequential download.
			d.Concurrency = 1
		}),
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
	}, nil
}

// Put uploads r to key, using multipart concurrency for large blobs.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Get downloads key into w.
func (s *S3Store) Get(ctx context.Context, key string, w io.Writer) error {
	_, err := s.downloader.Download(ctx, fakeWriterAt{w}, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("objectstore: get %s: %w", key, err)
	}
	return nil
}

// List returns every key under prefix, paging through truncated listings.
func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var continuationToken *string

	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %s: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			keys = append(keys, *obj.Key)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return keys, nil
}

// Delete removes a single key. Deleting a key that does not exist is not an
// error, matching S3 semantics.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present via a HEAD request.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		// The SDK reports a missing object as a generic API error rather
		// than a typed not-found in all cases; treat any HeadObject
		// failure here as non-existence rather than trying to match
		// error strings.
		return false, nil
	}
	return true, nil
}

// SignedURL returns a presigned GET URL valid for ttl.
func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("objectstore: sign %s: %w", key, err)
	}
	return req.URL, nil
}

// fakeWriterAt adapts an io.Writer to manager.Downloader's io.WriterAt
// requirement for sequential, single-threaded download. It ignores the
// WriteAt offset, which is only correct because NewS3Store sets the
// downloader's Concurrency to 1, so parts arrive in order.
type fakeWriterAt struct {
	w io.Writer
}

func (fw fakeWriterAt) WriteAt(p []byte, offset int64) (int, error) {
	return fw.w.Write(p)
}
