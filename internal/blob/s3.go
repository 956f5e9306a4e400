package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/keithlinneman/linnemanlabs-registry/internal/xerrors"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps blobs in an S3 bucket under
// {prefix}/{name}/{version}/{name}-{version}.zip.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

func NewS3Store(client S3API, bucket, prefix string) (*S3Store, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("s3 bucket is required")
	}
	return &S3Store{client: client, bucket: bucket, prefix: prefix}, nil
}

// Ping lists at most one key to confirm the bucket is reachable and
// readable, for readiness checks.
func (s *S3Store) Ping(ctx context.Context) error {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	}
	if s.prefix != "" {
		in.Prefix = aws.String(s.prefix + "/")
	}
	if _, err := s.client.ListObjectsV2(ctx, in); err != nil {
		return xerrors.Wrapf(err, "list s3://%s/%s", s.bucket, s.prefix)
	}
	return nil
}

func (s *S3Store) key(name, version string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s/%s/%s", s.prefix, name, version, ArchiveFilename(name, version))
	}
	return fmt.Sprintf("%s/%s/%s", name, version, ArchiveFilename(name, version))
}

// Store buffers the content and uploads it in a single conditional
// put. If-None-Match makes the write create-only so a racing or
// duplicate publish cannot clobber stored content. Archives are bounded
// by the upload size limit so buffering is acceptable here.
func (s *S3Store) Store(ctx context.Context, name, version string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, xerrors.Wrap(err, "read blob content")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name, version)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isS3PreconditionFailed(err) {
			return 0, ErrExists
		}
		return 0, xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, s.key(name, version))
	}
	return int64(len(data)), nil
}

func (s *S3Store) Open(ctx context.Context, name, version string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name, version)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, ErrNotExist
		}
		return nil, 0, xerrors.Wrapf(err, "get s3://%s/%s", s.bucket, s.key(name, version))
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

func (s *S3Store) Remove(ctx context.Context, name, version string) (bool, error) {
	// S3 deletes are idempotent and silent; check first so callers can
	// distinguish "deleted" from "was never there"
	exists, err := s.Exists(ctx, name, version)
	if err != nil || !exists {
		return false, err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name, version)),
	})
	if err != nil {
		return false, xerrors.Wrapf(err, "delete s3://%s/%s", s.bucket, s.key(name, version))
	}
	return true, nil
}

func (s *S3Store) Exists(ctx context.Context, name, version string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name, version)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, xerrors.Wrapf(err, "head s3://%s/%s", s.bucket, s.key(name, version))
	}
	return true, nil
}

// Walk visits every stored (name, version) key under the prefix, in
// key order.
func (s *S3Store) Walk(ctx context.Context, fn func(name, version string) error) error {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		in.Prefix = aws.String(s.prefix + "/")
	}
	for {
		out, err := s.client.ListObjectsV2(ctx, in)
		if err != nil {
			return xerrors.Wrapf(err, "list s3://%s/%s", s.bucket, s.prefix)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			key := strings.TrimPrefix(*obj.Key, s.prefix+"/")
			if s.prefix == "" {
				key = *obj.Key
			}
			parts := strings.Split(key, "/")
			if len(parts) != 3 {
				continue
			}
			if err := fn(parts[0], parts[1]); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

func isS3PreconditionFailed(err error) bool {
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "PreconditionFailed"
}
