package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	generationMarker = ".generation"
	entriesDir       = "entries/"
	deleteBatchSize  = 1000
)

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Backend stores generations under key prefixes of one bucket.
//
// Layout:
//
//	<prefix>/<generation>/.generation         creation timestamp
//	<prefix>/<generation>/entries/<key64>     encoded snapshot
//
// Entry object names are the base64url form of the request key. Unlike the
// other backends, a Set racing a Drop may leave an orphaned entry object
// behind; it is invisible to Names and removed by the next Drop.
type S3Backend struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Backend creates an S3 backend. An empty prefix selects
// DefaultRedisPrefix so both shared backends namespace alike.
func NewS3Backend(client S3API, bucket, prefix string) *S3Backend {
	if client == nil {
		panic("s3 client cannot be nil")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Backend) Name() string { return "s3" }

func (s *S3Backend) generationPrefix(cache string) string {
	return s.prefix + "/" + url.PathEscape(cache) + "/"
}

func (s *S3Backend) markerKey(cache string) string {
	return s.generationPrefix(cache) + generationMarker
}

func (s *S3Backend) entryKey(cache, key string) string {
	return s.generationPrefix(cache) + entriesDir + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *S3Backend) Create(ctx context.Context, cache string) (bool, error) {
	ok, err := s.Exists(ctx, cache)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	created := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.markerKey(cache)),
		Body:        strings.NewReader(created),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return false, fmt.Errorf("s3 put marker: %w", err)
	}
	return true, nil
}

func (s *S3Backend) Exists(ctx context.Context, cache string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.markerKey(cache)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head marker: %w", err)
	}
	return true, nil
}

func (s *S3Backend) Names(ctx context.Context) ([]string, error) {
	type generation struct {
		name    string
		created time.Time
	}
	var found []generation

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix + "/"),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list generations: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			escaped := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix+"/"), "/")
			name, err := url.PathUnescape(escaped)
			if err != nil {
				continue
			}
			created, ok, err := s.createdAt(ctx, name)
			if err != nil {
				return nil, err
			}
			if !ok {
				// orphaned entries without a marker
				continue
			}
			found = append(found, generation{name: name, created: created})
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return found[i].created.Before(found[j].created)
	})
	names := make([]string, len(found))
	for i, g := range found {
		names[i] = g.name
	}
	return names, nil
}

func (s *S3Backend) createdAt(ctx context.Context, cache string) (time.Time, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.markerKey(cache)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("s3 get marker: %w", err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("s3 read marker: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(raw)))
	if err != nil {
		// unreadable timestamps sort first
		return time.Time{}, true, nil
	}
	return created, true, nil
}

func (s *S3Backend) Drop(ctx context.Context, cache string) (bool, error) {
	existed, err := s.Exists(ctx, cache)
	if err != nil {
		return false, err
	}

	// marker first, so the generation disappears from Names before its entries go
	if existed {
		if err := s.deleteKeys(ctx, []string{s.markerKey(cache)}); err != nil {
			return false, err
		}
	}

	keys, err := s.listKeys(ctx, s.generationPrefix(cache))
	if err != nil {
		return existed, err
	}
	for start := 0; start < len(keys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(keys))
		if err := s.deleteKeys(ctx, keys[start:end]); err != nil {
			return existed, err
		}
	}
	return existed, nil
}

func (s *S3Backend) deleteKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, len(keys))
	for i, k := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
	}
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("s3 delete objects: %w", err)
	}
	if out != nil && len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("s3 delete objects: %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
	}
	return nil
}

func (s *S3Backend) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Backend) Get(ctx context.Context, cache, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.entryKey(cache, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read: %w", err)
	}
	return data, nil
}

func (s *S3Backend) Set(ctx context.Context, cache, key string, data []byte) error {
	ok, err := s.Exists(ctx, cache)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.entryKey(cache, key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put: %w", err)
	}
	return nil
}

func (s *S3Backend) Keys(ctx context.Context, cache string) ([]string, error) {
	ok, err := s.Exists(ctx, cache)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	dir := s.generationPrefix(cache) + entriesDir
	objects, err := s.listKeys(ctx, dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(obj, dir))
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	sort.Strings(keys)
	return keys, nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
