// Package s3remote implements remote.Remote on an S3 bucket. Sessions are
// multipart uploads to a staging key; a commit completes the upload and
// copies the staged object to its destination.
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eargollo/camsync/internal/media"
	"github.com/eargollo/camsync/internal/remote"
)

const (
	// BlockSize is the multipart part size. S3 requires at least 5 MiB for
	// every part but the last.
	BlockSize = 8 << 20

	// HashMetadataKey holds the content hash on committed objects.
	HashMetadataKey = "content-hash"

	stagingPrefix = ".camsync/sessions/"

	// maxCopySize is the largest object a single CopyObject may copy.
	maxCopySize   = 5 << 30
	copyPartSize  = 512 << 20
	commitWorkers = 16
)

// API is the subset of the S3 client used here.
type API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ API = (*s3.Client)(nil)

// Config selects the bucket and endpoint.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

type session struct {
	key      string
	uploadID string
	size     int64

	mu        sync.Mutex
	parts     map[int32]string
	completed bool // staging object exists, upload id is spent
}

// Client is an S3-backed remote.
type Client struct {
	api    API
	bucket string

	// copy limits, overridable in tests
	maxCopy  int64
	copyPart int64

	mu       sync.Mutex
	sessions map[string]*session
}

var (
	_ remote.Remote  = (*Client)(nil)
	_ remote.Aborter = (*Client)(nil)
)

// New wraps an S3 API for bucket.
func New(api API, bucket string) *Client {
	return &Client{
		api:      api,
		bucket:   bucket,
		maxCopy:  maxCopySize,
		copyPart: copyPartSize,
		sessions: make(map[string]*session),
	}
}

// NewFromConfig loads AWS credentials from the default chain and connects
// to the configured bucket.
func NewFromConfig(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return New(client, cfg.Bucket), nil
}

func (c *Client) BlockSize() int64 { return BlockSize }

// StartSession creates a multipart upload on a fresh staging key. Empty
// files get no multipart upload and are written at commit.
func (c *Client) StartSession(ctx context.Context, size int64) (string, error) {
	id := uuid.NewString()
	s := &session{key: stagingPrefix + id, size: size, parts: make(map[int32]string)}
	if size > 0 {
		out, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(s.key),
		})
		if err != nil {
			return "", fmt.Errorf("create multipart upload: %w", classify(err))
		}
		s.uploadID = aws.ToString(out.UploadId)
	}
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	return id, nil
}

func (c *Client) session(id string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("s3: unknown session %q", id)
	}
	return s, nil
}

func (c *Client) drop(id string) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// singleAttempt disables the SDK retryer; the uploader retries parts itself.
func singleAttempt(o *s3.Options) { o.RetryMaxAttempts = 1 }

// Append uploads data as the part starting at offset.
func (c *Client) Append(ctx context.Context, sessionID string, offset int64, data []byte, _ bool) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	if s.size == 0 {
		return nil
	}
	if offset%BlockSize != 0 {
		return fmt.Errorf("s3: offset %d is not part aligned", offset)
	}
	part := int32(offset/BlockSize) + 1
	out, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(s.uploadID),
		PartNumber:    aws.Int32(part),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}, singleAttempt)
	if err != nil {
		return fmt.Errorf("upload part %d: %w", part, classify(err))
	}
	s.mu.Lock()
	s.parts[part] = aws.ToString(out.ETag)
	s.mu.Unlock()
	return nil
}

// FinishBatch commits every entry synchronously. The destination must not
// exist yet.
func (c *Client) FinishBatch(ctx context.Context, entries []remote.FinishArg) (remote.BatchLaunch, error) {
	results := make([]remote.EntryResult, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(commitWorkers)
	for i, e := range entries {
		g.Go(func() error {
			results[i] = c.commit(gctx, e)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return remote.BatchLaunch{}, err
	}
	return remote.BatchLaunch{Entries: results}, nil
}

// CheckBatch is never needed since FinishBatch is synchronous.
func (c *Client) CheckBatch(context.Context, string) (remote.BatchStatus, error) {
	return remote.BatchStatus{}, errors.New("s3: batch commits are synchronous")
}

func (c *Client) commit(ctx context.Context, e remote.FinishArg) remote.EntryResult {
	fail := func(err error) remote.EntryResult {
		return remote.EntryResult{Path: e.Path, Err: err}
	}
	s, err := c.session(e.SessionID)
	if err != nil {
		return fail(err)
	}
	if e.Offset != s.size {
		return fail(fmt.Errorf("s3: commit offset %d, session size %d", e.Offset, s.size))
	}
	dest := objectKey(e.Path)
	exists, err := c.exists(ctx, dest)
	if err != nil {
		return fail(err)
	}
	if exists {
		return fail(fmt.Errorf("s3: %s already exists", e.Path))
	}

	meta := map[string]string{HashMetadataKey: e.ContentHash}
	contentType := aws.String(media.ContentType(e.Path))

	if s.size == 0 {
		_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.bucket),
			Key:           aws.String(dest),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
			ContentType:   contentType,
			Metadata:      meta,
		})
		if err != nil {
			return fail(fmt.Errorf("put %s: %w", dest, classify(err)))
		}
		c.drop(e.SessionID)
		return remote.EntryResult{Path: e.Path, ContentHash: e.ContentHash}
	}

	if err := c.complete(ctx, s); err != nil {
		return fail(err)
	}
	if s.size <= c.maxCopy {
		_, err = c.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(c.bucket),
			Key:               aws.String(dest),
			CopySource:        aws.String(c.copySource(s.key)),
			MetadataDirective: types.MetadataDirectiveReplace,
			ContentType:       contentType,
			Metadata:          meta,
		})
		if err != nil {
			err = fmt.Errorf("copy to %s: %w", dest, classify(err))
		}
	} else {
		err = c.multipartCopy(ctx, s, dest, contentType, meta)
	}
	if err != nil {
		return fail(err)
	}

	if _, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s.key),
	}); err != nil {
		slog.Warn("delete staging object", "key", s.key, "error", err)
	}
	c.drop(e.SessionID)
	return remote.EntryResult{Path: e.Path, ContentHash: e.ContentHash}
}

func (c *Client) complete(ctx context.Context, s *session) error {
	s.mu.Lock()
	parts := make([]types.CompletedPart, 0, len(s.parts))
	for n, etag := range s.parts {
		parts = append(parts, types.CompletedPart{ETag: aws.String(etag), PartNumber: aws.Int32(n)})
	}
	s.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool { return *parts[i].PartNumber < *parts[j].PartNumber })

	want := int((s.size + BlockSize - 1) / BlockSize)
	if len(parts) != want {
		return fmt.Errorf("s3: session has %d of %d parts", len(parts), want)
	}
	_, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", classify(err))
	}
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	return nil
}

// multipartCopy copies objects too large for CopyObject in ranged parts.
func (c *Client) multipartCopy(ctx context.Context, s *session, dest string, contentType *string, meta map[string]string) (err error) {
	created, err := c.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(dest),
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("create multipart copy: %w", classify(err))
	}
	uploadID := created.UploadId
	defer func() {
		if err != nil {
			_, _ = c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket: aws.String(c.bucket), Key: aws.String(dest), UploadId: uploadID,
			})
		}
	}()

	var parts []types.CompletedPart
	for off, n := int64(0), int32(1); off < s.size; off, n = off+c.copyPart, n+1 {
		end := min(off+c.copyPart, s.size) - 1
		out, err := c.api.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(c.bucket),
			Key:             aws.String(dest),
			UploadId:        uploadID,
			PartNumber:      aws.Int32(n),
			CopySource:      aws.String(c.copySource(s.key)),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
		})
		if err != nil {
			return fmt.Errorf("copy part %d: %w", n, classify(err))
		}
		parts = append(parts, types.CompletedPart{ETag: out.CopyPartResult.ETag, PartNumber: aws.Int32(n)})
	}

	_, err = c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.bucket),
		Key:             aws.String(dest),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart copy: %w", classify(err))
	}
	return nil
}

// Abort discards the multipart upload behind a failed session, or the
// staging object if the upload was already completed.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	s, err := c.session(sessionID)
	if err != nil {
		return err
	}
	c.drop(sessionID)
	if s.uploadID == "" {
		return nil
	}
	s.mu.Lock()
	completed := s.completed
	s.mu.Unlock()
	if completed {
		_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(s.key),
		})
		if err != nil {
			return fmt.Errorf("delete staging object: %w", classify(err))
		}
		return nil
	}
	_, err = c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", classify(err))
	}
	return nil
}

// List calls fn for every object directly under dir. The content hash comes
// from the object metadata written at commit.
func (c *Client) List(ctx context.Context, dir string, fn func(remote.Entry) error) error {
	prefix := objectKey(dir)
	if prefix != "" {
		prefix += "/"
	}
	p := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list %q: %w", prefix, classify(err))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(c.bucket),
				Key:    aws.String(key),
			})
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("head %s: %w", key, classify(err))
			}
			err = fn(remote.Entry{
				Path:        "/" + key,
				Name:        path.Base(key),
				ContentHash: head.Metadata[HashMetadataKey],
				Size:        aws.ToInt64(obj.Size),
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, classify(err))
}

func (c *Client) copySource(key string) string {
	return c.bucket + "/" + url.PathEscape(key)
}

// objectKey maps a remote path such as "/Camera Uploads/x.JPG" to its key.
func objectKey(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return true
	}
	return false
}

// classify turns S3 HTTP failures into remote.APIError so callers can
// decide whether to retry.
func classify(err error) error {
	var status interface{ HTTPStatusCode() int }
	if !errors.As(err, &status) {
		return err
	}
	e := &remote.APIError{Status: status.HTTPStatusCode(), Message: err.Error()}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		e.Message = apiErr.ErrorMessage()
	}
	return e
}
