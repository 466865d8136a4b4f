package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/signaltrader/internal/domain"
)

// archiveExt is the suffix of every monthly file the Archiver writes.
const archiveExt = ".jsonl"

// Reader serves the monthly archive files (archive/<kind>/YYYY-MM.jsonl) to
// the archive API.
type Reader struct {
	client *s3.Client
	bucket string
}

func NewReader(c *Client) *Reader {
	return &Reader{client: c.S3(), bucket: c.Bucket()}
}

// Get opens one archive file for streaming. The caller closes the body. A
// missing month maps to domain.ErrNotFound so the API answers 404.
func (r *Reader) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		return out.Body, nil
	case objectMissing(err):
		return nil, fmt.Errorf("s3blob: archive %s: %w", key, domain.ErrNotFound)
	default:
		return nil, fmt.Errorf("s3blob: archive %s: %w", key, err)
	}
}

// List returns the archive files under prefix. Folder placeholders and
// anything that is not a JSONL file are left out.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	pages := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})
	var files []domain.BlobInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list archive %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if info, ok := archiveFile(obj); ok {
				files = append(files, info)
			}
		}
	}
	return files, nil
}

func archiveFile(obj types.Object) (domain.BlobInfo, bool) {
	key := aws.ToString(obj.Key)
	if !strings.HasSuffix(key, archiveExt) {
		return domain.BlobInfo{}, false
	}
	info := domain.BlobInfo{Path: key, Size: aws.ToInt64(obj.Size)}
	if obj.LastModified != nil {
		info.LastModified = obj.LastModified.UTC()
	}
	return info, true
}

type statusCoder interface {
	HTTPStatusCode() int
}

// objectMissing matches NoSuchKey, NotFound and the bare 404 some
// S3-compatible stores send instead.
func objectMissing(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	var sc statusCoder
	return errors.As(err, &noKey) ||
		errors.As(err, &notFound) ||
		(errors.As(err, &sc) && sc.HTTPStatusCode() == http.StatusNotFound)
}

var _ domain.BlobReader = (*Reader)(nil)
