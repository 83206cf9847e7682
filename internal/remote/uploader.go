package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"syncq/internal/job"
	logx "syncq/pkg/logx"
)

var ErrOutsideRoot = errors.New("remote: path escapes library root")

// FileUploader executes file upload jobs: it PUTs the bytes of
// <library_root>/<relativePath> to remoteUrlPath.
type FileUploader struct {
	c   *Client
	log logx.Logger
}

func NewFileUploader(c *Client) *FileUploader {
	return &FileUploader{c: c, log: c.log.With(logx.String("comp", "file_uploader"))}
}

func (u *FileUploader) Execute(ctx context.Context, d job.Descriptor) job.Result {
	rel := d.Params.String("relativePath")
	if rel == "" {
		rel = d.ID
	}
	dest := d.Params.String("remoteUrlPath")
	if dest == "" {
		u.log.Warn("missing remoteUrlPath", logx.String("id", d.ID))
		return job.Permanent
	}
	local, err := u.c.localPath(rel)
	if err != nil {
		u.log.Warn("rejecting upload", logx.String("id", d.ID), logx.Err(err))
		return job.Permanent
	}
	f, size, err := openRegular(local)
	if err != nil {
		u.log.Warn("open local file failed", logx.String("id", d.ID), logx.String("path", local), logx.Err(err))
		return classify(err)
	}
	defer f.Close()
	if _, err := u.c.do(ctx, http.MethodPut, dest, nil, filePayload(f, size), "application/octet-stream"); err != nil {
		u.log.Warn("file upload failed", logx.String("id", d.ID), logx.Int("attempt", d.Attempt()), logx.Err(err))
		return classify(err)
	}
	u.log.Info("file uploaded", logx.String("id", d.ID), logx.Int64("bytes", size))
	return job.Success
}

var errNotRegular = errors.New("remote: not a regular file")

func openRegular(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err == nil && !fi.Mode().IsRegular() {
		err = fmt.Errorf("%w: %s", errNotRegular, path)
	}
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// MetadataUploader executes metadata jobs: it POSTs the parameter bag as a
// JSON object to library/metadata.
type MetadataUploader struct {
	c    *Client
	path string
	log  logx.Logger
}

func NewMetadataUploader(c *Client) *MetadataUploader {
	return &MetadataUploader{c: c, path: "library/metadata", log: c.log.With(logx.String("comp", "metadata_uploader"))}
}

func (u *MetadataUploader) Execute(ctx context.Context, d job.Descriptor) job.Result {
	body, err := json.Marshal(d.Params)
	if err != nil {
		u.log.Warn("encode metadata failed", logx.String("id", d.ID), logx.Err(err))
		return job.Permanent
	}
	if _, err := u.c.do(ctx, http.MethodPost, u.path, nil, bytesPayload(body), "application/json"); err != nil {
		u.log.Warn("metadata upload failed", logx.String("id", d.ID), logx.Int("attempt", d.Attempt()), logx.Err(err))
		return classify(err)
	}
	u.log.Info("metadata uploaded", logx.String("id", d.ID))
	return job.Success
}

func classify(err error) job.Result {
	if Retryable(err) {
		return job.Transient
	}
	return job.Permanent
}

// localPath resolves rel under the library root without leaving it.
func (c *Client) localPath(rel string) (string, error) {
	if c.root == "" {
		return "", fmt.Errorf("%w: library_root is not configured", ErrOutsideRoot)
	}
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	full := filepath.Join(c.root, clean)
	root := filepath.Clean(c.root)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return full, nil
}
