package transfer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"

	pkgerrors "github.com/pkg/errors"
)

// DownloadResult reports whether the server had the object and how much was written.
type DownloadResult struct {
	Hit          bool
	BytesWritten int64
}

// Download streams rawURL into dest. A 404 is a miss, not an error. Transport failures and
// 5xx, 408 and 429 responses are retried as a whole; dest is truncated on every attempt.
func (c *Client) Download(ctx context.Context, rawURL string, authorize func(http.Header), dest string) (DownloadResult, error) {
	var result DownloadResult
	err := c.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := c.download(ctx, rawURL, authorize, dest)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !retryableStatus(se.StatusCode) {
				return &permanentError{err}
			}
			if isRetryable(err) && attempt < c.retry.Attempts {
				c.logger(ctx).Warnf("download of %s failed (attempt %d/%d): %v", path.Base(dest), attempt, c.retry.Attempts, err)
			}
			return err
		}
		result = r
		return nil
	})
	var pe *permanentError
	if errors.As(err, &pe) {
		err = pe.err
	}
	return result, err
}

func (c *Client) download(ctx context.Context, rawURL string, authorize func(http.Header), dest string) (DownloadResult, error) {
	op := "download " + path.Base(dest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return DownloadResult{}, pkgerrors.Wrap(err, op)
	}
	if authorize != nil {
		authorize(req.Header)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return DownloadResult{}, pkgerrors.Wrap(err, op)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger(ctx).Debugf("%s: not found", redact(req.URL))
		return DownloadResult{Hit: false}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return DownloadResult{}, statusError(op, req.URL, resp)
	}

	f, err := os.Create(dest)
	if err != nil {
		return DownloadResult{}, &writeError{err}
	}

	progress := newThroughputLogger(c.logger(ctx), "downloaded", path.Base(dest), resp.ContentLength, c.now)
	pw := &progressWriter{w: f, progress: progress}
	_, err = io.Copy(pw, resp.Body)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = &writeError{cerr}
	}
	if err != nil {
		return DownloadResult{Hit: true, BytesWritten: pw.written}, pkgerrors.Wrap(err, op)
	}
	progress.add(0, true)
	return DownloadResult{Hit: true, BytesWritten: pw.written}, nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// DownloadArtifact fetches the stored file id from the file server.
func (c *Client) DownloadArtifact(ctx context.Context, id, dest string) (DownloadResult, error) {
	return c.Download(ctx, c.fileServer+"/bin/"+url.PathEscape(id), c.fileAuth, dest)
}

// DownloadCache fetches the archive stored under key from the cache server.
func (c *Client) DownloadCache(ctx context.Context, key, dest string) (DownloadResult, error) {
	return c.Download(ctx, c.cacheServer+"/cache/"+url.PathEscape(key), c.fileAuth, dest)
}

// ListCacheKeys returns the keys starting with prefix, newest first.
func (c *Client) ListCacheKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := c.retry.Do(ctx, func(ctx context.Context, _ int) error {
		keys = nil
		err := c.getJSON(ctx, "list "+prefix, c.cacheServer+"/cache?prefix="+url.QueryEscape(prefix), c.fileAuth, &keys)
		var se *StatusError
		if errors.As(err, &se) && !retryableStatus(se.StatusCode) {
			return &permanentError{err}
		}
		return err
	})
	var pe *permanentError
	if errors.As(err, &pe) {
		err = pe.err
	}
	return keys, err
}
