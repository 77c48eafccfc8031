package transfer

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/nektos/buildcache/pkg/common"
)

// UploadResult is the outcome for one path given to UploadAll.
type UploadResult struct {
	Path   string
	FileID string
	Err    error
}

// Dispatcher uploads many files over a bounded pool of workers sharing one queue.
type Dispatcher struct {
	client *Client
	limit  int
}

func NewDispatcher(client *Client, limit int) *Dispatcher {
	if limit < 1 {
		limit = 1
	}
	return &Dispatcher{client: client, limit: limit}
}

// UploadAll uploads every path to the file server, at most limit at a time. Results come back
// in completion order with one entry per path; the error joins every failed upload.
func (d *Dispatcher) UploadAll(ctx context.Context, paths []string, folder string) ([]UploadResult, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	results := make([]UploadResult, 0, len(paths))
	var failures []error

	executors := make([]common.Executor, 0, len(paths))
	for _, p := range paths {
		p := p
		executors = append(executors, func(ctx context.Context) error {
			resp, err := d.client.Upload(ctx, FileEndpoint, p, InitRequest{
				Name:   filepath.Base(p),
				Folder: folder,
			})
			r := UploadResult{Path: p, Err: err}
			if err == nil && resp.File != nil {
				r.FileID = resp.File.ID
			}

			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
			if err != nil {
				failures = append(failures, err)
				d.client.logger(ctx).Errorf("upload of %s failed: %v", p, err)
			} else {
				d.client.logger(ctx).Infof("uploaded %s as %s", p, r.FileID)
			}
			// per-file failures are collected, never propagated to stop siblings
			return nil
		})
	}

	workers := d.limit
	if len(paths) < workers {
		workers = len(paths)
	}
	if err := common.NewParallelExecutor(workers, executors...)(ctx); err != nil {
		failures = append(failures, err)
	}
	return results, errors.Join(failures...)
}
