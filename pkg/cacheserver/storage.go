package cacheserver

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
)

// Storage keeps two kinds of data below rootDir.
//
// Chunks of an open upload session live in tmp/<session>/<offset>, one file per chunk,
// named by its offset in fixed width hex. A retried chunk rewrites its own file, so
// duplicates never accumulate. Once a session is complete, Commit concatenates its chunks
// into a blob, <blob[:2]>/<blob>, and drops the session directory. Blob names are random
// and never reused, so replacing a cache entry writes a new blob and removes the old one
// instead of rewriting a file a concurrent download may be reading.
type Storage struct {
	rootDir string
}

func NewStorage(rootDir string) (*Storage, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}
	return &Storage{
		rootDir: rootDir,
	}, nil
}

// Exist reports whether blob is on disk. Metadata can outlive its blob after a manual cleanup.
func (s *Storage) Exist(blob string) (bool, error) {
	name := s.filename(blob)
	if _, err := os.Stat(name); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// Write stores one chunk and returns its length. A chunk written twice at the same offset replaces the first.
func (s *Storage) Write(session string, offset int64, reader io.Reader) (int64, error) {
	name := s.tempName(session, offset)
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return 0, err
	}
	file, err := os.Create(name)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	return io.Copy(file, reader)
}

// Commit concatenates the chunks of session into blob in offset order and removes the
// session directory whatever the outcome. A blob that does not add up to size is removed.
func (s *Storage) Commit(session, blob string, size int64) error {
	defer func() {
		_ = os.RemoveAll(s.tempDir(session))
	}()

	name := s.filename(blob)
	tempNames, err := s.tempNames(session)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	file, err := os.Create(name)
	if err != nil {
		return err
	}
	defer file.Close()

	var written int64
	for _, v := range tempNames {
		f, err := os.Open(v)
		if err != nil {
			return err
		}
		n, err := io.Copy(file, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		written += n
	}

	if written != size {
		_ = file.Close()
		_ = os.Remove(name)
		return fmt.Errorf("broken file: %v != %v", written, size)
	}
	return nil
}

// Serve streams blob, honoring Range and conditional request headers.
func (s *Storage) Serve(w http.ResponseWriter, r *http.Request, blob string) {
	http.ServeFile(w, r, s.filename(blob))
}

// Remove deletes a committed blob.
func (s *Storage) Remove(blob string) {
	_ = os.Remove(s.filename(blob))
}

// Discard drops the chunks of an abandoned session.
func (s *Storage) Discard(session string) {
	_ = os.RemoveAll(s.tempDir(session))
}

func (s *Storage) filename(blob string) string {
	return filepath.Join(s.rootDir, blob[:2], blob)
}

func (s *Storage) tempDir(session string) string {
	return filepath.Join(s.rootDir, "tmp", session)
}

func (s *Storage) tempName(session string, offset int64) string {
	return filepath.Join(s.tempDir(session), fmt.Sprintf("%016x", offset))
}

func (s *Storage) tempNames(session string) ([]string, error) {
	dir := s.tempDir(session)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, v := range files {
		if !v.IsDir() {
			names = append(names, filepath.Join(dir, v.Name()))
		}
	}
	// fixed width hex offsets sort numerically
	sort.Strings(names)
	return names, nil
}
