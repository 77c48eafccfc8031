package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile, when present at the root of a source directory, lists extra exclusions in
// gitignore syntax.
const IgnoreFile = ".buildcacheignore"

// Handler receives every collected entry. f is nil for directories and symlinks.
type Handler interface {
	WriteFile(path string, fi fs.FileInfo, linkName string, f io.Reader) error
}

// TarCollector writes entries below DstDir inside a tar stream.
type TarCollector struct {
	TarWriter *tar.Writer
	DstDir    string
}

func (tc TarCollector) WriteFile(fpath string, fi fs.FileInfo, linkName string, f io.Reader) error {
	header, err := tar.FileInfoHeader(fi, linkName)
	if err != nil {
		return err
	}

	header.Name = path.Join(tc.DstDir, fpath)
	if fi.IsDir() {
		header.Name += "/"
	}
	header.ModTime = fi.ModTime()
	// ownership is not portable between CI runners
	header.Uid, header.Gid = 0, 0
	header.Uname, header.Gname = "", ""

	if err := tc.TarWriter.WriteHeader(header); err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	_, err = io.Copy(tc.TarWriter, f)
	return err
}

// FileCollector walks SrcPath and hands every entry not excluded to Handler, with paths
// relative to SrcPath in slash form.
type FileCollector struct {
	SrcPath  string
	Excludes *patternmatcher.PatternMatcher
	Ignorer  *ignore.GitIgnore
	Handler  Handler
}

// NewFileCollector compiles excludes and loads the ignore file of src if there is one.
func NewFileCollector(src string, excludes []string, h Handler) (*FileCollector, error) {
	fc := &FileCollector{SrcPath: src, Handler: h}
	if len(excludes) > 0 {
		pm, err := patternmatcher.New(excludes)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
		fc.Excludes = pm
	}
	ig, err := ignore.CompileIgnoreFile(filepath.Join(src, IgnoreFile))
	if err == nil {
		fc.Ignorer = ig
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", IgnoreFile, err)
	}
	return fc, nil
}

func (fc *FileCollector) excluded(rel string, isDir bool) (bool, error) {
	if fc.Excludes != nil {
		//nolint:staticcheck
		match, err := fc.Excludes.MatchesOrParentMatches(rel)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	if fc.Ignorer != nil {
		p := filepath.ToSlash(rel)
		if isDir {
			p += "/"
		}
		return fc.Ignorer.MatchesPath(p), nil
	}
	return false, nil
}

// Collect walks the source tree.
func (fc *FileCollector) Collect(ctx context.Context) error {
	return filepath.Walk(fc.SrcPath, fc.CollectFiles(ctx))
}

func (fc *FileCollector) CollectFiles(ctx context.Context) filepath.WalkFunc {
	return func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rel, err := filepath.Rel(fc.SrcPath, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == IgnoreFile {
			return fc.writeRegular(rel, file, fi)
		}

		skip, err := fc.excluded(rel, fi.IsDir())
		if err != nil {
			return err
		}
		if skip {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			linkName, err := os.Readlink(file)
			if err != nil {
				return fmt.Errorf("unable to readlink '%s': %w", file, err)
			}
			return fc.Handler.WriteFile(filepath.ToSlash(rel), fi, linkName, nil)
		case fi.IsDir():
			return fc.Handler.WriteFile(filepath.ToSlash(rel), fi, "", nil)
		case fi.Mode().IsRegular():
			return fc.writeRegular(rel, file, fi)
		}
		// sockets, devices and pipes are not cacheable
		return nil
	}
}

func (fc *FileCollector) writeRegular(rel, file string, fi os.FileInfo) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	return fc.Handler.WriteFile(filepath.ToSlash(rel), fi, "", f)
}

// within reports whether target is root or below it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
