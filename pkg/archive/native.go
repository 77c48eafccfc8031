package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nektos/buildcache/pkg/common"
)

// NativeCodec writes zstd compressed tar streams in process.
type NativeCodec struct {
	Level zstd.EncoderLevel
}

func (c *NativeCodec) Pack(ctx context.Context, sourceDir, dest string, excludes []string) (err error) {
	logger := common.Logger(ctx).WithField("module", "archive")

	// a symlinked source dir is archived as the directory it points to, under its own name
	srcPath, err := filepath.EvalSymlinks(sourceDir)
	if err != nil {
		return err
	}
	fi, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", sourceDir)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	}()

	level := c.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(level))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	tc := TarCollector{TarWriter: tw, DstDir: filepath.Base(sourceDir)}
	// the root directory entry itself, so unpack restores its mode
	if err := tc.WriteFile("", fi, "", nil); err != nil {
		return err
	}
	counter := &countingHandler{next: tc}

	fc, err := NewFileCollector(srcPath, excludes, counter)
	if err != nil {
		return err
	}
	started := time.Now()
	if err := fc.Collect(ctx); err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return fmt.Errorf("pack %s: %w", sourceDir, err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	logger.Debugf("packed %d entries of %s in %s", counter.entries, sourceDir, time.Since(started).Round(time.Millisecond))
	return nil
}

type countingHandler struct {
	next    Handler
	entries int
}

func (h *countingHandler) WriteFile(path string, fi os.FileInfo, linkName string, f io.Reader) error {
	h.entries++
	return h.next.WriteFile(path, fi, linkName, f)
}

// Unpack extracts archive below destParent. Entries that would land outside destParent,
// through their own name or through a symlink, are rejected.
func (c *NativeCodec) Unpack(ctx context.Context, archive, destParent string) error {
	logger := common.Logger(ctx).WithField("module", "archive")

	in, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := zstd.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(destParent)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}

	type dirTime struct {
		path string
		mod  time.Time
	}
	var dirs []dirTime

	tr := tar.NewReader(zr)
	entries := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return fmt.Errorf("read %s: %w", archive, err)
		}

		target := filepath.Join(root, filepath.FromSlash(header.Name))
		if !within(root, target) {
			return fmt.Errorf("archive entry %q escapes %s", header.Name, destParent)
		}
		if err := ensureNoSymlinkParent(root, target); err != nil {
			return err
		}

		mode := os.FileMode(header.Mode).Perm()
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return err
			}
			_ = os.Chmod(target, mode|0o700)
			dirs = append(dirs, dirTime{target, header.ModTime})
		case tar.TypeReg:
			if err := writeEntry(target, mode, tr); err != nil {
				return err
			}
			_ = os.Chtimes(target, header.ModTime, header.ModTime)
		case tar.TypeSymlink:
			link := header.Linkname
			resolved := link
			if !filepath.IsAbs(link) {
				resolved = filepath.Join(filepath.Dir(target), link)
			}
			if !within(root, resolved) {
				return fmt.Errorf("archive symlink %q -> %q escapes %s", header.Name, link, destParent)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(link, target); err != nil {
				return err
			}
		default:
			logger.Debugf("skipping %s of type %c", header.Name, header.Typeflag)
			continue
		}
		entries++
	}

	// directory times are set last since writing files into them changes them
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].mod, dirs[i].mod)
	}
	logger.Debugf("unpacked %d entries into %s", entries, destParent)
	return nil
}

func writeEntry(target string, mode os.FileMode, r io.Reader) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	// an existing symlink must not redirect the write
	if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

// ensureNoSymlinkParent rejects targets whose parent directories below root are symlinks.
// The top level directory is exempt: it is the restored source dir, which may be a symlink
// to the real build directory.
func ensureNoSymlinkParent(root, target string) error {
	rel, err := filepath.Rel(root, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	cur := root
	for i, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if i == 0 {
			continue
		}
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		} else if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %s is below symlink %s", target, cur)
		}
	}
	return nil
}
