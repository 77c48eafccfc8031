package archive

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
	"gotest.tools/v3/skip"

	"github.com/nektos/buildcache/pkg/config"
)

var defaultExcludes = config.Defaults().Exclude

func buildTree(t *testing.T) *fs.Dir {
	t.Helper()
	return fs.NewDir(t, "buildcache-src",
		fs.WithFile("Cargo.lock", "lock"),
		fs.WithDir("target",
			fs.WithFile(".rustc_info.json", "{}"),
			fs.WithDir("release",
				fs.WithFile("app", "binary", fs.WithMode(0o755)),
				fs.WithDir("deps", fs.WithFile("libserde.rlib", "rlib")),
				fs.WithDir("bundle", fs.WithDir("deb", fs.WithFile("app.deb", "deb"))),
				fs.WithSymlink("current", "app"),
			),
			fs.WithDir("debug",
				fs.WithFile("bundle", "a file named bundle is excluded too"),
				fs.WithFile("keep.d", "dep info"),
			),
		),
	)
}

// snapshot maps every path below root to its content, link target or "<dir>".
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			require.NoError(t, err)
			out[rel] = "-> " + target
		case fi.IsDir():
			out[rel] = "<dir>"
		default:
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			out[rel] = string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func expectedTree() map[string]string {
	return map[string]string{
		".":                                 "<dir>",
		"target":                            "<dir>",
		"target/.rustc_info.json":           "{}",
		"target/release":                    "<dir>",
		"target/release/app":                "binary",
		"target/release/current":            "-> app",
		"target/release/deps":               "<dir>",
		"target/release/deps/libserde.rlib": "rlib",
		"target/debug":                      "<dir>",
		"target/debug/keep.d":               "dep info",
	}
}

func TestNativeRoundTrip(t *testing.T) {
	skip.If(t, runtime.GOOS == "windows", "symlinks need privileges on windows")

	src := buildTree(t)
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	codec := &NativeCodec{Level: zstd.SpeedFastest}
	ctx := context.Background()

	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, defaultExcludes))

	dest := t.TempDir()
	require.NoError(t, codec.Unpack(ctx, archive, dest))
	assert.Equal(t, expectedTree(), snapshot(t, dest))

	fi, err := os.Stat(filepath.Join(dest, "target", "release", "app"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}

func TestNativeUnpackOverExistingTree(t *testing.T) {
	skip.If(t, runtime.GOOS == "windows", "symlinks need privileges on windows")

	src := buildTree(t)
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	codec := &NativeCodec{}
	ctx := context.Background()
	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, defaultExcludes))

	dest := fs.NewDir(t, "buildcache-dest",
		fs.WithDir("target", fs.WithDir("release", fs.WithFile("app", "stale"), fs.WithFile("extra", "kept"))))
	require.NoError(t, codec.Unpack(ctx, archive, dest.Path()))

	data, err := os.ReadFile(dest.Join("target", "release", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))
	assert.FileExists(t, dest.Join("target", "release", "extra"))
}

// symlinkedTree has target as a symlink to the real build directory.
func symlinkedTree(t *testing.T) *fs.Dir {
	t.Helper()
	return fs.NewDir(t, "buildcache-src",
		fs.WithDir("build",
			fs.WithDir("release",
				fs.WithFile("app", "binary", fs.WithMode(0o755)),
				fs.WithDir("bundle", fs.WithFile("app.dmg", "dmg")),
			),
		),
		fs.WithSymlink("target", "build"),
	)
}

func TestNativePackSymlinkedSource(t *testing.T) {
	skip.If(t, runtime.GOOS == "windows", "symlinks need privileges on windows")

	src := symlinkedTree(t)
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	codec := &NativeCodec{}
	ctx := context.Background()
	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, defaultExcludes))

	dest := t.TempDir()
	require.NoError(t, codec.Unpack(ctx, archive, dest))
	assert.Equal(t, map[string]string{
		".":                  "<dir>",
		"target":             "<dir>",
		"target/release":     "<dir>",
		"target/release/app": "binary",
	}, snapshot(t, dest))
}

func TestNativeUnpackIntoSymlinkedTarget(t *testing.T) {
	skip.If(t, runtime.GOOS == "windows", "symlinks need privileges on windows")

	src := buildTree(t)
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	codec := &NativeCodec{}
	ctx := context.Background()
	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, defaultExcludes))

	dest := fs.NewDir(t, "buildcache-dest", fs.WithDir("build"), fs.WithSymlink("target", "build"))
	require.NoError(t, codec.Unpack(ctx, archive, dest.Path()))

	data, err := os.ReadFile(dest.Join("build", "release", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))

	fi, err := os.Lstat(dest.Join("target"))
	require.NoError(t, err)
	assert.True(t, fi.Mode()&os.ModeSymlink != 0, "target stays a symlink")
}

func TestNativeUnpackRejectsNestedSymlinkParent(t *testing.T) {
	skip.If(t, runtime.GOOS == "windows", "symlinks need privileges on windows")

	archive := writeArchive(t,
		&tar.Header{Name: "target/", Typeflag: tar.TypeDir, Mode: 0o755},
		&tar.Header{Name: "target/link", Typeflag: tar.TypeSymlink, Linkname: "."},
		&tar.Header{Name: "target/link/file", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1},
	)
	err := (&NativeCodec{}).Unpack(context.Background(), archive, t.TempDir())
	assert.ErrorContains(t, err, "below symlink")
}

func TestNativeIgnoreFile(t *testing.T) {
	src := fs.NewDir(t, "buildcache-src",
		fs.WithDir("target",
			fs.WithFile(IgnoreFile, "*.log\nincremental/\n"),
			fs.WithFile("build.log", "noise"),
			fs.WithFile("out.o", "object"),
			fs.WithDir("incremental", fs.WithFile("state", "big")),
		))
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	codec := &NativeCodec{}
	ctx := context.Background()
	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, nil))

	dest := t.TempDir()
	require.NoError(t, codec.Unpack(ctx, archive, dest))
	assert.Equal(t, map[string]string{
		".":                    "<dir>",
		"target":               "<dir>",
		"target/" + IgnoreFile: "*.log\nincremental/\n",
		"target/out.o":         "object",
	}, snapshot(t, dest))
}

func TestNativePackInvalidExclude(t *testing.T) {
	src := buildTree(t)
	err := (&NativeCodec{}).Pack(context.Background(), src.Join("target"), filepath.Join(t.TempDir(), "a"), []string{"["})
	assert.Error(t, err)
}

func TestNativePackMissingSource(t *testing.T) {
	err := (&NativeCodec{}).Pack(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "a"), nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func writeArchive(t *testing.T, headers ...*tar.Header) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evil"+Extension)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for _, h := range headers {
		require.NoError(t, tw.WriteHeader(h))
		if h.Typeflag == tar.TypeReg {
			_, err := tw.Write(make([]byte, h.Size))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return path
}

func TestNativeUnpackRejectsEscapes(t *testing.T) {
	table := map[string][]*tar.Header{
		"dotdot": {
			{Name: "../outside", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1},
		},
		"nested dotdot": {
			{Name: "target/../../outside", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1},
		},
		"absolute symlink": {
			{Name: "target/", Typeflag: tar.TypeDir, Mode: 0o755},
			{Name: "target/etc", Typeflag: tar.TypeSymlink, Linkname: "/etc"},
		},
		"relative symlink": {
			{Name: "target/up", Typeflag: tar.TypeSymlink, Linkname: "../../.."},
		},
	}
	for name, headers := range table {
		t.Run(name, func(t *testing.T) {
			archive := writeArchive(t, headers...)
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			err := (&NativeCodec{}).Unpack(context.Background(), archive, dest)
			assert.ErrorContains(t, err, "escapes")
			assert.NoFileExists(t, filepath.Join(parent, "outside"))
		})
	}
}

func TestNew(t *testing.T) {
	cfg := config.Defaults()
	codec, err := New(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &NativeCodec{}, codec)

	cfg.Archive.Backend = config.BackendExec
	codec, err = New(&cfg)
	require.NoError(t, err)
	require.IsType(t, &ExecCodec{}, codec)
	assert.Equal(t, []string{"zstd", "-T0"}, codec.(*ExecCodec).Compressor)

	cfg.Archive.Compressor = `zstd "-T0`
	_, err = New(&cfg)
	assert.True(t, config.IsConfigError(err))

	cfg = config.Defaults()
	cfg.Archive.Level = "ludicrous"
	_, err = New(&cfg)
	assert.True(t, config.IsConfigError(err))
}

func TestExecRoundTrip(t *testing.T) {
	skip.If(t, runtime.GOOS != "linux", "needs GNU tar")
	codec := &ExecCodec{Tar: "tar", Compressor: []string{"zstd", "-T0"}}
	if err := codec.Available(); err != nil {
		t.Skipf("tar or zstd not installed: %v", err)
	}

	src := buildTree(t)
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	ctx := context.Background()
	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, defaultExcludes))

	dest := t.TempDir()
	require.NoError(t, codec.Unpack(ctx, archive, dest))
	assert.Equal(t, expectedTree(), snapshot(t, dest))

	// both backends write the same format
	native := t.TempDir()
	require.NoError(t, (&NativeCodec{}).Unpack(ctx, archive, native))
	assert.Equal(t, expectedTree(), snapshot(t, native))
}

func TestExecPackSymlinkedSource(t *testing.T) {
	skip.If(t, runtime.GOOS != "linux", "needs GNU tar")
	codec := &ExecCodec{Tar: "tar", Compressor: []string{"zstd", "-T0"}}
	if err := codec.Available(); err != nil {
		t.Skipf("tar or zstd not installed: %v", err)
	}

	src := symlinkedTree(t)
	archive := filepath.Join(t.TempDir(), "cache"+Extension)
	ctx := context.Background()
	require.NoError(t, codec.Pack(ctx, src.Join("target"), archive, defaultExcludes))

	dest := t.TempDir()
	require.NoError(t, (&NativeCodec{}).Unpack(ctx, archive, dest))
	assert.Equal(t, map[string]string{
		".":                  "<dir>",
		"target":             "<dir>",
		"target/release":     "<dir>",
		"target/release/app": "binary",
	}, snapshot(t, dest))
}

func TestQuoteTransform(t *testing.T) {
	assert.Equal(t, `build\.out`, quote("build.out", `\.[]*^$,`))
	assert.Equal(t, `a\,b\&c`, quote("a,b&c", `\&,`))
}

func TestExecMissingBinary(t *testing.T) {
	codec := &ExecCodec{Tar: "tar", Compressor: []string{"zstd"}, Env: lookpathEnv{}}
	err := codec.Pack(context.Background(), t.TempDir(), filepath.Join(t.TempDir(), "a"), nil)
	assert.Error(t, err)
}

type lookpathEnv struct{}

func (lookpathEnv) Getenv(string) string { return "" }
