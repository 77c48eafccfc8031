package buildcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"

	"github.com/nektos/buildcache/pkg/archive"
	"github.com/nektos/buildcache/pkg/cachekey"
	"github.com/nektos/buildcache/pkg/cacheserver"
	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
	"github.com/nektos/buildcache/pkg/transfer"
)

type fixture struct {
	workdir *fs.Dir
	cfg     *config.Config
}

func newFixture(t *testing.T, manifest string) *fixture {
	t.Helper()
	server, err := cacheserver.StartHandler(t.TempDir(), "127.0.0.1:0", cacheserver.Options{ChunkSize: 4096}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return newFixtureFor(t, manifest, server.ExternalURL())
}

func newFixtureFor(t *testing.T, manifest, url string) *fixture {
	t.Helper()
	workdir := fs.NewDir(t, "buildcache-work",
		fs.WithFile("Cargo.lock", manifest),
		fs.WithDir("target",
			fs.WithDir("release",
				fs.WithFile("app", "binary"),
				fs.WithDir("bundle", fs.WithFile("app.dmg", "bundle")),
			),
		),
	)
	cfg := config.Defaults()
	cfg.FileServer = url
	cfg.CacheServer = url
	cfg.Token = "token"
	cfg.Manifest = workdir.Join("Cargo.lock")
	cfg.SourceDir = workdir.Join("target")
	cfg.TempDir = t.TempDir()
	cfg.ChunkMultiplier = 1
	cfg.RequestTimeout = 10 * time.Second
	cfg.Retry = config.Retry{Attempts: 2, BaseDelay: time.Millisecond}
	return &fixture{workdir: workdir, cfg: &cfg}
}

func (f *fixture) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	codec, err := archive.New(f.cfg)
	require.NoError(t, err)
	return New(f.cfg, transfer.NewClient(f.cfg), codec)
}

func testContext() (context.Context, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return common.WithLogger(context.Background(), logger), hook
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, "lock v1")
	ctx, _ := testContext()

	require.NoError(t, f.orchestrator(t).Save(ctx, "linux", "x64"))
	entries, err := os.ReadDir(f.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp archive is removed after upload")

	require.NoError(t, os.RemoveAll(f.cfg.SourceDir))
	require.NoError(t, f.orchestrator(t).Restore(ctx, "linux", "x64"))

	data, err := os.ReadFile(f.workdir.Join("target", "release", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))
	assert.NoDirExists(t, f.workdir.Join("target", "release", "bundle"))

	entries, err = os.ReadDir(f.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp archive is removed after restore")
}

func TestRestoreFallsBackToNewest(t *testing.T) {
	f := newFixture(t, "lock v1")
	ctx, hook := testContext()

	require.NoError(t, f.orchestrator(t).Save(ctx, "linux", "x64"))

	// a second save from a different lock file becomes the newest entry
	require.NoError(t, os.WriteFile(f.workdir.Join("target", "release", "app"), []byte("binary v2"), 0o644))
	require.NoError(t, os.WriteFile(f.cfg.Manifest, []byte("lock v2"), 0o644))
	require.NoError(t, f.orchestrator(t).Save(ctx, "linux", "x64"))

	// a third platform must never be picked
	require.NoError(t, f.orchestrator(t).Save(ctx, "macos", "x64"))

	require.NoError(t, os.WriteFile(f.cfg.Manifest, []byte("lock v3"), 0o644))
	require.NoError(t, os.RemoveAll(f.cfg.SourceDir))
	hook.Reset()
	require.NoError(t, f.orchestrator(t).Restore(ctx, "linux", "x64"))

	data, err := os.ReadFile(f.workdir.Join("target", "release", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary v2", string(data))

	var fellBack bool
	for _, e := range hook.AllEntries() {
		if e.Message == "falling back to target-linux-x64-"+cachekey.Hash([]byte("lock v2")) {
			fellBack = true
		}
	}
	assert.True(t, fellBack)
}

func TestRestoreTotalMissIsWarning(t *testing.T) {
	f := newFixture(t, "lock")
	ctx, _ := testContext()

	err := f.orchestrator(t).Restore(ctx, "linux", "x64")
	require.Error(t, err)
	assert.True(t, common.IsWarning(err))

	entries, err := os.ReadDir(f.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// countingServer answers every request like a cache server with no entries.
func countingServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/cache" {
			_, _ = w.Write([]byte("[]"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRestoreWithoutTokenMakesNoRequests(t *testing.T) {
	srv, calls := countingServer(t)
	f := newFixtureFor(t, "lock", srv.URL)
	f.cfg.Token = ""
	ctx, _ := testContext()

	err := f.orchestrator(t).Restore(ctx, "linux", "x64")
	assert.True(t, config.IsConfigError(err))
	assert.Zero(t, calls.Load())
}

func TestSaveWithoutTokenMakesNoRequests(t *testing.T) {
	srv, calls := countingServer(t)
	f := newFixtureFor(t, "lock", srv.URL)
	f.cfg.Token = ""
	ctx, _ := testContext()

	err := f.orchestrator(t).Save(ctx, "linux", "x64")
	assert.True(t, config.IsConfigError(err))
	assert.Zero(t, calls.Load())
}

func TestSaveMissingSourceDir(t *testing.T) {
	srv, calls := countingServer(t)
	f := newFixtureFor(t, "lock", srv.URL)
	require.NoError(t, os.RemoveAll(f.cfg.SourceDir))
	ctx, _ := testContext()

	err := f.orchestrator(t).Save(ctx, "linux", "x64")
	require.Error(t, err)
	assert.True(t, common.IsWarning(err))
	assert.Zero(t, calls.Load())
}

func TestSaveRejectsAmbiguousPlatform(t *testing.T) {
	srv, calls := countingServer(t)
	f := newFixtureFor(t, "lock", srv.URL)
	ctx, _ := testContext()

	err := f.orchestrator(t).Save(ctx, "linux-gnu", "x64")
	assert.True(t, config.IsConfigError(err))
	assert.Zero(t, calls.Load())
}

func TestDryrun(t *testing.T) {
	srv, calls := countingServer(t)
	f := newFixtureFor(t, "lock", srv.URL)
	ctx, hook := testContext()
	ctx = common.WithDryrun(ctx, true)

	require.NoError(t, f.orchestrator(t).Save(ctx, "linux", "x64"))
	require.NoError(t, f.orchestrator(t).Restore(ctx, "linux", "x64"))
	assert.Zero(t, calls.Load())
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "target-linux-x64-"+cachekey.Hash([]byte("lock")), hook.AllEntries()[0].Data["key"])
}

// failingTransport fails uploads after the archive is packed.
type failingTransport struct {
	archive string
}

func (f *failingTransport) Upload(_ context.Context, _ transfer.EndpointKind, path string, _ transfer.InitRequest) (*transfer.ChunkResponse, error) {
	f.archive = path
	return nil, assert.AnError
}

func (f *failingTransport) DownloadCache(context.Context, string, string) (transfer.DownloadResult, error) {
	return transfer.DownloadResult{}, assert.AnError
}

func (f *failingTransport) ListCacheKeys(context.Context, string) ([]string, error) {
	return nil, assert.AnError
}

func TestSaveCleansUpAfterUploadFailure(t *testing.T) {
	f := newFixtureFor(t, "lock", "http://127.0.0.1:1")
	ctx, _ := testContext()
	transport := &failingTransport{}

	o := New(f.cfg, transport, &archive.NativeCodec{})
	err := o.Save(ctx, "linux", "x64")
	assert.ErrorIs(t, err, assert.AnError)
	require.NotEmpty(t, transport.archive)
	assert.NoFileExists(t, transport.archive)
	assert.NoDirExists(t, filepath.Dir(transport.archive))
}

// partialTransport writes a truncated archive to the destination before reporting err.
type partialTransport struct {
	failingTransport
	err  error
	dest string
}

func (p *partialTransport) DownloadCache(_ context.Context, _ string, dest string) (transfer.DownloadResult, error) {
	p.dest = dest
	if err := os.WriteFile(dest, []byte("(truncated zstd"), 0o600); err != nil {
		return transfer.DownloadResult{}, err
	}
	if p.err != nil {
		return transfer.DownloadResult{Hit: true, BytesWritten: 15}, p.err
	}
	return transfer.DownloadResult{Hit: true, BytesWritten: 15}, nil
}

func TestRestoreCleansUpAfterFailure(t *testing.T) {
	table := map[string]struct {
		err  error
		want string
	}{
		"download error":  {err: assert.AnError, want: assert.AnError.Error()},
		"corrupt archive": {want: "unpack"},
	}
	for name, tt := range table {
		t.Run(name, func(t *testing.T) {
			f := newFixtureFor(t, "lock", "http://127.0.0.1:1")
			ctx, _ := testContext()
			transport := &partialTransport{err: tt.err}

			err := New(f.cfg, transport, &archive.NativeCodec{}).Restore(ctx, "linux", "x64")
			assert.ErrorContains(t, err, tt.want)
			assert.False(t, common.IsWarning(err))

			require.NotEmpty(t, transport.dest)
			assert.NoDirExists(t, filepath.Dir(transport.dest))
			entries, err := os.ReadDir(f.cfg.TempDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
