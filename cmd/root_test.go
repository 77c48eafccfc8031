package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"

	"github.com/nektos/buildcache/pkg/cachekey"
	"github.com/nektos/buildcache/pkg/cacheserver"
	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := createRootCommand(context.Background(), &Input{}, "test")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

// testWorkdir builds a project with a lock file and a build directory and isolates
// the environment the configuration is read from.
func testWorkdir(t *testing.T, lock string) *fs.Dir {
	t.Helper()
	t.Setenv("BUILDCACHE_TOKEN", "token")
	t.Setenv("RUNNER_TEMP", t.TempDir())
	t.Setenv("BUILDCACHE_STATE_DIR", t.TempDir())
	return fs.NewDir(t, "buildcache-cmd",
		fs.WithFile("Cargo.lock", lock),
		fs.WithDir("target",
			fs.WithDir("release", fs.WithFile("app", "binary")),
		),
	)
}

func startServer(t *testing.T) string {
	t.Helper()
	h, err := cacheserver.StartHandler(t.TempDir(), "127.0.0.1:0", cacheserver.Options{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h.ExternalURL()
}

func TestKeyCommand(t *testing.T) {
	dir := testWorkdir(t, "lock contents")
	out, err := runCLI(t, "-C", dir.Path(), "key", "--os", "linux", "--arch", "x64")
	require.NoError(t, err)
	assert.Equal(t, "target-linux-x64-"+cachekey.Hash([]byte("lock contents"))+"\n", out)
}

func TestKeyCommandRejectsAmbiguousOS(t *testing.T) {
	dir := testWorkdir(t, "lock")
	_, err := runCLI(t, "-C", dir.Path(), "key", "--os", "linux-gnu", "--arch", "x64")
	assert.True(t, config.IsConfigError(err))
}

func TestSaveWithoutToken(t *testing.T) {
	dir := testWorkdir(t, "lock")
	t.Setenv("BUILDCACHE_TOKEN", "")
	_, err := runCLI(t, "-C", dir.Path(), "--cache-server", "http://127.0.0.1:1", "save", "--os", "linux", "--arch", "x64")
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestSaveRestore(t *testing.T) {
	dir := testWorkdir(t, "lock")
	url := startServer(t)

	_, err := runCLI(t, "-C", dir.Path(), "--cache-server", url, "save", "--os", "linux", "--arch", "x64")
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir.Join("target")))
	_, err = runCLI(t, "-C", dir.Path(), "--cache-server", url, "restore", "--os", "linux", "--arch", "x64")
	require.NoError(t, err)

	data, err := os.ReadFile(dir.Join("target", "release", "app"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))
}

func TestRestoreMissSucceeds(t *testing.T) {
	dir := testWorkdir(t, "lock")
	url := startServer(t)

	_, err := runCLI(t, "-C", dir.Path(), "--cache-server", url, "restore", "--os", "linux", "--arch", "x64")
	assert.NoError(t, err)
	assert.FileExists(t, dir.Join("target", "release", "app"))
}

func TestUploadAndDownload(t *testing.T) {
	dir := testWorkdir(t, "lock")
	require.NoError(t, os.WriteFile(dir.Join("a.log"), []byte("aaa"), 0o644))
	require.NoError(t, os.WriteFile(dir.Join("b.log"), []byte("bbbb"), 0o644))
	url := startServer(t)

	out, err := runCLI(t, "-C", dir.Path(), "--file-server", url, "--concurrency", "2", "--resume", "upload", "*.log", "--folder", "logs")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	fields := strings.Fields(lines[0])
	require.Len(t, fields, 2)
	assert.Equal(t, dir.Join("a.log"), fields[1])

	_, err = runCLI(t, "-C", dir.Path(), "--file-server", url, "download", fields[0], "out/a.log")
	require.NoError(t, err)
	data, err := os.ReadFile(dir.Join("out", "a.log"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(data))
}

func TestDownloadMissingFile(t *testing.T) {
	dir := testWorkdir(t, "lock")
	url := startServer(t)

	_, err := runCLI(t, "-C", dir.Path(), "--file-server", url, "download", "42", "out.bin")
	assert.ErrorContains(t, err, "not found")
	assert.NoFileExists(t, dir.Join("out.bin"))
}

func TestExpandPatterns(t *testing.T) {
	dir := fs.NewDir(t, "buildcache-glob",
		fs.WithFile("a.bin", "a"),
		fs.WithDir("nested",
			fs.WithFile("b.bin", "b"),
			fs.WithDir("c.bin"),
		),
		fs.WithFile("readme.md", ""),
	)

	paths, err := expandPatterns(dir.Path(), []string{"**/*.bin", "a.bin"})
	require.NoError(t, err)
	assert.Equal(t, []string{dir.Join("a.bin"), dir.Join("nested", "b.bin")}, paths)

	_, err = expandPatterns(dir.Path(), []string{"*.exe"})
	assert.ErrorContains(t, err, "matched no files")
}

func TestTokenCommand(t *testing.T) {
	out, err := runCLI(t, "token", "--secret", "s3cret", "--subject", "ci")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/cache", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	subject, err := common.ParseAuthorizationToken(req, []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "ci", subject)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv(config.ServerSecretEnv, "")
	_, err := runCLI(t, "-C", t.TempDir(), "token")
	assert.True(t, config.IsConfigError(err))
}

func TestTokenCommandReadsSecretFromEnvFile(t *testing.T) {
	t.Setenv(config.ServerSecretEnv, "")
	require.NoError(t, os.Unsetenv(config.ServerSecretEnv))
	dir := fs.NewDir(t, "buildcache-cmd", fs.WithFile(".env", config.ServerSecretEnv+"=from-dotenv\n"))

	out, err := runCLI(t, "-C", dir.Path(), "token", "--subject", "ci")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/cache", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	subject, err := common.ParseAuthorizationToken(req, []byte("from-dotenv"))
	require.NoError(t, err)
	assert.Equal(t, "ci", subject)
}

func TestSecretFlagOverridesEnvironment(t *testing.T) {
	t.Setenv(config.ServerSecretEnv, "from-env")
	out, err := runCLI(t, "-C", t.TempDir(), "token", "--secret", "from-flag")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/cache", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(out))
	_, err = common.ParseAuthorizationToken(req, []byte("from-flag"))
	assert.NoError(t, err)
}

func TestServerOptions(t *testing.T) {
	input := &Input{chunkSize: "2MiB", maxChunkSize: "16MiB"}
	opts, err := input.serverOptions("s3cret")
	require.NoError(t, err)
	assert.EqualValues(t, 2<<20, opts.ChunkSize)
	assert.EqualValues(t, 16<<20, opts.MaxChunkSize)
	assert.Equal(t, []byte("s3cret"), opts.Secret)

	input.chunkSize = "lots"
	_, err = input.serverOptions("")
	assert.True(t, config.IsConfigError(err))

	input.chunkSize, input.maxChunkSize = "4MiB", "1MiB"
	_, err = input.serverOptions("")
	assert.True(t, config.IsConfigError(err))
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := testWorkdir(t, "lock")
	require.NoError(t, os.WriteFile(filepath.Join(dir.Path(), ".buildcache.yml"),
		[]byte("cache_server: http://from-file\nconcurrency: 3\n"), 0o644))

	input := &Input{}
	rootCmd := createRootCommand(context.Background(), input, "")
	require.NoError(t, rootCmd.ParseFlags([]string{"-C", dir.Path(), "--concurrency", "8"}))

	cfg, err := input.loadConfig(rootCmd.Flags())
	require.NoError(t, err)
	assert.Equal(t, "http://from-file", cfg.CacheServer)
	assert.Equal(t, 8, cfg.Concurrency)
}
