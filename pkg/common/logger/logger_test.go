package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nektos/buildcache/pkg/common"
)

func TestCommandLoggerMasksSecrets(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithCommandLogger(context.Background(), Options{
		Command: "save",
		Secrets: []string{"s3cr3t"},
		Output:  buf,
	})

	common.Logger(ctx).WithField("module", "transfer").Infof("token is s3cr3t")

	assert.Equal(t, "[save] token is *** module=transfer\n", buf.String())
}

func TestCommandLoggerDryrunPrefix(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithCommandLogger(common.WithDryrun(context.Background(), true), Options{
		Command: "restore",
		Output:  buf,
	})

	common.Logger(ctx).Info("would download")

	assert.Equal(t, "*DRYRUN* [restore] would download\n", buf.String())
}

func TestCommandLoggerJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithCommandLogger(context.Background(), Options{
		Command: "save",
		JSON:    true,
		Secrets: []string{"s3cr3t"},
		Output:  buf,
	})

	common.Logger(ctx).Warn("leaked s3cr3t")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "leaked ***", line["msg"])
	assert.Equal(t, "warning", line["level"])
	assert.Equal(t, "save", line["command"])
}

func TestVerboseEnablesDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	New(Options{Command: "x", Output: buf}).Debug("hidden")
	assert.Empty(t, buf.String())

	New(Options{Command: "x", Output: buf, Verbose: true}).Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogFileReceivesCopy(t *testing.T) {
	buf := &bytes.Buffer{}
	path := filepath.Join(t.TempDir(), "logs", "build-cache.log")
	logger := New(Options{Command: "save", Output: buf, LogFile: path})
	logger.Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Contains(t, buf.String(), "hello")
}
