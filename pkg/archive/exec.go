package archive

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/sirupsen/logrus"

	"github.com/nektos/buildcache/pkg/common"
	"github.com/nektos/buildcache/pkg/lookpath"
)

// ExecCodec runs the system tar with an external compressor, e.g. "zstd -T0".
type ExecCodec struct {
	Tar        string
	Compressor []string
	// Env replaces the process environment when looking up executables.
	Env lookpath.Env
}

func (c *ExecCodec) Pack(ctx context.Context, sourceDir, dest string, excludes []string) error {
	abs, err := filepath.Abs(sourceDir)
	if err != nil {
		return err
	}
	// tar stores a symlinked root as the link itself, so archive what it points to
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(resolved); err != nil {
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", sourceDir)
	}

	args := []string{"--use-compress-program", shellquote.Join(c.Compressor...), "-cf", dest, "-C", filepath.Dir(resolved)}
	if from, to := filepath.Base(resolved), filepath.Base(abs); from != to {
		// rename the root entry and everything below it, leaving link targets alone
		args = append(args,
			fmt.Sprintf("--transform=s,^%s$,%s,S", quote(from, `\.[]*^$,`), quote(to, `\&,`)),
			fmt.Sprintf("--transform=s,^%s/,%s/,S", quote(from, `\.[]*^$,`), quote(to, `\&,`)))
	}
	for _, pattern := range excludes {
		args = append(args, "--exclude="+pattern)
	}
	if _, err := os.Stat(filepath.Join(resolved, IgnoreFile)); err == nil {
		args = append(args, "--exclude-ignore="+IgnoreFile)
	}
	args = append(args, filepath.Base(resolved))
	return c.run(ctx, args)
}

// quote backslash-escapes every rune of s found in special, for a tar --transform expression.
func quote(s, special string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *ExecCodec) Unpack(ctx context.Context, archive, destParent string) error {
	if err := os.MkdirAll(destParent, 0o755); err != nil {
		return err
	}
	// a symlinked source dir stays a symlink and receives the files
	args := []string{"--use-compress-program", shellquote.Join(c.Compressor...), "--keep-directory-symlink", "-xf", archive, "-C", destParent}
	return c.run(ctx, args)
}

func (c *ExecCodec) lookup(name string) (string, error) {
	env := c.Env
	if env == nil {
		return lookpath.LookPath(name)
	}
	return lookpath.LookPath2(name, env)
}

// Available reports whether tar and the compressor can be found.
func (c *ExecCodec) Available() error {
	for _, name := range []string{c.tar(), c.Compressor[0]} {
		if _, err := c.lookup(name); err != nil {
			return err
		}
	}
	return nil
}

func (c *ExecCodec) tar() string {
	if c.Tar == "" {
		return "tar"
	}
	return c.Tar
}

func (c *ExecCodec) run(ctx context.Context, args []string) error {
	logger := common.Logger(ctx).WithField("module", "archive")

	if err := c.Available(); err != nil {
		return err
	}
	bin, err := c.lookup(c.tar())
	if err != nil {
		return err
	}

	var stderr []string
	stdout := common.NewLineWriter(logLine(logger, logrus.DebugLevel))
	stderrLines := common.NewLineWriter(logLine(logger, logrus.WarnLevel), func(line string) bool {
		stderr = append(stderr, line)
		return true
	})
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderrLines

	logger.Debugf("running %s %s", bin, shellquote.Join(args...))
	err = cmd.Run()
	stdout.Flush()
	stderrLines.Flush()
	if err != nil {
		if len(stderr) > 0 {
			return fmt.Errorf("%s: %w: %s", filepath.Base(bin), err, strings.TrimSpace(strings.Join(stderr, "")))
		}
		return fmt.Errorf("%s: %w", filepath.Base(bin), err)
	}
	return nil
}

func logLine(logger logrus.FieldLogger, level logrus.Level) common.LineHandler {
	return func(line string) bool {
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return true
		}
		if level == logrus.WarnLevel {
			logger.Warn(line)
		} else {
			logger.Debug(line)
		}
		return true
	}
}
