package cmd

import (
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/nektos/buildcache/pkg/config"
)

// Input contains the input for the root command
type Input struct {
	workdir     string
	configPath  string
	envFile     string
	verbose     bool
	jsonLogger  bool
	dryrun      bool
	fileServer  string
	cacheServer string
	concurrency int
	resume      bool

	goos   string
	arch   string
	folder string

	serveDir     string
	serveAddr    string
	chunkSize    string
	maxChunkSize string
	sessionTTL   time.Duration
	secret       string

	subject  string
	tokenTTL time.Duration
}

func (i *Input) resolve(path string) string {
	basedir, err := filepath.Abs(i.workdir)
	if err != nil {
		basedir = i.workdir
	}
	if path == "" {
		return path
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(basedir, path)
	}
	return path
}

// Workdir returns path to workdir
func (i *Input) Workdir() string {
	return i.resolve(".")
}

// ConfigPath returns the path of the YAML config file, or "" for the default lookup
func (i *Input) ConfigPath() string {
	return i.resolve(i.configPath)
}

// EnvFile returns the path of the dotenv file, or "" for the default lookup
func (i *Input) EnvFile() string {
	return i.resolve(i.envFile)
}

// loadConfig reads the configuration files and environment, then lets every flag the user
// actually set on the command line win.
func (i *Input) loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:    i.ConfigPath(),
		EnvFile: i.EnvFile(),
		Workdir: i.Workdir(),
	})
	if err != nil {
		return nil, err
	}

	if flags.Changed("file-server") {
		cfg.FileServer = i.fileServer
	}
	if flags.Changed("cache-server") {
		cfg.CacheServer = i.cacheServer
	}
	if flags.Changed("concurrency") {
		cfg.Concurrency = i.concurrency
	}
	if flags.Changed("resume") {
		cfg.Resume = i.resume
	}
	if flags.Changed("secret") {
		cfg.ServerSecret = i.secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
