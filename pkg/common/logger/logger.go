package logger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nektos/buildcache/pkg/common"
)

const (
	red    = 31
	yellow = 33
	blue   = 34
	gray   = 37
)

// Options configures the process logger.
type Options struct {
	Command string
	JSON    bool
	Verbose bool
	// Secrets are replaced by *** in every message.
	Secrets []string
	// Output defaults to os.Stderr.
	Output io.Writer
	// LogFile, when set, receives a copy of every entry and is rotated by size.
	LogFile string
}

// New builds a logger writing to opts.Output and, if configured, a rotating log file.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	colored := opts.LogFile == "" && checkIfColorable(out)

	var fileErr error
	if opts.LogFile != "" {
		if fileErr = os.MkdirAll(filepath.Dir(opts.LogFile), 0o755); fileErr == nil {
			out = io.MultiWriter(out, &lumberjack.Logger{
				Filename:   opts.LogFile,
				MaxSize:    50,
				MaxBackups: 5,
				Compress:   true,
			})
		}
	}

	masker := valueMasker(opts.Secrets)
	var formatter log.Formatter
	if opts.JSON {
		formatter = &commandLogJSONFormatter{
			formatter: &log.JSONFormatter{},
			masker:    masker,
		}
	} else {
		formatter = &commandLogFormatter{
			colored: colored,
			masker:  masker,
		}
	}

	logger := log.New()
	logger.SetFormatter(formatter)
	logger.SetOutput(out)
	if opts.Verbose {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}

	if fileErr != nil {
		logger.Warnf("unable to open log file %s, logging to console only: %v", opts.LogFile, fileErr)
	}
	return logger
}

// WithCommandLogger attaches a logger tagged with the command name to the context
func WithCommandLogger(ctx context.Context, opts Options) context.Context {
	rtn := New(opts).WithFields(log.Fields{"command": opts.Command, "dryrun": common.Dryrun(ctx)})
	return common.WithLogger(ctx, rtn)
}

type entryProcessor func(entry *log.Entry) *log.Entry

func valueMasker(secrets []string) entryProcessor {
	return func(entry *log.Entry) *log.Entry {
		for _, v := range secrets {
			if v != "" {
				entry.Message = strings.ReplaceAll(entry.Message, v, "***")
			}
		}
		return entry
	}
}

type commandLogFormatter struct {
	colored bool
	masker  entryProcessor
}

func (f *commandLogFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	entry = f.masker(entry)
	entry.Message = strings.TrimSuffix(entry.Message, "\n")
	command := entry.Data["command"]

	switch {
	case f.colored && entry.Data["dryrun"] == true:
		_, _ = fmt.Fprintf(b, "\x1b[1m\x1b[%dm\x1b[7m*DRYRUN*\x1b[0m \x1b[%dm[%s] \x1b[0m%s", gray, levelColor(entry.Level), command, entry.Message)
	case f.colored:
		_, _ = fmt.Fprintf(b, "\x1b[%dm[%s] \x1b[0m%s", levelColor(entry.Level), command, entry.Message)
	case entry.Data["dryrun"] == true:
		_, _ = fmt.Fprintf(b, "*DRYRUN* [%s] %s", command, entry.Message)
	default:
		_, _ = fmt.Fprintf(b, "[%s] %s", command, entry.Message)
	}
	writeFields(b, entry.Data)

	b.WriteByte('\n')
	return b.Bytes(), nil
}

func writeFields(b *bytes.Buffer, data log.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		switch k {
		case "command", "dryrun":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(b, " %s=%v", k, data[k])
	}
}

func levelColor(level log.Level) int {
	switch level {
	case log.WarnLevel:
		return yellow
	case log.ErrorLevel, log.FatalLevel, log.PanicLevel:
		return red
	default:
		return blue
	}
}

type commandLogJSONFormatter struct {
	masker    entryProcessor
	formatter *log.JSONFormatter
}

func (f *commandLogJSONFormatter) Format(entry *log.Entry) ([]byte, error) {
	return f.formatter.Format(f.masker(entry))
}
