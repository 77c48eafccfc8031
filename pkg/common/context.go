package common

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

type loggerContextKey string
type dryrunContextKey string

const loggerContextKeyVal = loggerContextKey("logrus.FieldLogger")
const dryrunContextKeyVal = dryrunContextKey("dryrun")

// Logger returns the appropriate logger for current context
func Logger(ctx context.Context) logrus.FieldLogger {
	val := ctx.Value(loggerContextKeyVal)
	if val != nil {
		if logger, ok := val.(logrus.FieldLogger); ok {
			return logger
		}
	}
	return logrus.StandardLogger()
}

// WithLogger adds a value to the context for the logger
func WithLogger(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerContextKeyVal, logger)
}

// Dryrun returns true if the current context is dryrun
func Dryrun(ctx context.Context) bool {
	val := ctx.Value(dryrunContextKeyVal)
	if val != nil {
		if dryrun, ok := val.(bool); ok {
			return dryrun
		}
	}
	return false
}

// WithDryrun adds a value to the context for dryrun
func WithDryrun(ctx context.Context, dryrun bool) context.Context {
	return context.WithValue(ctx, dryrunContextKeyVal, dryrun)
}

func createSignalContext(parent context.Context) (context.Context, func(), chan os.Signal) {
	ctx, cancel := context.WithCancel(parent)

	// trap Ctrl+C and SIGTERM and call cancel on the context
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(c)
		cancel()
	}, c
}

// CreateSignalContext returns a context cancelled on the first interrupt or termination signal.
// In-flight transfers are abandoned; no session state survives unless a journal is configured.
func CreateSignalContext(parent context.Context) (context.Context, func()) {
	ctx, cancel, _ := createSignalContext(parent)
	return ctx, cancel
}
