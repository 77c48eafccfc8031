package main

import (
	"context"

	"github.com/nektos/buildcache/cmd"
	"github.com/nektos/buildcache/pkg/common"
)

var version string

func main() {
	// trap Ctrl+C and SIGTERM and cancel every in-flight transfer
	ctx, cancel := common.CreateSignalContext(context.Background())
	defer cancel()

	// run the command
	cmd.Execute(ctx, version)
}
