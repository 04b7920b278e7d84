// SPDX-License-Identifier: MIT

// Command camogm-reader is the standalone raw-device reader/indexer: it
// serves the same TCP command set as camogmd's in-process reader
// (build_index, get_index, read_disk, read_file, find_file, next_file,
// prev_file, read_all_files, status) against a raw device that was
// recorded independently, for deployments that want the reader decoupled
// from the recording daemon's process and host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/elphel/camogm-go/internal/logging"
	"github.com/elphel/camogm-go/internal/readersvc"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("camogm-reader", pflag.ContinueOnError)
	device := flags.StringP("device", "d", "", "raw block device or image file to index and serve")
	lbaStart := flags.Int64("lba-start", 0, "ring start offset (bytes)")
	lbaEnd := flags.Int64("lba-end", 0, "ring end offset (bytes), exclusive")
	listenAddr := flags.StringP("listen", "l", "0.0.0.0:7777", "TCP listen address")
	logLevel := flags.String("log-level", "info", "log level: debug|info|warn|error")
	logJSON := flags.Bool("log-json", false, "emit structured JSON logs instead of text")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *device == "" {
		fmt.Fprintln(os.Stderr, "camogm-reader: --device is required")
		return 1
	}
	if *lbaEnd <= *lbaStart {
		fmt.Fprintln(os.Stderr, "camogm-reader: --lba-end must be greater than --lba-start")
		return 1
	}

	logger := logging.New(logging.Options{Level: *logLevel, JSON: *logJSON})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := readersvc.NewService(*device, *lbaStart, *lbaEnd, *listenAddr, logger)
	if err := svc.Run(ctx); err != nil {
		logger.Error("reader service exited", "err", err)
		return 1
	}
	return 0
}
