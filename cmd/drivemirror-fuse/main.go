// drivemirror-fuse mounts the daemon's mirror as a read-only FUSE
// filesystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drivemirror/drivemirror/internal/fusefs"
	"github.com/drivemirror/drivemirror/internal/logging"
)

func main() {
	mountPoint := flag.String("mount", "", "Mount point for the mirror filesystem (required)")
	daemonURL := flag.String("daemon", "http://127.0.0.1:7225", "Daemon URL")
	timeout := flag.Duration("timeout", 30*time.Second, "Daemon request timeout")
	debug := flag.Bool("debug", false, "Enable FUSE debug output")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: -mount is required\n")
		flag.Usage()
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: *logLevel, OutputPath: "stderr"}); err != nil {
		logging.InitDefault()
	}
	defer logging.Sync()

	mirror := fusefs.New(fusefs.Config{
		DaemonURL: *daemonURL,
		Timeout:   *timeout,
		Debug:     *debug,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mirror.Connect(ctx); err != nil {
		logging.Fatal("connect to daemon", zap.Error(err))
	}

	server, err := mirror.Mount(*mountPoint)
	if err != nil {
		logging.Fatal("mount", zap.Error(err))
	}

	logging.Info("mounted",
		zap.String("mount", *mountPoint),
		zap.String("daemon", *daemonURL))

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("unmounting")
		cancel()
		if err := server.Unmount(); err != nil {
			logging.Warn("unmount failed, forcing exit", zap.Error(err))
			os.Exit(1)
		}
	}()

	server.Wait()
}
