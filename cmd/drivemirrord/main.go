// drivemirrord is the mirror daemon. It owns the local metadata store
// and identity graph, reconciles them against the remote provider's
// change stream, and serves the mirror over HTTP for filesystem
// adapters and tooling.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/drivemirror/drivemirror/internal/config"
	"github.com/drivemirror/drivemirror/internal/drive"
	"github.com/drivemirror/drivemirror/internal/gateway"
	"github.com/drivemirror/drivemirror/internal/logging"
	"github.com/drivemirror/drivemirror/internal/meta"
	"github.com/drivemirror/drivemirror/internal/resolver"
	"github.com/drivemirror/drivemirror/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("configuration error", zap.Error(err))
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		OutputPath: cfg.LogPath,
	}); err != nil {
		logging.InitDefault()
		logging.Warn("falling back to default logging", zap.Error(err))
	}
	defer logging.Sync()

	logging.Info("drivemirror daemon starting",
		zap.String("data_dir", cfg.DataDir),
		zap.String("provider", cfg.ProviderURL))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logging.Fatal("create data directory", zap.Error(err))
	}

	store, err := meta.NewStore(cfg.MetaDir())
	if err != nil {
		logging.Fatal("open metadata store", zap.Error(err))
	}
	res := resolver.New(cfg.GraphPath())

	gw := gateway.New(gateway.Config{
		BaseURL:   cfg.ProviderURL,
		Timeout:   cfg.Timeout,
		AuthToken: cfg.ProviderToken,
		TokenPath: cfg.TokenPath(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := drive.New(store, res, gw)
	if cfg.Offline {
		engine.SetOffline(true)
	} else if err := gw.Connect(ctx); err != nil {
		logging.Warn("provider unreachable, starting offline", zap.Error(err))
		engine.SetOffline(true)
	}

	if err := engine.Init(ctx); err != nil {
		logging.Fatal("initialize mirror", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: service.NewServer(engine).Handler(),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		cancel()
		httpServer.Close()
	}()

	logging.Info("daemon listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
