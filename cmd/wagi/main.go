// Command wagi runs the WAGI dispatch server: it loads a server
// configuration and a module map, builds the routing table, and serves
// HTTP requests by dispatching them to compiled Wasm modules.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wasiogate/wagi/internal/assetcache"
	"github.com/wasiogate/wagi/internal/compiler"
	"github.com/wasiogate/wagi/internal/config"
	"github.com/wasiogate/wagi/internal/dispatch"
	"github.com/wasiogate/wagi/internal/fetch"
	"github.com/wasiogate/wagi/internal/routing"
	"github.com/wasiogate/wagi/internal/server"
)

func main() {
	configPath := flag.String("config", "wagi.toml", "path to the server configuration file")
	moduleMapPath := flag.String("module-map", "modules.toml", "path to the module-map configuration file")
	bundleInvoiceID := flag.String("bindle", "", "invoice id of a bundle to serve, in place of -module-map")
	monitoring := flag.Bool("monitoring", true, "serve /monitoring alongside dispatched routes")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wagi: building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(*configPath, *moduleMapPath, *bundleInvoiceID, *monitoring, log); err != nil {
		log.Error("fatal startup error", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath, moduleMapPath, bundleInvoiceID string, monitoring bool, log *zap.Logger) error {
	cfg, err := config.LoadWagiConfiguration(configPath)
	if err != nil {
		return fmt.Errorf("wagi: loading configuration: %w", err)
	}

	fs := afero.NewOsFs()
	cache := assetcache.New(fs, cacheRoot(cfg), 64<<20, log)

	var bundles fetch.BundleServerClient
	if cfg.BundleServer != "" {
		bundles = fetch.NewDefaultBundleClient(cfg.BundleServer)
	}
	fetcher := fetch.New(cache, bundles, fetch.NewDefaultOCIClient("https"), log)

	ctx := context.Background()

	var table atomic.Pointer[routing.Table]
	if bundleInvoiceID != "" {
		handlers, err := fetcher.EmplaceBundle(ctx, bundleInvoiceID)
		if err != nil {
			return fmt.Errorf("wagi: emplacing bundle %q: %w", bundleInvoiceID, err)
		}
		table.Store(routing.Build(routing.BuildFromInvoice(bundleInvoiceID, handlers, cache.AssetDirFor)))
	} else {
		configured, err := config.LoadModuleMap(moduleMapPath)
		if err != nil {
			return fmt.Errorf("wagi: loading module map: %w", err)
		}
		table.Store(routing.Build(configured))
	}

	compilerCache, err := compiler.New(ctx, wazero.NewRuntimeConfig(), log)
	if err != nil {
		return fmt.Errorf("wagi: initializing Wasm compiler: %w", err)
	}
	defer compilerCache.Close(ctx)

	d := dispatch.New(&table, compilerCache, cache, fetcher, fs, logRoot(cfg), cfg.DefaultHost, cfg.UseTLS, cfg.EnvVars, log)
	srv := server.New(d, log, monitoring)

	stop := make(chan struct{})
	if bundleInvoiceID == "" {
		go func() {
			if err := config.WatchModuleMap(moduleMapPath, &table, log, stop); err != nil {
				log.Error("module map watcher exited", zap.Error(err))
			}
		}()
	}
	defer close(stop)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("wagi listening", zap.String("address", cfg.ListenAddress))
		var err error
		if cfg.UseTLS {
			err = httpSrv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("wagi: listener failed: %w", err)
	case <-quit:
		log.Info("shutdown initiated")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

func cacheRoot(cfg config.WagiConfiguration) string {
	if cfg.CacheDir != "" {
		return cfg.CacheDir
	}
	return "./cache"
}

func logRoot(cfg config.WagiConfiguration) string {
	if cfg.LogDir != "" {
		return cfg.LogDir
	}
	return "./logs"
}
