package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/relaydb/mxgateway/internal/adminapi"
	"github.com/relaydb/mxgateway/internal/backendpool"
	"github.com/relaydb/mxgateway/internal/config"
	"github.com/relaydb/mxgateway/internal/frontend"
	"github.com/relaydb/mxgateway/internal/gatewayserver"
	"github.com/relaydb/mxgateway/internal/metrics"
	"github.com/relaydb/mxgateway/internal/router"
	"github.com/relaydb/mxgateway/internal/sessions"
	"github.com/relaydb/mxgateway/internal/users"
)

func main() {
	configPath := flag.String("config", "configs/mxgateway.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("mxgateway starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "backends", len(cfg.Backends))

	catalog, err := loadUsersCatalog(cfg.UsersCatalog)
	if err != nil {
		slog.Error("failed to load users catalog", "err", err)
		os.Exit(1)
	}
	usersMgr := users.NewManager(catalog)

	sem, err := cfg.SCL.Semantics()
	if err != nil {
		slog.Error("invalid scl semantics", "err", err)
		os.Exit(1)
	}
	props, err := cfg.SCL.Properties()
	if err != nil {
		slog.Error("invalid scl properties", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	reg := sessions.NewRegistry()

	specs := make([]backendpool.Spec, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		specs = append(specs, b.Spec())
	}

	opts := frontend.Options{
		BackendSpecs:   specs,
		DialTimeout:    cfg.Backends[0].DialTimeout,
		IdleTimeout:    cfg.Backends[0].IdleTimeout,
		Semantics:      sem,
		Properties:     props,
		Users:          usersMgr,
		Classifier:     frontend.TextClassifier{},
		Router:         router.NewDefaultRouter(),
		DefaultService: "",
		Registry:       reg,
		Metrics:        m,
	}

	gw := gatewayserver.New(opts)
	if err := gw.Listen(cfg.Listen.MySQLBind); err != nil {
		slog.Error("failed to start mysql listener", "err", err)
		os.Exit(1)
	}

	admin := adminapi.NewServer(reg, m)
	if err := admin.Start(cfg.Listen.APIBind); err != nil {
		slog.Error("failed to start admin API", "err", err)
		os.Exit(1)
	}

	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(*configPath, func(newCfg *config.Config) {
			slog.Info("reloading users catalog after config change")
			newCatalog, err := loadUsersCatalog(newCfg.UsersCatalog)
			if err != nil {
				slog.Error("config reload: failed to load users catalog", "err", err)
				return
			}
			usersMgr.Swap(newCatalog)
		})
		if err != nil {
			slog.Warn("config hot-reload not available", "err", err)
		}
	}

	slog.Info("mxgateway ready", "mysql", cfg.Listen.MySQLBind, "api", cfg.Listen.APIBind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	if watcher != nil {
		watcher.Stop()
	}
	admin.Stop()
	gw.Stop()

	slog.Info("mxgateway stopped")
}

func loadUsersCatalog(path string) (*users.YAMLCatalog, error) {
	if path == "" {
		return users.NewYAMLCatalog(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return users.NewYAMLCatalog(raw)
}
