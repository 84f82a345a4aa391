package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"diaryd/internal/cache"
	"diaryd/internal/config"
	"diaryd/internal/delivery"
	"diaryd/internal/engine"
	"diaryd/internal/export"
	"diaryd/internal/health"
	"diaryd/internal/httpapi"
	"diaryd/internal/ipc"
	"diaryd/internal/logging"
	"diaryd/internal/metrics"
	"diaryd/internal/schema"
	"diaryd/internal/signer"
	"diaryd/internal/store"
)

// deliveryLagWarnAt is the backlog per target at which the health
// endpoint reports degraded.
const deliveryLagWarnAt = 1000

// daemon owns every long-lived component and their shutdown order.
type daemon struct {
	cfg     *config.Config
	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.DiarydMetrics
	store   *store.Store
	schemas *schema.Registry
	cache   *cache.StateCache
	engine  *engine.Engine
	checker *health.Checker
	manager *delivery.Manager
	api     *http.Server
	control *ipc.Server
	watcher *config.Watcher
}

// newDaemon wires the components bottom-up: logging first so every
// later failure is recorded, store before anything that reads it, the
// engine once its collaborators exist, transports last.
func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg}

	log, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	logging.SetDefault(log)
	d.log = log

	if cfg.Audit.Enabled {
		audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   cfg.Audit.FilePath,
			MaxSize:    int64(cfg.Audit.MaxSizeMB),
			MaxBackups: cfg.Audit.MaxBackups,
			Component:  "diaryd",
		})
		if err != nil {
			return nil, fmt.Errorf("configure audit trail: %w", err)
		}
		d.audit = audit
	}

	registry := metrics.NewRegistry("diaryd", "")
	d.metrics = metrics.NewDiarydMetrics(registry)

	st, err := store.Open(store.Options{
		Driver:        cfg.Storage.Driver,
		Path:          cfg.Storage.Path,
		DSN:           cfg.Storage.DSN,
		MaxOpenConns:  cfg.Storage.MaxOpenConns,
		MaxIdleConns:  cfg.Storage.MaxIdleConns,
		BusyTimeoutMs: cfg.Storage.BusyTimeoutMs,
	})
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	d.store = st

	schemas, err := schema.NewRegistry(cfg.Schemas.Dir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load form schemas: %w", err)
	}
	d.schemas = schemas
	if cfg.Schemas.Dir != "" && cfg.Schemas.Watch {
		if err := schemas.Watch(); err != nil {
			log.Warn("schema watch unavailable, reload via diaryctl", "error", err)
		}
	}

	if cfg.Cache.Enabled {
		sc, err := cache.New(cache.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      time.Duration(cfg.Cache.TTLSec) * time.Second,
		})
		if err != nil {
			d.closePartial()
			return nil, fmt.Errorf("connect state cache: %w", err)
		}
		d.cache = sc
	}

	var exporter *export.Exporter
	if _, err := os.Stat(cfg.Signing.KeyPath); os.IsNotExist(err) {
		log.Warn("signing key missing, exports disabled until diaryd init", "path", cfg.Signing.KeyPath)
	} else {
		key, err := signer.LoadPrivateKey(cfg.Signing.KeyPath)
		if err != nil {
			d.closePartial()
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		exporter = export.New(st, key)
	}

	eng, err := engine.New(engine.Options{
		Store:    st,
		Schemas:  schemas,
		Cache:    d.cache,
		Exporter: exporter,
		Metrics:  d.metrics,
		Audit:    d.audit,
		Log:      log,
	})
	if err != nil {
		d.closePartial()
		return nil, err
	}
	d.engine = eng

	if cfg.Delivery.Enabled && len(cfg.Delivery.Targets) > 0 {
		mgr, err := delivery.NewManager(st, cfg, log, d.metrics)
		if err != nil {
			d.closePartial()
			return nil, fmt.Errorf("configure delivery targets: %w", err)
		}
		d.manager = mgr
	}

	d.checker = buildChecker(st, d.manager)

	if cfg.API.Enabled {
		api := httpapi.New(httpapi.Options{
			Engine:      eng,
			Health:      d.checker,
			Metrics:     registry,
			Log:         log,
			MaxBody:     cfg.API.MaxBodyBytes,
			SubmitRate:  cfg.API.SubmitRatePerSec,
			SubmitBurst: cfg.API.SubmitBurst,
		})
		d.api = &http.Server{
			Addr:         cfg.API.ListenAddr,
			Handler:      api.Handler(),
			ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSec) * time.Second,
			WriteTimeout: time.Duration(cfg.API.WriteTimeoutSec) * time.Second,
		}
	}

	if cfg.IPC.Enabled {
		d.control = ipc.NewServer(ipc.ServerOptions{
			Engine:     eng,
			SocketPath: cfg.IPC.SocketPath,
			Version:    version,
			Mode:       socketMode(cfg.IPC.Permissions),
			MaxConns:   cfg.IPC.MaxConnections,
			Ready:      d.checker.IsReady,
			Log:        log,
		})
	}

	return d, nil
}

// watchConfig follows the config file on disk so edits take effect
// without a restart. Only settings applyConfig knows how to swap are
// applied live; everything else still needs a restart.
func (d *daemon) watchConfig(path string) {
	w, err := config.NewWatcher(path, d.cfg)
	if err != nil {
		d.log.Warn("config watch unavailable, restart to apply changes", "error", err)
		return
	}
	w.OnInvalid(func(err error) {
		d.log.Warn("config reload rejected, keeping current settings", "error", err)
	})
	w.OnUpdate(d.applyConfig)
	d.watcher = w
}

// applyConfig applies the settings that are safe to change on a live
// daemon. Today that is the log level; storage, transports, and
// delivery targets are wired once at startup.
func (d *daemon) applyConfig(next *config.Config) {
	level, err := logging.ParseLevel(next.Logging.Level)
	if err != nil {
		d.log.Warn("config reload: unusable log level", "value", next.Logging.Level)
		return
	}
	old := d.log.Level()
	if level == old {
		return
	}
	d.log.SetLevel(level)
	d.log.Info("log level changed", "from", old.String(), "to", level.String())
	if d.audit != nil {
		d.audit.LogConfigChange(context.Background(), "logging.level", old.String(), level.String())
	}
}

// run starts the transports and blocks until a shutdown signal.
func (d *daemon) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)

	if d.api != nil {
		go func() {
			d.log.Info("capture api listening", "addr", d.api.Addr)
			if err := d.api.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("capture api: %w", err)
			}
		}()
	}

	if d.control != nil {
		if err := d.control.Start(); err != nil {
			d.shutdown()
			return fmt.Errorf("control socket: %w", err)
		}
	}

	if d.manager != nil {
		d.manager.Start(ctx)
		d.log.Info("delivery workers started", "targets", strings.Join(d.manager.TargetNames(), ","))
	}

	// Seed the gauges so the first scrape reflects reality, not zeroes.
	d.metrics.SetHaltedChains(int64(len(d.store.HaltedTenants())))
	go d.uptimeLoop(ctx)

	d.checker.SetReady(true)
	if d.audit != nil {
		d.audit.LogStartup(ctx, version, map[string]interface{}{
			"storage": d.cfg.Storage.Driver,
			"targets": len(d.cfg.Delivery.Targets),
			"forms":   len(d.schemas.Forms()),
		})
	}
	d.log.Info("diaryd running",
		"version", version,
		"storage", d.cfg.Storage.Driver,
		"forms", len(d.schemas.Forms()),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		d.log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		d.log.Error("transport failed", "error", err)
		d.shutdown()
		return err
	}

	d.shutdown()
	return nil
}

// shutdown stops intake first, then drains workers, then closes
// storage. The readiness gate flips before the listeners close so a
// load balancer stops routing here while in-flight requests finish.
func (d *daemon) shutdown() {
	d.checker.SetReady(false)

	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.api != nil {
		grace := time.Duration(d.cfg.API.ShutdownGraceSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := d.api.Shutdown(ctx); err != nil {
			d.log.Warn("capture api did not drain", "error", err)
		}
		cancel()
	}
	if d.control != nil {
		d.control.Stop()
	}
	if d.manager != nil {
		d.manager.Stop()
	}

	if d.audit != nil {
		d.audit.LogShutdown(context.Background(), "signal")
	}

	d.closePartial()
	d.log.Info("diaryd stopped")
}

// closePartial releases whatever newDaemon managed to open, in reverse
// order. Safe to call with any subset wired.
func (d *daemon) closePartial() {
	if d.cache != nil {
		d.cache.Close()
	}
	if d.schemas != nil {
		d.schemas.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
}

func (d *daemon) uptimeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdateUptime()
		}
	}
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "diaryd",
	})
}

func buildChecker(st *store.Store, mgr *delivery.Manager) *health.Checker {
	checker := health.NewChecker()
	checker.Register(&health.Component{
		Name:     "store",
		Critical: true,
		Check:    health.StoreCheck(st.Ping),
	})
	checker.Register(&health.Component{
		Name:  "chains",
		Check: health.ChainCheck(st.HaltedTenants),
	})
	if mgr != nil {
		targets := mgr.TargetNames()
		checker.Register(&health.Component{
			Name: "delivery",
			Check: health.DeliveryLagCheck(func() (map[string]int64, error) {
				return targetLags(st, targets)
			}, deliveryLagWarnAt),
		})
	}
	return checker
}

// targetLags sums each target's unresolved backlog across tenants.
func targetLags(st *store.Store, targets []string) (map[string]int64, error) {
	tenants, err := st.Tenants()
	if err != nil {
		return nil, err
	}
	lags := make(map[string]int64, len(targets))
	for _, target := range targets {
		var total int64
		for _, tenant := range tenants {
			lag, err := st.DeliveryLag(target, tenant)
			if err != nil {
				return nil, err
			}
			total += lag
		}
		lags[target] = total
	}
	return lags, nil
}

// socketMode parses the octal permission string from config; the
// validator already rejected anything unparseable.
func socketMode(perm string) os.FileMode {
	n, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0o600
	}
	return os.FileMode(n)
}
