package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exit1dev/monitor/internal/aggregate"
	"github.com/exit1dev/monitor/internal/alert"
	"github.com/exit1dev/monitor/internal/api"
	"github.com/exit1dev/monitor/internal/buildinfo"
	"github.com/exit1dev/monitor/internal/config"
	"github.com/exit1dev/monitor/internal/dnscache"
	"github.com/exit1dev/monitor/internal/enrich"
	"github.com/exit1dev/monitor/internal/metrics"
	"github.com/exit1dev/monitor/internal/model"
	"github.com/exit1dev/monitor/internal/probe"
	"github.com/exit1dev/monitor/internal/sched"
	"github.com/exit1dev/monitor/internal/store"
)

type workerApp struct {
	envCfg     *config.EnvConfig
	runtimeCfg *atomic.Pointer[config.RuntimeConfig]

	store      *store.Store
	replay     *store.ReplayQueue
	metrics    *metrics.Metrics
	resolver   *dnscache.Resolver
	geoSvc     *enrich.GeoService
	dispatcher *alert.Dispatcher
	scheduler  *sched.Scheduler
	aggregator *aggregate.Aggregator
	apiSrv     *api.Server

	schedStop chan struct{}
	schedWG   sync.WaitGroup
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	app, err := newWorkerApp(envCfg)
	if err != nil {
		return err
	}
	log.Printf("Worker %s starting in region %s (version %s)",
		envCfg.WorkerID, envCfg.Region, buildinfo.Version)

	app.startBackgroundServices()
	serverErrCh := app.startAPIServer()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newWorkerApp(envCfg *config.EnvConfig) (*workerApp, error) {
	app := &workerApp{
		envCfg:     envCfg,
		runtimeCfg: &atomic.Pointer[config.RuntimeConfig]{},
		schedStop:  make(chan struct{}),
	}
	app.runtimeCfg.Store(config.NewDefaultRuntimeConfig())

	if err := app.openPersistence(); err != nil {
		return nil, err
	}
	app.metrics = metrics.New()

	sink := app.buildSink()
	app.buildResolver()
	engine := app.buildProbeEngine()
	enricher, err := app.buildEnricher()
	if err != nil {
		return nil, err
	}
	app.buildDispatcher()

	app.scheduler = sched.New(sched.Config{
		Store:        app.store,
		Sink:         sink,
		Engine:       engine,
		Enricher:     enricher,
		Dispatcher:   app.dispatcher,
		Metrics:      app.metrics,
		Region:       envCfg.Region,
		HolderID:     envCfg.WorkerID,
		TickInterval: envCfg.TickInterval,
		LockLease:    envCfg.LockLease,
		BatchSize:    envCfg.BatchLimit,
		Concurrency:  envCfg.Concurrency,
	})

	app.aggregator = aggregate.New(aggregate.Config{
		Store:        app.store,
		Sink:         sink,
		Metrics:      app.metrics,
		Schedule:     envCfg.RollupSchedule,
		LookbackDays: envCfg.RollupLookbackDays,
	})

	app.apiSrv = api.NewServer(api.ServerConfig{
		ListenAddress: envCfg.ListenAddress,
		Port:          envCfg.APIPort,
		AdminToken:    envCfg.AdminToken,
		DefaultRegion: envCfg.Region,
		Store:         app.store,
		Prober:        app.scheduler,
		Dispatcher:    app.dispatcher,
		Metrics:       app.metrics,
	})
	return app, nil
}

func (a *workerApp) snapshot() *config.RuntimeConfig {
	return a.runtimeCfg.Load()
}

func (a *workerApp) openPersistence() error {
	if err := os.MkdirAll(a.envCfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(a.envCfg.DataDir, "monitor.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	st.SetStateUpdateRetries(func() int { return a.snapshot().StateUpdateMaxRetries })

	replay, err := store.OpenReplayQueue(filepath.Join(a.envCfg.DataDir, "replay.jsonl"))
	if err != nil {
		st.Close()
		return err
	}
	a.replay = replay
	log.Println("Persistence bootstrap complete")
	return nil
}

func (a *workerApp) buildSink() *store.Sink {
	return store.NewSink(a.store, a.replay, store.SinkConfig{
		MaxRetries: func() int { return a.snapshot().AppendMaxRetries },
		OnParked: func(depth int) {
			a.metrics.ReplayQueueDepth.Set(float64(depth))
		},
	})
}

func (a *workerApp) buildResolver() {
	a.resolver = dnscache.New(dnscache.Config{
		Servers:              a.envCfg.DNSServers,
		PositiveTTL:          func() time.Duration { return time.Duration(a.snapshot().DNSPositiveTTL) },
		NegativePermanentTTL: func() time.Duration { return time.Duration(a.snapshot().DNSNegativePermanentTTL) },
		NegativeTransientTTL: func() time.Duration { return time.Duration(a.snapshot().DNSNegativeTransientTTL) },
		QueryTimeout:         func() time.Duration { return time.Duration(a.snapshot().DNSQueryTimeout) },
		MaxRetries:           func() int { return a.snapshot().DNSMaxRetries },
		RetryBackoff: func() []time.Duration {
			return config.Durations(a.snapshot().DNSRetryBackoff)
		},
		OnRetryRecovered: a.metrics.DNSRetryRecovered.Inc,
	})
}

func (a *workerApp) buildProbeEngine() *probe.Engine {
	return probe.NewEngine(probe.EngineConfig{
		Resolver:         a.resolver,
		UserAgent:        func() string { return a.snapshot().UserAgent },
		ConnectTimeout:   func() time.Duration { return time.Duration(a.snapshot().ConnectTimeout) },
		TotalTimeout:     func() time.Duration { return time.Duration(a.snapshot().TotalTimeout) },
		MaxRedirects:     func() int { return a.snapshot().MaxRedirects },
		MaxResponseBytes: func() int64 { return a.snapshot().MaxResponseBytes },
	})
}

func (a *workerApp) buildEnricher() (*enrich.Enricher, error) {
	a.geoSvc = enrich.NewGeoService(enrich.GeoConfig{
		Dir:            a.envCfg.GeoIPDir,
		CityFile:       a.envCfg.GeoIPCityDB,
		ASNFile:        a.envCfg.GeoIPASNDB,
		ReloadSchedule: a.envCfg.GeoIPReloadSchedule,
	})
	rules, err := enrich.LoadCDNRules(a.envCfg.CDNRulesPath)
	if err != nil {
		return nil, err
	}
	return enrich.New(a.geoSvc, rules), nil
}

func (a *workerApp) buildDispatcher() {
	senders := map[model.Channel]alert.Sender{
		model.ChannelWebhook: alert.NewWebhookSender(alert.WebhookConfig{
			Timeout: func() time.Duration { return time.Duration(a.snapshot().WebhookTimeout) },
			Backoff: func() []time.Duration {
				return config.Durations(a.snapshot().WebhookBackoff)
			},
		}),
	}
	if a.envCfg.EmailProviderURL != "" {
		senders[model.ChannelEmail] = alert.NewEmailSender(alert.ProviderConfig{
			URL:    a.envCfg.EmailProviderURL,
			APIKey: a.envCfg.EmailProviderKey,
			From:   a.envCfg.EmailFrom,
		})
	}
	if a.envCfg.SMSProviderURL != "" {
		senders[model.ChannelSMS] = alert.NewSMSSender(alert.ProviderConfig{
			URL:    a.envCfg.SMSProviderURL,
			APIKey: a.envCfg.SMSProviderKey,
		})
	}
	a.dispatcher = alert.NewDispatcher(alert.Config{
		Store:       a.store,
		Metrics:     a.metrics,
		Senders:     senders,
		DedupWindow: time.Duration(a.snapshot().AlertDedupWindow),
	})
}

func (a *workerApp) startBackgroundServices() {
	a.resolver.Start()
	log.Println("DNS resolver started")

	if err := a.geoSvc.Start(); err != nil {
		log.Printf("GeoIP service start: %v", err)
	}
	log.Println("GeoIP service started")

	a.aggregator.Start()
	log.Println("Aggregator started")

	a.schedWG.Add(1)
	go func() {
		defer a.schedWG.Done()
		a.scheduler.Run(context.Background(), a.schedStop)
	}()
	log.Println("Scheduler started")
}

func (a *workerApp) startAPIServer() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("API server starting on %s:%d", a.envCfg.ListenAddress, a.envCfg.APIPort)
		err := a.apiSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

func (a *workerApp) shutdown(ctx context.Context) {
	if err := a.apiSrv.Shutdown(ctx); err != nil {
		log.Printf("API server shutdown error: %v", err)
	}
	log.Println("API server stopped")

	// Stop event sources first, then sinks, then persistence.
	close(a.schedStop)
	a.schedWG.Wait()
	log.Println("Scheduler stopped")

	a.aggregator.Stop()
	log.Println("Aggregator stopped")

	a.dispatcher.Close()
	log.Println("Alert dispatcher stopped")

	a.geoSvc.Stop()
	log.Println("GeoIP service stopped")

	a.resolver.Stop()
	log.Println("DNS resolver stopped")

	if err := a.store.Close(); err != nil {
		log.Printf("Store close error: %v", err)
	}
	log.Println("Server stopped")
}
