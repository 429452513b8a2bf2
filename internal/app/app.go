package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"liuproxy_fleet/internal/identity"
	"liuproxy_fleet/internal/metrics"
	"liuproxy_fleet/internal/session"
	"liuproxy_fleet/internal/shared"
	"liuproxy_fleet/internal/shared/logger"
	"liuproxy_fleet/internal/shared/types"
	"liuproxy_fleet/internal/supervisor"
	"liuproxy_fleet/proxypool"
	"liuproxy_fleet/proxypool/model"
	"liuproxy_fleet/proxypool/scraper"
)

// App 把配置、代理注册表、身份工厂、拨号器和 supervisor 组装在一起。
type App struct {
	cfg *types.Config

	registry   *proxypool.Registry
	metrics    *metrics.Collector
	supervisor *supervisor.Supervisor
	dialer     session.Dialer
	userAgents *identity.UserAgentFactory
}

// New builds every component from cfg. Nothing touches the network until Run.
func New(cfg *types.Config) (*App, error) {
	fetchTimeout := time.Duration(cfg.FetchTimeoutSecs) * time.Second
	sources := make([]scraper.Source, 0, len(cfg.RemoteLists))
	for _, u := range cfg.RemoteLists {
		sources = append(sources, scraper.NewRemoteListSource(u, fetchTimeout))
	}

	registry, err := proxypool.NewRegistry(proxypool.Paths{
		Active:  cfg.ProxyFile,
		Ignore:  cfg.IgnoreFile,
		Healthy: cfg.HealthyFile,
	}, sources...)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		registry:   registry,
		metrics:    metrics.New(),
		userAgents: identity.NewUserAgentFactory(cfg.RandomUserAgent, cfg.UserAgent),
	}

	traffic := &shared.TrafficMeter{}
	a.metrics.WatchTraffic(traffic)
	wsDialer := session.NewWSDialer(cfg.URL, cfg.ServerName, time.Duration(cfg.HandshakeTimeoutSecs)*time.Second).
		WithTraffic(traffic)
	a.dialer = supervisor.LimitDials(wsDialer, cfg.MaxConcurrentDials)

	a.supervisor = supervisor.New(supervisor.Config{
		JitterMin:     time.Duration(cfg.JitterMinMs) * time.Millisecond,
		JitterMax:     time.Duration(cfg.JitterMaxMs) * time.Millisecond,
		StatsInterval: time.Duration(cfg.StatsIntervalSecs) * time.Second,
		Retirer:       registry,
		Observers:     []session.Observer{a.metrics},
	}, a.newSession)
	return a, nil
}

func (a *App) newSession(ep model.Endpoint, obs session.Observer) supervisor.Runner {
	return session.New(ep, a.userAgents.UserAgent(), a.sessionConfig(), a.dialer, a.registry, obs)
}

func (a *App) sessionConfig() session.Config {
	return session.Config{
		UserID:            a.cfg.UserID,
		HeartbeatInterval: time.Duration(a.cfg.HeartbeatSecs) * time.Second,
		HeartbeatDelay:    time.Duration(a.cfg.HeartbeatDelayMs) * time.Millisecond,
		WriteTimeout:      time.Duration(a.cfg.WriteTimeoutSecs) * time.Second,
	}
}

// Registry exposes the proxy registry, mainly for tests and tooling.
func (a *App) Registry() *proxypool.Registry { return a.registry }

// Stats returns the supervisor's current counters.
func (a *App) Stats() supervisor.Stats { return a.supervisor.Snapshot() }

// Run loads the proxy pool and keeps one session per proxy alive until ctx
// is cancelled or every session has been retired. A cancelled ctx is a clean
// shutdown and yields a nil error.
func (a *App) Run(ctx context.Context) error {
	l := logger.WithComponent("App")

	endpoints, err := a.registry.Load(ctx)
	if err != nil {
		return err
	}
	a.metrics.SetCandidates(len(endpoints))
	if len(endpoints) == 0 {
		l.Warn().Str("proxy_file", a.cfg.ProxyFile).Msg("No usable proxies, nothing to do.")
		return nil
	}
	l.Info().Int("proxies", len(endpoints)).Str("url", a.cfg.URL).Msg("Starting fleet.")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.cfg.Listen != "" {
		g.Go(func() error {
			return a.metrics.Serve(gctx, a.cfg.Listen)
		})
	}
	g.Go(func() error {
		// 所有会话都结束后，关闭 metrics 监听。
		defer cancel()
		return a.supervisor.Run(gctx, endpoints)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		l.Info().Msg("Fleet stopped by signal.")
		return nil
	}
	if err != nil {
		return err
	}
	l.Info().Msg("Every session has ended.")
	return nil
}
