// probe 通过单个代理建立一次会话，等到第一个 PONG 为止，不修改任何列表文件。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liuproxy_fleet/internal/identity"
	"liuproxy_fleet/internal/session"
	"liuproxy_fleet/internal/shared/config"
	"liuproxy_fleet/internal/shared/logger"
	"liuproxy_fleet/proxypool/model"
)

// dryRunRegistry 只记录结果，不落盘。
type dryRunRegistry struct {
	healthy bool
	cause   error
}

func (r *dryRunRegistry) IsIgnored(model.Endpoint) bool { return false }

func (r *dryRunRegistry) RecordHealthy(model.Endpoint) error {
	r.healthy = true
	return nil
}

func (r *dryRunRegistry) Retire(_ model.Endpoint, cause error) { r.cause = cause }

// pongWatcher cancels the probe as soon as the first PONG has been answered.
type pongWatcher struct {
	cancel context.CancelFunc
	authAt time.Time
	start  time.Time
}

func (w *pongWatcher) StateChanged(model.Endpoint, session.State, session.State) {}

func (w *pongWatcher) MessageHandled(_ model.Endpoint, action string) {
	switch action {
	case session.ActionAuth:
		w.authAt = time.Now()
	case session.ActionPong:
		w.cancel()
	}
}

func (w *pongWatcher) SessionClosed(model.Endpoint, error, bool) {}

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	proxyArg := flag.String("proxy", "", "Proxy to probe, e.g. user:pass@1.2.3.4:1080")
	timeout := flag.Duration("timeout", 90*time.Second, "Give up after this long")
	flag.Parse()

	fmt.Println("--- Fleet single proxy probe ---")
	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}

	ep, err := model.Parse(*proxyArg)
	if err != nil {
		logger.Fatal().Err(err).Str("proxy", *proxyArg).Msg("Invalid -proxy")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	reg := &dryRunRegistry{}
	watcher := &pongWatcher{cancel: cancel, start: time.Now()}
	dialer := session.NewWSDialer(cfg.URL, cfg.ServerName, time.Duration(cfg.HandshakeTimeoutSecs)*time.Second)
	ua := identity.NewUserAgentFactory(cfg.RandomUserAgent, cfg.UserAgent).UserAgent()

	s := session.New(ep, ua, session.Config{
		UserID:            cfg.UserID,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSecs) * time.Second,
		HeartbeatDelay:    time.Duration(cfg.HeartbeatDelayMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.WriteTimeoutSecs) * time.Second,
	}, dialer, reg, watcher)

	logger.Debug().
		Str("url", cfg.URL).
		Str("user_agent", ua).
		Int("heartbeat_secs", cfg.HeartbeatSecs).
		Msg("Probe settings.")
	logger.Info().
		Str("proxy", ep.Redacted()).
		Str("device_id", s.DeviceID()).
		Msg("Probing...")
	runErr := s.Run(ctx)

	switch {
	case reg.healthy:
		logger.Info().
			Str("proxy", ep.Redacted()).
			Str("auth_after", watcher.authAt.Sub(watcher.start).String()).
			Str("pong_after", time.Since(watcher.start).String()).
			Msg("Proxy is healthy.")
	case errors.Is(runErr, context.DeadlineExceeded):
		logger.Warn().Str("proxy", ep.Redacted()).Msg("No PONG before timeout.")
		os.Exit(2)
	default:
		if reg.cause != nil {
			runErr = reg.cause
		}
		logger.Error().Err(runErr).Str("proxy", ep.Redacted()).Msg("Proxy failed.")
		os.Exit(1)
	}
}
