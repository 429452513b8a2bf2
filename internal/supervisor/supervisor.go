package supervisor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"liuproxy_fleet/internal/session"
	"liuproxy_fleet/internal/shared/logger"
	"liuproxy_fleet/proxypool/model"
)

// Runner is one proxy's session as seen by the supervisor.
type Runner interface {
	Run(ctx context.Context) error
	State() session.State
}

// Factory builds the runner for ep. obs must be passed to the session so the
// supervisor can keep its counters.
type Factory func(ep model.Endpoint, obs session.Observer) Runner

// Retirer is called when a session goroutine panics.
type Retirer interface {
	Retire(ep model.Endpoint, cause error)
}

// Config 控制会话的启动节奏。
type Config struct {
	JitterMin     time.Duration
	JitterMax     time.Duration
	StatsInterval time.Duration // 0 关闭周期性统计日志
	Retirer       Retirer
	Observers     []session.Observer // 额外的观察者，例如 metrics
}

// Supervisor 为每个代理启动一个独立的会话 goroutine，并等待它们全部结束。
// 一个会话的失败 (包括 panic) 不会影响其它会话。
type Supervisor struct {
	cfg     Config
	factory Factory
	stats   *statsObserver

	mu       sync.Mutex
	sessions map[model.Endpoint]Runner

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a supervisor.
func New(cfg Config, factory Factory) *Supervisor {
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		stats:    &statsObserver{next: cfg.Observers},
		sessions: make(map[model.Endpoint]Runner),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Run launches one session per distinct endpoint and blocks until all of them
// have ended. Sessions only end on error, so in a healthy pool Run returns
// only after ctx is cancelled; it then returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context, endpoints []model.Endpoint) error {
	l := logger.WithComponent("Supervisor")

	var wg sync.WaitGroup
	launched := 0
	for _, ep := range endpoints {
		runner, ok := s.track(ep)
		if !ok {
			continue
		}
		launched++
		wg.Add(1)
		go func(ep model.Endpoint, runner Runner) {
			defer wg.Done()
			s.runOne(ctx, ep, runner)
		}(ep, runner)
	}
	l.Info().Int("sessions", launched).Msg("Sessions launched.")

	statsDone := make(chan struct{})
	if s.cfg.StatsInterval > 0 {
		go s.statsLoop(statsDone)
	}
	wg.Wait()
	close(statsDone)

	st := s.Snapshot()
	l.Info().
		Int64("retired", st.Retired).
		Int64("stopped", st.Stopped).
		Int64("panics", st.Panics).
		Msg("All sessions finished.")
	return ctx.Err()
}

func (s *Supervisor) track(ep model.Endpoint) (Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[ep]; exists {
		return nil, false
	}
	runner := s.factory(ep, s.stats)
	s.sessions[ep] = runner
	return runner, true
}

func (s *Supervisor) runOne(ctx context.Context, ep model.Endpoint, runner Runner) {
	l := logger.WithComponent("Supervisor")
	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			err := fmt.Errorf("session panic: %v", r)
			l.Error().Err(err).Str("proxy", ep.Redacted()).Msg("Session crashed.")
			if s.cfg.Retirer != nil {
				s.cfg.Retirer.Retire(ep, err)
			}
		}
	}()

	timer := time.NewTimer(s.jitter())
	select {
	case <-ctx.Done():
		timer.Stop()
		return
	case <-timer.C:
	}

	err := runner.Run(ctx)
	l.Debug().Err(err).Str("proxy", ep.Redacted()).Msg("Session ended.")
}

// jitter 返回 [JitterMin, JitterMax] 之间的随机延迟，避免所有连接同时打到远端。
func (s *Supervisor) jitter() time.Duration {
	span := s.cfg.JitterMax - s.cfg.JitterMin
	if span <= 0 {
		return s.cfg.JitterMin
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.cfg.JitterMin + time.Duration(s.rng.Int64N(int64(span)+1))
}

func (s *Supervisor) statsLoop(done <-chan struct{}) {
	l := logger.WithComponent("Supervisor")
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			st := s.Snapshot()
			l.Info().
				Int("total", st.Total).
				Int("connecting", st.ByState[session.StateConnecting]).
				Int("authenticating", st.ByState[session.StateAuthenticating]).
				Int("streaming", st.ByState[session.StateStreaming]).
				Int("closed", st.ByState[session.StateClosed]).
				Int64("auth", st.Auth).
				Int64("pong", st.Pong).
				Int64("retired", st.Retired).
				Msg("Pool status.")
		}
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Total   int
	ByState map[session.State]int
	Auth    int64
	Pong    int64
	Retired int64
	Stopped int64
	Panics  int64
}

// Snapshot counts sessions by state along with the running event totals.
func (s *Supervisor) Snapshot() Stats {
	st := Stats{ByState: make(map[session.State]int)}
	s.mu.Lock()
	for _, r := range s.sessions {
		st.ByState[r.State()]++
	}
	st.Total = len(s.sessions)
	s.mu.Unlock()

	st.Auth = s.stats.auth.Load()
	st.Pong = s.stats.pong.Load()
	st.Retired = s.stats.retired.Load()
	st.Stopped = s.stats.stopped.Load()
	st.Panics = s.stats.panics.Load()
	return st
}

// statsObserver 统计会话事件并转发给其它观察者。
type statsObserver struct {
	auth, pong, retired, stopped, panics atomic.Int64
	next                                 []session.Observer
}

func (o *statsObserver) StateChanged(ep model.Endpoint, from, to session.State) {
	for _, n := range o.next {
		n.StateChanged(ep, from, to)
	}
}

func (o *statsObserver) MessageHandled(ep model.Endpoint, action string) {
	switch action {
	case session.ActionAuth:
		o.auth.Add(1)
	case session.ActionPong:
		o.pong.Add(1)
	}
	for _, n := range o.next {
		n.MessageHandled(ep, action)
	}
}

func (o *statsObserver) SessionClosed(ep model.Endpoint, err error, retired bool) {
	if retired {
		o.retired.Add(1)
	} else {
		o.stopped.Add(1)
	}
	for _, n := range o.next {
		n.SessionClosed(ep, err, retired)
	}
}
