package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"liuproxy_fleet/internal/identity"
	"liuproxy_fleet/internal/shared/logger"
	"liuproxy_fleet/proxypool/model"
)

// State 是会话生命周期中的阶段。
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Registry is the slice of the proxy registry a session reports to.
type Registry interface {
	IsIgnored(ep model.Endpoint) bool
	RecordHealthy(ep model.Endpoint) error
	Retire(ep model.Endpoint, cause error)
}

// Observer receives lifecycle events. Implementations must be safe for concurrent use.
type Observer interface {
	StateChanged(ep model.Endpoint, from, to State)
	MessageHandled(ep model.Endpoint, action string)
	SessionClosed(ep model.Endpoint, err error, retired bool)
}

type nopObserver struct{}

func (nopObserver) StateChanged(model.Endpoint, State, State) {}
func (nopObserver) MessageHandled(model.Endpoint, string)     {}
func (nopObserver) SessionClosed(model.Endpoint, error, bool) {}

// Config holds the per-session protocol settings.
type Config struct {
	UserID            string
	HeartbeatInterval time.Duration
	HeartbeatDelay    time.Duration
	WriteTimeout      time.Duration
}

// Session 负责一个代理的完整生命周期:
// Connecting → Authenticating → Streaming → Closed(error)。
// 没有成功结束的状态，会话只会因错误而结束，结束时代理被永久淘汰。
type Session struct {
	endpoint  model.Endpoint
	deviceID  string
	userAgent string
	cfg       Config

	dialer   Dialer
	registry Registry
	observer Observer
	logger   zerolog.Logger

	state         atomic.Int32
	lastHeartbeat atomic.Int64

	conn      Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New creates a session for ep. observer may be nil.
func New(ep model.Endpoint, userAgent string, cfg Config, dialer Dialer, registry Registry, observer Observer) *Session {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if observer == nil {
		observer = nopObserver{}
	}
	deviceID := identity.DeviceID(ep)
	return &Session{
		endpoint:  ep,
		deviceID:  deviceID,
		userAgent: userAgent,
		cfg:       cfg,
		dialer:    dialer,
		registry:  registry,
		observer:  observer,
		logger: logger.WithComponent("Session").With().
			Str("proxy", ep.Redacted()).
			Str("device_id", deviceID).
			Logger(),
	}
}

func (s *Session) Endpoint() model.Endpoint { return s.endpoint }
func (s *Session) DeviceID() string         { return s.deviceID }
func (s *Session) UserAgent() string        { return s.userAgent }
func (s *Session) State() State             { return State(s.state.Load()) }

// LastHeartbeat returns when the last PING was written, or the zero time.
func (s *Session) LastHeartbeat() time.Time {
	if ns := s.lastHeartbeat.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// Run drives the session until the transport fails or ctx is cancelled.
// It never returns nil: a session only ends with an error.
// Cancelling ctx closes the connection without retiring the proxy.
func (s *Session) Run(ctx context.Context) error {
	if s.registry.IsIgnored(s.endpoint) {
		s.logger.Debug().Msg("Proxy is on the ignore list, skipping.")
		s.setState(StateClosed)
		return ErrIgnored
	}

	s.setState(StateConnecting)
	s.logger.Info().Str("user_agent", s.userAgent).Msg("Connecting...")

	header := http.Header{}
	header.Set("User-Agent", s.userAgent)
	conn, err := s.dialer.Dial(ctx, s.endpoint, header)
	if err != nil {
		return s.finish(ctx, fmt.Errorf("connect: %w", err))
	}
	s.conn = conn
	s.setState(StateAuthenticating)
	s.logger.Info().Msg("Connected, waiting for AUTH.")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.heartbeatLoop(runCtx) }()
	go func() { errCh <- s.receiveLoop() }()
	go func() {
		// 关闭连接会让阻塞中的 ReadMessage 返回。
		<-runCtx.Done()
		s.closeConn()
	}()

	err = <-errCh
	cancel()
	s.closeConn()
	<-errCh

	return s.finish(ctx, err)
}

func (s *Session) finish(ctx context.Context, err error) error {
	s.setState(StateClosed)

	if ctx.Err() != nil {
		s.logger.Info().Msg("Session stopped by shutdown.")
		s.observer.SessionClosed(s.endpoint, ctx.Err(), false)
		return ctx.Err()
	}

	if errors.Is(err, ErrEmptyConnectReply) {
		s.logger.Warn().Err(err).Msg("Proxy returned an empty connect reply.")
	} else {
		s.logger.Error().Err(err).Msg("Session failed.")
	}
	s.registry.Retire(s.endpoint, err)
	s.observer.SessionClosed(s.endpoint, err, true)
	return err
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.HeartbeatDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		ping := newPing(uuid.NewString())
		if err := s.send(ping); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		s.lastHeartbeat.Store(time.Now().UnixNano())
		s.logger.Debug().Str("id", ping.ID).Msg("PING sent.")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Session) receiveLoop() error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := s.handleMessage(data); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(data []byte) error {
	msg, err := decodeInbound(data)
	if err != nil {
		return err
	}

	switch msg.Action {
	case ActionAuth:
		if msg.ID == "" {
			return fmt.Errorf("%w: AUTH without id", ErrProtocol)
		}
		reply := newAuthReply(msg.ID, authResult{
			BrowserID: s.deviceID,
			UserID:    s.cfg.UserID,
			UserAgent: s.userAgent,
			Timestamp: time.Now().Unix(),
		})
		if err := s.send(reply); err != nil {
			return fmt.Errorf("auth reply: %w", err)
		}
		if s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateStreaming)) {
			s.observer.StateChanged(s.endpoint, StateAuthenticating, StateStreaming)
		}
		s.logger.Info().Str("id", msg.ID).Msg("AUTH answered.")

	case ActionPong:
		if msg.ID == "" {
			return fmt.Errorf("%w: PONG without id", ErrProtocol)
		}
		if err := s.send(newPongReply(msg.ID)); err != nil {
			return fmt.Errorf("pong reply: %w", err)
		}
		s.logger.Debug().Str("id", msg.ID).Msg("PONG answered.")
		if err := s.registry.RecordHealthy(s.endpoint); err != nil {
			s.logger.Error().Err(err).Msg("Failed to record healthy proxy.")
		}

	default:
		s.logger.Debug().Str("action", msg.Action).Str("id", msg.ID).Msg("Ignoring unknown action.")
	}

	s.observer.MessageHandled(s.endpoint, msg.Action)
	return nil
}

// send 序列化并写出一个 JSON 帧。心跳和接收循环共享同一连接，写操作必须互斥。
func (s *Session) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from != to {
		s.observer.StateChanged(s.endpoint, from, to)
	}
}
