package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"liuproxy_fleet/internal/shared"
	"liuproxy_fleet/proxypool/model"
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the session transport through one proxy.
type Dialer interface {
	Dial(ctx context.Context, ep model.Endpoint, header http.Header) (Conn, error)
}

// WSDialer 通过 SOCKS5 代理建立到远端服务的 WebSocket 连接。
// 远端证书不做校验 (既不校验主机名也不校验证书链)。
type WSDialer struct {
	url              string
	serverName       string
	handshakeTimeout time.Duration
	forward          proxy.Dialer
	traffic          *shared.TrafficMeter
}

// NewWSDialer creates a dialer for urlStr. An empty serverName uses the URL host for SNI.
func NewWSDialer(urlStr, serverName string, handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &WSDialer{
		url:              urlStr,
		serverName:       serverName,
		handshakeTimeout: handshakeTimeout,
		forward:          &net.Dialer{Timeout: handshakeTimeout, KeepAlive: 30 * time.Second},
	}
}

// WithTraffic counts every byte exchanged with the proxies in m.
func (d *WSDialer) WithTraffic(m *shared.TrafficMeter) *WSDialer {
	d.traffic = m
	return d
}

func (d *WSDialer) Dial(ctx context.Context, ep model.Endpoint, header http.Header) (Conn, error) {
	var auth *proxy.Auth
	if user, password, ok := ep.Credentials(); ok {
		auth = &proxy.Auth{User: user, Password: password}
	}
	socks, err := proxy.SOCKS5("tcp", ep.Address(), auth, d.forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	ctxDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := ctxDialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, classifyProxyError(err)
			}
			return d.traffic.Wrap(conn), nil
		},
		TLSClientConfig: &tls.Config{
			ServerName:         d.serverName,
			InsecureSkipVerify: true,
		},
	}

	ws, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return ws, nil
}

// classifyProxyError 把 "代理直接关闭连接" 识别为 ErrEmptyConnectReply。
func classifyProxyError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrEmptyConnectReply, err)
	}
	return err
}
