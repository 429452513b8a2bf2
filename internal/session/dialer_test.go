package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"liuproxy_fleet/internal/identity"
	"liuproxy_fleet/internal/shared"
	"liuproxy_fleet/proxypool/model"
)

// startSocks5 runs a minimal SOCKS5 CONNECT proxy for the test's lifetime.
// With a non-empty user it requires username/password authentication.
func startSocks5(t *testing.T, user, pass string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSocks5(conn, user, pass)
		}
	}()
	return ln.Addr().String()
}

func serveSocks5(conn net.Conn, user, pass string) {
	defer conn.Close()
	buf := make([]byte, 256)

	if _, err := io.ReadFull(conn, buf[:2]); err != nil || buf[0] != 5 {
		return
	}
	if _, err := io.ReadFull(conn, buf[:buf[1]]); err != nil {
		return
	}
	if user == "" {
		conn.Write([]byte{5, 0})
	} else {
		conn.Write([]byte{5, 2})
		if _, err := io.ReadFull(conn, buf[:2]); err != nil {
			return
		}
		gotUser := make([]byte, buf[1])
		io.ReadFull(conn, gotUser)
		io.ReadFull(conn, buf[:1])
		gotPass := make([]byte, buf[0])
		io.ReadFull(conn, gotPass)
		if string(gotUser) != user || string(gotPass) != pass {
			conn.Write([]byte{1, 1})
			return
		}
		conn.Write([]byte{1, 0})
	}

	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return
	}
	var host string
	switch buf[3] {
	case 1:
		io.ReadFull(conn, buf[:4])
		host = net.IP(buf[:4]).String()
	case 3:
		io.ReadFull(conn, buf[:1])
		name := make([]byte, buf[0])
		io.ReadFull(conn, name)
		host = string(name)
	case 4:
		io.ReadFull(conn, buf[:16])
		host = net.IP(buf[:16]).String()
	default:
		return
	}
	io.ReadFull(conn, buf[:2])
	port := binary.BigEndian.Uint16(buf[:2])

	target, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		conn.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer target.Close()
	conn.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(target, conn); target.Close() }()
	go func() { defer wg.Done(); io.Copy(conn, target); conn.Close() }()
	wg.Wait()
}

// startEmptyReplyProxy accepts connections, reads the SOCKS greeting and hangs up without answering.
func startEmptyReplyProxy(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 2)
			if _, err := io.ReadFull(conn, buf); err == nil {
				io.ReadFull(conn, make([]byte, buf[1]))
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

type serverExchange struct {
	userAgent string
	auth      map[string]any
	pong      string
}

// startRemote serves one protocol exchange per connection: AUTH, then PONG, then close.
func startRemote(t *testing.T) (string, <-chan serverExchange) {
	t.Helper()
	results := make(chan serverExchange, 4)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ex := serverExchange{userAgent: r.Header.Get("User-Agent")}

		// readReply skips heartbeat PINGs until the wanted reply arrives.
		readReply := func(origin string) ([]byte, bool) {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return nil, false
				}
				var msg map[string]any
				if json.Unmarshal(data, &msg) == nil && msg["origin_action"] == origin {
					return data, true
				}
			}
		}

		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","action":"AUTH"}`))
		data, ok := readReply("AUTH")
		if !ok {
			return
		}
		json.Unmarshal(data, &ex.auth)

		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"2","action":"PONG"}`))
		data, ok = readReply("PONG")
		if !ok {
			return
		}
		ex.pong = string(data)
		results <- ex
	}))
	t.Cleanup(srv.Close)

	return "wss://" + srv.Listener.Addr().String() + "/", results
}

func TestWSDialer_EndToEndThroughSocks5(t *testing.T) {
	remoteURL, results := startRemote(t)
	proxyAddr := startSocks5(t, "alice", "s3cret")
	ep := model.MustParse("socks5://alice:s3cret@" + proxyAddr)
	fx := newRegistryFixture(t, ep.String()+"\n", "")

	cfg := testConfig()
	cfg.HeartbeatDelay = 0
	cfg.HeartbeatInterval = 50 * time.Millisecond
	meter := &shared.TrafficMeter{}
	s := New(ep, "e2e-agent", cfg, NewWSDialer(remoteURL, "", 5*time.Second).WithTraffic(meter), fx.registry, nil)

	done := startSession(context.Background(), s)

	var ex serverExchange
	select {
	case ex = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("remote did not complete the exchange")
	}

	if ex.userAgent != "e2e-agent" {
		t.Errorf("expected User-Agent 'e2e-agent', got %q", ex.userAgent)
	}
	result, _ := ex.auth["result"].(map[string]any)
	if result["browser_id"] != identity.DeviceID(ep) || result["user_id"] != "user-token" {
		t.Errorf("unexpected AUTH result: %v", ex.auth)
	}
	if ex.pong != `{"id":"2","origin_action":"PONG"}` {
		t.Errorf("unexpected PONG reply: %s", ex.pong)
	}

	// The remote hangs up after the exchange, which ends and retires the session.
	if err := waitDone(t, done); err == nil {
		t.Fatal("Run() returned nil")
	}
	if !contains(fx.lines(t, fx.paths.Healthy), ep.String()) {
		t.Error("expected proxy on the healthy list")
	}
	if !fx.registry.IsIgnored(ep) {
		t.Error("expected proxy to be retired after the remote closed")
	}
	if meter.Sent() == 0 || meter.Received() == 0 {
		t.Errorf("expected tunnel traffic to be counted, got sent=%d received=%d", meter.Sent(), meter.Received())
	}
}

func TestWSDialer_WrongCredentials(t *testing.T) {
	remoteURL, _ := startRemote(t)
	proxyAddr := startSocks5(t, "alice", "s3cret")
	ep := model.MustParse("alice:wrong@" + proxyAddr)

	_, err := NewWSDialer(remoteURL, "", 2*time.Second).Dial(context.Background(), ep, http.Header{})
	if err == nil {
		t.Fatal("expected an authentication failure")
	}
}

func TestWSDialer_EmptyConnectReply(t *testing.T) {
	remoteURL, _ := startRemote(t)
	ep := model.MustParse(startEmptyReplyProxy(t))

	_, err := NewWSDialer(remoteURL, "", 2*time.Second).Dial(context.Background(), ep, http.Header{})
	if !errors.Is(err, ErrEmptyConnectReply) {
		t.Fatalf("expected ErrEmptyConnectReply, got %v", err)
	}
}

func TestWSDialer_UnreachableProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewWSDialer("wss://127.0.0.1:1/", "", time.Second).Dial(context.Background(), model.MustParse(addr), http.Header{})
	if err == nil || errors.Is(err, ErrEmptyConnectReply) {
		t.Fatalf("expected a plain dial error, got %v", err)
	}
	if !strings.Contains(err.Error(), "websocket dial failed") {
		t.Errorf("unexpected error text: %v", err)
	}
}
