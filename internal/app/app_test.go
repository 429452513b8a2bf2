package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"liuproxy_fleet/internal/shared/config"
	"liuproxy_fleet/internal/shared/types"
)

func testConfig(t *testing.T) *types.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	config.ResolvePaths(cfg, dir)
	cfg.URL = "wss://remote.invalid:4650/"
	cfg.UserID = "user-1"
	cfg.JitterMinMs = 1
	cfg.JitterMaxMs = 5
	cfg.StatsIntervalSecs = 0
	cfg.HandshakeTimeoutSecs = 5
	return cfg
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestApp_EmptyPoolReturnsImmediately(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("expected nil error for an empty pool, got %v", err)
	}
}

func TestApp_RetiresUnreachableProxies(t *testing.T) {
	cfg := testConfig(t)
	local := closedAddr(t)
	ignored := closedAddr(t)
	remote := closedAddr(t)

	if err := os.WriteFile(cfg.ProxyFile, []byte(local+"\n"+ignored+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.IgnoreFile, []byte(ignored+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n", remote)
	}))
	defer list.Close()
	cfg.RemoteLists = []string{list.URL}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	st := a.Stats()
	if st.Total != 2 {
		t.Errorf("expected 2 sessions (local + remote, ignored one skipped), got %d", st.Total)
	}
	if st.Retired != 2 {
		t.Errorf("expected both sessions retired, got %d", st.Retired)
	}

	ignoreList := readFile(t, cfg.IgnoreFile)
	for _, want := range []string{local, remote} {
		if !strings.Contains(ignoreList, want) {
			t.Errorf("ignore list missing %s:\n%s", want, ignoreList)
		}
	}
	if active := readFile(t, cfg.ProxyFile); strings.Contains(active, local) {
		t.Errorf("retired proxy still in active list:\n%s", active)
	}
	if healthy := readFile(t, cfg.HealthyFile); healthy != "" {
		t.Errorf("expected no healthy proxies, got %q", healthy)
	}
}

func TestApp_InterruptDoesNotRetire(t *testing.T) {
	cfg := testConfig(t)

	// 接受连接但从不回应 SOCKS 握手。
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	addr := ln.Addr().String()
	if err := os.WriteFile(cfg.ProxyFile, []byte(addr+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if ignoreList := readFile(t, cfg.IgnoreFile); ignoreList != "" {
		t.Errorf("interrupted proxy must not be ignored, got %q", ignoreList)
	}
	if active := readFile(t, cfg.ProxyFile); !strings.Contains(active, addr) {
		t.Errorf("interrupted proxy must stay in the active list, got %q", active)
	}
	if st := a.Stats(); st.Retired != 0 {
		t.Errorf("expected no retirements, got %d", st.Retired)
	}
}

func TestApp_SessionConfigFromIni(t *testing.T) {
	cfg := testConfig(t)
	cfg.HeartbeatSecs = 7
	cfg.HeartbeatDelayMs = 250
	cfg.WriteTimeoutSecs = 3

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sc := a.sessionConfig()
	if sc.UserID != "user-1" || sc.HeartbeatInterval != 7*time.Second ||
		sc.HeartbeatDelay != 250*time.Millisecond || sc.WriteTimeout != 3*time.Second {
		t.Errorf("unexpected session config: %+v", sc)
	}
}

func TestApp_ConfigDirFiles(t *testing.T) {
	cfg := testConfig(t)
	if filepath.Base(cfg.ProxyFile) != "proxy_list.txt" || !filepath.IsAbs(cfg.ProxyFile) {
		t.Errorf("proxy file not resolved against the config dir: %s", cfg.ProxyFile)
	}
}
