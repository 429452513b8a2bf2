package scraper

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"liuproxy_fleet/internal/shared/logger"
)

const maxListBytes = 16 << 20

var (
	endpointPattern = regexp.MustCompile(`(?i)(?:socks5h?://)?(?:[^\s:@/<>"']+:[^\s:@/<>"']+@)?[a-z0-9][a-z0-9.\-]*:\d{1,5}\b`)
	digitsPattern   = regexp.MustCompile(`^\d{1,5}$`)
)

// RemoteListSource 拉取一个以换行分隔的远程代理列表。
// 如果对方返回 HTML 页面，则用 goquery 从表格和正文中提取 host:port。
type RemoteListSource struct {
	url       string
	userAgent string
	client    *http.Client
}

// NewRemoteListSource 创建一个新的实例
func NewRemoteListSource(listURL string, timeout time.Duration) *RemoteListSource {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RemoteListSource{
		url:       listURL,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (s *RemoteListSource) Name() string {
	if u, err := url.Parse(s.url); err == nil && u.Host != "" {
		return u.Host + u.Path
	}
	return s.url
}

func (s *RemoteListSource) Scrape(ctx context.Context) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Source")
	l.Debug().Str("source", s.Name()).Msg("Fetching remote proxy list...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read body from %s: %w", s.Name(), err)
	}

	var lines []string
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
		lines, err = extractFromHTML(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
		}
	} else {
		lines = splitPlain(body)
	}

	l.Info().Int("count", len(lines)).Str("source", s.Name()).Msg("Remote list fetched.")
	return lines, nil
}

func splitPlain(body []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// extractFromHTML 处理两种常见页面: "IP | 端口" 分列的表格，以及正文/pre 中的 host:port 文本。
func extractFromHTML(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var lines []string
	add := func(candidate string) {
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		lines = append(lines, candidate)
	}

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		host := strings.TrimSpace(cells.Eq(0).Text())
		port := strings.TrimSpace(cells.Eq(1).Text())
		if host != "" && !strings.Contains(host, ":") && digitsPattern.MatchString(port) {
			add(host + ":" + port)
		}
	})

	doc.Find("table").Remove()
	for _, match := range endpointPattern.FindAllString(doc.Find("body").Text(), -1) {
		add(match)
	}
	return lines, nil
}
