package model

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Scheme 是内存工作形式使用的前缀，持久化文件中永远不包含它。
const Scheme = "socks5://"

// ErrInvalidEndpoint 表示一行文本无法解析为 SOCKS5 代理地址。
var ErrInvalidEndpoint = errors.New("invalid proxy endpoint")

// Endpoint 是一个规范化后的 SOCKS5 代理地址: "host:port" 或 "user:pass@host:port"。
// 它本身不带 scheme，URL() 返回带 "socks5://" 前缀的工作形式。
type Endpoint string

// Parse 把一行代理文本规范化为 Endpoint。
// 接受可选的 socks5:// 或 socks5h:// 前缀 (大小写不敏感)，拒绝空行、注释、其它协议和非法端口。
func Parse(raw string) (Endpoint, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", fmt.Errorf("%w: empty line", ErrInvalidEndpoint)
	}
	s = strings.TrimSuffix(StripScheme(s), "/")
	if strings.Contains(s, "://") {
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidEndpoint, raw)
	}

	u, err := url.Parse(Scheme + s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Hostname() == "" || u.Path != "" || u.RawQuery != "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidEndpoint, raw)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, raw)
	}
	return Endpoint(s), nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(raw string) Endpoint {
	ep, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

// StripScheme removes a leading socks5:// or socks5h:// prefix, if any.
func StripScheme(s string) string {
	lower := strings.ToLower(s)
	for _, prefix := range []string{"socks5h://", Scheme} {
		if strings.HasPrefix(lower, prefix) {
			return s[len(prefix):]
		}
	}
	return s
}

// String returns the bare form written to the persisted lists.
func (e Endpoint) String() string { return string(e) }

// URL returns the scheme-prefixed working form.
func (e Endpoint) URL() string { return Scheme + string(e) }

// Key 用于大小写不敏感的集合比较 (忽略列表)。
func (e Endpoint) Key() string { return strings.ToLower(string(e)) }

// Address returns the proxy's "host:port" without credentials.
func (e Endpoint) Address() string {
	u, err := url.Parse(e.URL())
	if err != nil {
		return string(e)
	}
	return net.JoinHostPort(u.Hostname(), u.Port())
}

// Credentials returns the username and password embedded in the endpoint.
func (e Endpoint) Credentials() (user, password string, ok bool) {
	u, err := url.Parse(e.URL())
	if err != nil || u.User == nil {
		return "", "", false
	}
	password, _ = u.User.Password()
	return u.User.Username(), password, true
}

// Redacted 用于日志输出，隐藏密码。
func (e Endpoint) Redacted() string {
	user, _, ok := e.Credentials()
	if !ok {
		return string(e)
	}
	return user + ":***@" + e.Address()
}
