// Package identity derives the synthetic client identity a session presents:
// a stable device id per proxy and a browser user agent per connection.
package identity

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"liuproxy_fleet/proxypool/model"
)

// DefaultUserAgent is used when random user agents are disabled and none is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DeviceID returns a version-3 UUID of the endpoint's socks5:// form in the DNS
// namespace. The same proxy always maps to the same device, within and across runs.
func DeviceID(ep model.Endpoint) string {
	return uuid.NewMD5(uuid.NameSpaceDNS, []byte(ep.URL())).String()
}

// UserAgentFactory hands out the user agent for each new connection.
type UserAgentFactory struct {
	random bool
	fixed  string

	mu  sync.Mutex
	rng *rand.Rand
}

// NewUserAgentFactory returns a factory producing either fixed or freshly randomized strings.
func NewUserAgentFactory(random bool, fixed string) *UserAgentFactory {
	if fixed == "" {
		fixed = DefaultUserAgent
	}
	return &UserAgentFactory{
		random: random,
		fixed:  fixed,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// UserAgent returns the string to send with the next connection.
func (f *UserAgentFactory) UserAgent() string {
	if !f.random {
		return f.fixed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return randomUserAgent(f.rng)
}

var (
	windowsPlatforms = []string{
		"Windows NT 10.0; Win64; x64",
		"Windows NT 10.0; WOW64",
	}
	macPlatforms = []string{
		"Macintosh; Intel Mac OS X 10_15_7",
		"Macintosh; Intel Mac OS X 13_6_7",
		"Macintosh; Intel Mac OS X 14_5",
	}
	linuxPlatforms = []string{
		"X11; Linux x86_64",
		"X11; Ubuntu; Linux x86_64",
	}
)

func pick(rng *rand.Rand, items []string) string {
	return items[rng.IntN(len(items))]
}

func between(rng *rand.Rand, lo, hi int) int {
	return lo + rng.IntN(hi-lo+1)
}

func desktopPlatform(rng *rand.Rand) string {
	switch rng.IntN(10) {
	case 0, 1, 2, 3, 4, 5:
		return pick(rng, windowsPlatforms)
	case 6, 7, 8:
		return pick(rng, macPlatforms)
	default:
		return pick(rng, linuxPlatforms)
	}
}

// randomUserAgent builds a desktop browser string weighted roughly by market share.
func randomUserAgent(rng *rand.Rand) string {
	switch n := rng.IntN(100); {
	case n < 60:
		major := between(rng, 118, 131)
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.%d.%d Safari/537.36",
			desktopPlatform(rng), major, between(rng, 5900, 6800), between(rng, 50, 220))
	case n < 75:
		major := between(rng, 118, 131)
		build := between(rng, 2000, 2900)
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36 Edg/%d.0.%d.%d",
			pick(rng, windowsPlatforms), major, major, build, between(rng, 30, 120))
	case n < 90:
		major := between(rng, 115, 133)
		platform := desktopPlatform(rng)
		return fmt.Sprintf("Mozilla/5.0 (%s; rv:%d.0) Gecko/20100101 Firefox/%d.0", platform, major, major)
	default:
		minor := between(rng, 0, 6)
		return fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.%d Safari/605.1.15",
			pick(rng, macPlatforms), minor)
	}
}
