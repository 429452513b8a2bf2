package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"liuproxy_fleet/internal/shared/types"
)

// ErrNoUserID 表示既没有 user_id 文件也没有环境变量。
var ErrNoUserID = errors.New("user id is empty")

// Default 返回所有字段都带有默认值的配置。
func Default() *types.Config {
	return &types.Config{
		LogConf: types.LogConf{Level: "info"},
		PoolConf: types.PoolConf{
			ProxyFile:        "proxy_list.txt",
			IgnoreFile:       "ignore_list.txt",
			HealthyFile:      "healthy_proxies.txt",
			UserIDFile:       "user_id.txt",
			RemoteListFile:   "remote_lists.txt",
			FetchTimeoutSecs: 20,
		},
		SessionConf: types.SessionConf{
			RandomUserAgent:      true,
			HandshakeTimeoutSecs: 15,
			HeartbeatSecs:        20,
			HeartbeatDelayMs:     1000,
			WriteTimeoutSecs:     10,
		},
		SupervisorConf: types.SupervisorConf{
			JitterMinMs:       100,
			JitterMaxMs:       1000,
			StatsIntervalSecs: 60,
		},
	}
}

// Load 读取 configDir 下的 fleet.ini，解析相对路径，应用环境变量并读取 user id。
func Load(configDir string) (*types.Config, error) {
	cfg := Default()
	if err := LoadIni(cfg, filepath.Join(configDir, "fleet.ini")); err != nil {
		return nil, err
	}
	ResolvePaths(cfg, configDir)

	if cfg.UserID == "" {
		userID, err := LoadUserID(cfg.UserIDFile)
		if err != nil {
			return nil, err
		}
		cfg.UserID = userID
	}

	lists, err := LoadRemoteLists(cfg.RemoteListFile)
	if err != nil {
		return nil, err
	}
	cfg.RemoteLists = mergeURLs(cfg.RemoteLists, lists)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadIni 把 ini 文件映射到 cfg 上 (cfg 中已有的默认值会被文件中的值覆盖)。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnv(cfg)
	return nil
}

func overrideFromEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.LogConf.Level, "FLEET_LOG_LEVEL")
	overrideFromEnvString(&cfg.SessionConf.URL, "FLEET_SESSION_URL")
	overrideFromEnvString(&cfg.UserID, "FLEET_USER_ID")
	overrideFromEnvInt(&cfg.SupervisorConf.MaxConcurrentDials, "FLEET_MAX_CONCURRENT_DIALS")
}

// ResolvePaths makes every list file path relative to configDir unless already absolute.
func ResolvePaths(cfg *types.Config, configDir string) {
	for _, p := range []*string{
		&cfg.PoolConf.ProxyFile,
		&cfg.PoolConf.IgnoreFile,
		&cfg.PoolConf.HealthyFile,
		&cfg.PoolConf.UserIDFile,
		&cfg.PoolConf.RemoteListFile,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
}

// LoadUserID 读取只包含一个 token 的 user id 文件。
func LoadUserID(fileName string) (string, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return "", fmt.Errorf("failed to read user id file: %w", err)
	}
	userID := strings.TrimSpace(string(data))
	if userID == "" {
		return "", fmt.Errorf("%s: %w", fileName, ErrNoUserID)
	}
	return userID, nil
}

// LoadRemoteLists 读取远程代理列表 URL 文件，每行一个 URL，'#' 开头为注释。
// 文件不存在时返回空列表。
func LoadRemoteLists(fileName string) ([]string, error) {
	if fileName == "" {
		return nil, nil
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read remote list file: %w", err)
	}

	var urls []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, nil
}

// Validate 检查运行所必须的字段。
func Validate(cfg *types.Config) error {
	if cfg.SessionConf.URL == "" {
		return errors.New("session url is not configured")
	}
	u, err := url.Parse(cfg.SessionConf.URL)
	if err != nil {
		return fmt.Errorf("invalid session url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("session url must use ws or wss, got %q", u.Scheme)
	}
	if cfg.UserID == "" {
		return ErrNoUserID
	}
	if cfg.SessionConf.HeartbeatSecs <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", cfg.SessionConf.HeartbeatSecs)
	}
	if cfg.SupervisorConf.JitterMinMs < 0 || cfg.SupervisorConf.JitterMaxMs < cfg.SupervisorConf.JitterMinMs {
		return fmt.Errorf("invalid jitter range [%d, %d]ms", cfg.SupervisorConf.JitterMinMs, cfg.SupervisorConf.JitterMaxMs)
	}
	return nil
}

func mergeURLs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var merged []string
	for _, list := range lists {
		for _, u := range list {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			merged = append(merged, u)
		}
	}
	return merged
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
