package proxypool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"liuproxy_fleet/internal/shared/logger"
	"liuproxy_fleet/proxypool/model"
	"liuproxy_fleet/proxypool/scraper"
	"liuproxy_fleet/proxypool/storage"
)

// Registry 是代理池的持久化状态: 活动列表、忽略列表和健康列表。
// 三个文件各自由 LineFile 保护自己的读-改-写临界区，可被任意多个会话并发调用。
// 忽略集合在一次运行内单调增长，一旦加入永不移除。
type Registry struct {
	active  *storage.LineFile
	ignored *storage.LineFile
	healthy *storage.LineFile
	sources []scraper.Source

	mu         sync.RWMutex
	ignoredSet map[string]struct{} // key: Endpoint.Key()
}

// Paths groups the three list files the registry manages.
type Paths struct {
	Active  string
	Ignore  string
	Healthy string
}

// NewRegistry 创建 Registry 并把已有的忽略列表读入内存。
func NewRegistry(paths Paths, sources ...scraper.Source) (*Registry, error) {
	r := &Registry{
		active:     storage.NewLineFile(paths.Active),
		ignored:    storage.NewLineFile(paths.Ignore),
		healthy:    storage.NewLineFile(paths.Healthy),
		sources:    sources,
		ignoredSet: make(map[string]struct{}),
	}

	lines, err := r.ignored.ReadLines()
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore list: %w", err)
	}
	for _, line := range lines {
		r.ignoredSet[ignoreKey(line)] = struct{}{}
	}

	l := logger.WithComponent("ProxyPool/Registry")
	l.Info().
		Int("ignored", len(r.ignoredSet)).
		Int("sources", len(sources)).
		Msg("Registry opened.")
	return r, nil
}

// Load 合并本地活动列表和所有远程来源，规范化、去重并排除忽略列表中的代理。
// 单个远程来源失败只会被记录并跳过；只有本地列表读取失败才返回错误。
func (r *Registry) Load(ctx context.Context) ([]model.Endpoint, error) {
	l := logger.WithComponent("ProxyPool/Registry")

	local, err := r.active.ReadLines()
	if err != nil {
		return nil, fmt.Errorf("failed to read active proxy list: %w", err)
	}

	remote := make([][]string, len(r.sources))
	var wg sync.WaitGroup
	for i, s := range r.sources {
		wg.Add(1)
		go func(idx int, src scraper.Source) {
			defer wg.Done()
			lines, err := src.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Remote proxy source failed, skipping.")
				return
			}
			remote[idx] = lines
		}(i, s)
	}
	wg.Wait()

	// 与忽略列表一致，按大小写不敏感的 Key 去重。
	seen := make(map[string]struct{})
	candidates := make([]model.Endpoint, 0, len(local))
	var invalid, skipped, remoteCount int

	merge := func(lines []string) {
		for _, line := range lines {
			ep, err := model.Parse(line)
			if err != nil {
				invalid++
				l.Debug().Str("line", line).Msg("Skipping malformed proxy line.")
				continue
			}
			if _, dup := seen[ep.Key()]; dup {
				continue
			}
			seen[ep.Key()] = struct{}{}
			if r.IsIgnored(ep) {
				skipped++
				continue
			}
			candidates = append(candidates, ep)
		}
	}

	merge(local)
	for _, lines := range remote {
		remoteCount += len(lines)
		merge(lines)
	}

	l.Info().
		Int("local", len(local)).
		Int("remote", remoteCount).
		Int("ignored", skipped).
		Int("invalid", invalid).
		Int("candidates", len(candidates)).
		Msg("Proxy candidates loaded.")
	return candidates, nil
}

// IsIgnored 大小写不敏感地检查代理是否在忽略列表中。
func (r *Registry) IsIgnored(ep model.Endpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ignoredSet[ep.Key()]
	return ok
}

// Ignore 把代理 (不带 scheme) 幂等地追加到忽略列表。
func (r *Registry) Ignore(ep model.Endpoint) error {
	r.mu.Lock()
	r.ignoredSet[ep.Key()] = struct{}{}
	r.mu.Unlock()

	_, err := r.ignored.AppendUnique(ep.String(), func(existing string) bool {
		return ignoreKey(existing) == ep.Key()
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to ignore list: %w", ep.Redacted(), err)
	}
	return nil
}

// Remove 从活动列表中删除代理的所有写法 (带或不带 scheme、大小写不同)，其余行保持原样。
// 列表中不存在该代理时是无操作。
func (r *Registry) Remove(ep model.Endpoint) error {
	removed, err := r.active.RemoveMatching(func(line string) bool {
		parsed, err := model.Parse(line)
		return err == nil && parsed.Key() == ep.Key()
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s from active list: %w", ep.Redacted(), err)
	}
	if removed > 0 {
		l := logger.WithComponent("ProxyPool/Registry")
		l.Info().
			Str("proxy", ep.Redacted()).
			Int("lines", removed).
			Msg("Proxy removed from active list.")
	}
	return nil
}

// RecordHealthy 把完成过 PONG 交换的代理幂等地追加到健康列表。
func (r *Registry) RecordHealthy(ep model.Endpoint) error {
	added, err := r.healthy.AppendUnique(ep.String(), func(existing string) bool {
		return model.StripScheme(existing) == ep.String()
	})
	if err != nil {
		return fmt.Errorf("failed to record %s as healthy: %w", ep.Redacted(), err)
	}
	if added {
		l := logger.WithComponent("ProxyPool/Registry")
		l.Info().
			Str("proxy", ep.Redacted()).
			Msg("Proxy recorded as healthy.")
	}
	return nil
}

// Retire 永久淘汰一个代理: 先加入忽略列表，再从活动列表删除。
// 两步的错误都只记录日志，不会返回给调用方。
func (r *Registry) Retire(ep model.Endpoint, cause error) {
	l := logger.WithComponent("ProxyPool/Registry")
	l.Warn().Err(cause).Str("proxy", ep.Redacted()).Msg("Retiring proxy.")

	if err := r.Ignore(ep); err != nil {
		l.Error().Err(err).Str("proxy", ep.Redacted()).Msg("Failed to update ignore list.")
	}
	if err := r.Remove(ep); err != nil {
		l.Error().Err(err).Str("proxy", ep.Redacted()).Msg("Failed to update active list.")
	}
}

func ignoreKey(line string) string {
	return strings.ToLower(model.StripScheme(strings.TrimSpace(line)))
}
