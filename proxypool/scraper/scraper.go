package scraper

import "context"

// Source 接口定义了一个远程代理列表来源。
type Source interface {
	// Scrape 拉取来源并返回原始的代理行 (可能带 socks5:// 前缀，也可能包含无效行)。
	// 实现者只负责抓取和初步提取，规范化和去重由 Registry 完成。
	Scrape(ctx context.Context) ([]string, error)

	// Name 返回来源的名称，用于日志记录。
	Name() string
}
