package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"liuproxy_fleet/internal/app"
	"liuproxy_fleet/internal/shared/config"
	"liuproxy_fleet/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	// 1. 加载 fleet.ini、user id 和远程列表
	cfg, err := config.Load(*configDir)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config from '%s': %v\n", *configDir, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. SIGINT/SIGTERM 取消根 context，会话关闭连接但不淘汰代理
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. 创建并运行
	fleet, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize fleet")
	}
	if err := fleet.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Fleet exited with error")
	}
}
