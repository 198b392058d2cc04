package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"binance-perp-guard-go/internal/anomaly"
	"binance-perp-guard-go/internal/api"
	"binance-perp-guard-go/internal/config"
	"binance-perp-guard-go/internal/exchange"
	"binance-perp-guard-go/internal/executor"
	"binance-perp-guard-go/internal/logger"
	"binance-perp-guard-go/internal/marketdata"
	"binance-perp-guard-go/internal/models"
	"binance-perp-guard-go/internal/normalizer"
	"binance-perp-guard-go/internal/notifier"
	"binance-perp-guard-go/internal/oracle"
	"binance-perp-guard-go/internal/persistence"
	"binance-perp-guard-go/internal/reconciler"
	"binance-perp-guard-go/internal/reporter"
	"binance-perp-guard-go/internal/scheduler"

	"github.com/joho/godotenv"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (.json / .yaml)")
	mode := flag.String("mode", "live", "running mode: live or report")
	limit := flag.Int("limit", 50, "number of trades to print in report mode")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	store, err := persistence.Open(cfg.Store)
	if err != nil {
		logger.S().Fatalf("无法打开存储: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.S().Warnf("关闭存储失败: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "live":
		runLiveMode(ctx, cfg, store)
	case "report":
		if err := reporter.Generate(ctx, store, os.Stdout, *limit); err != nil {
			logger.S().Fatalf("生成报告失败: %v", err)
		}
	default:
		logger.S().Fatalf("未知的运行模式: %s。请选择 'live' 或 'report'。", *mode)
	}
}

// runLiveMode 组装引擎并运行到收到退出信号
func runLiveMode(ctx context.Context, cfg *models.Config, store persistence.Store) {
	timeout := time.Duration(cfg.ExchangeTimeoutSec) * time.Second

	// 根据配置设置API URL
	if cfg.IsTestnet {
		cfg.BaseURL, cfg.WSBaseURL = cfg.TestnetAPIURL, cfg.TestnetWSURL
		logger.S().Info("正在使用币安测试网...")
	} else {
		cfg.BaseURL, cfg.WSBaseURL = cfg.LiveAPIURL, cfg.LiveWSURL
		logger.S().Info("正在使用币安生产网...")
	}

	// --- 通知 ---
	var channel notifier.Channel = notifier.LogChannel{Printf: logger.S().Infof}
	if cfg.Telegram.Enabled {
		tg, err := notifier.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.ChatID, "", nil)
		if err != nil {
			logger.S().Fatalf("初始化 Telegram 失败: %v", err)
		}
		channel = tg
	}
	dispatcher := notifier.NewDispatcher(channel, cfg.Telegram.Title, cfg.Telegram.QueueSize, logger.Named("notifier"))
	dispatcher.Start()
	defer dispatcher.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	// --- 交易所 ---
	source := marketdata.NewKlineDownloader(nil)
	var gateway exchange.Gateway
	var market scheduler.MarketData
	mdOpts := marketdata.Options{
		Intervals:   cfg.Intervals,
		Limit:       cfg.KlineLimit,
		Concurrency: cfg.Schedule.FetchConcurrency,
	}
	if cfg.DryRun {
		logger.S().Warn("dry_run 已开启：使用模拟交易所，不会向币安发送任何订单。")
		paper := exchange.NewPaperGateway(cfg.Paper, logger.Named("paper"))
		paper.SetTriggerHandler(dispatcher.NotifyTrigger)
		gateway = paper
		market = &paperPricer{
			Service: marketdata.NewService(source, store, mdOpts, logger.Named("marketdata")),
			paper:   paper,
		}
	} else {
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			logger.S().Fatal("错误：BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置。")
		}
		binance := exchange.NewBinanceGateway(cfg.APIKey, cfg.SecretKey, cfg.BaseURL, timeout, store, logger.Named("binance"))
		source = marketdata.NewKlineDownloader(binance.Client())
		gateway = binance
		market = marketdata.NewService(source, store, mdOpts, logger.Named("marketdata"))

		if cfg.UserStream {
			stream := exchange.NewUserStream(binance, cfg.WSBaseURL, dispatcher.NotifyTrigger, logger.Named("userstream"))
			wg.Add(1)
			go func() {
				defer wg.Done()
				stream.Run(ctx)
			}()
		}
	}

	// --- 执行链路 ---
	norm := normalizer.New(gateway, logger.Named("normalizer"))
	protector := reconciler.New(gateway, norm, timeout, logger.Named("reconciler"))
	exec := executor.New(gateway, norm, protector, store, timeout, logger.Named("executor"))
	decider := oracle.NewClient(cfg.Oracle, store, logger.Named("oracle"))

	// --- 辅助服务 ---
	if cfg.Anomaly.Enabled {
		feed := anomaly.NewFeed(cfg.Anomaly, store, logger.Named("anomaly"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed.Run(ctx)
		}()
	}
	if cfg.API.Enabled {
		server := api.NewServer(cfg.API.Addr, store, logger.Named("api"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx); err != nil {
				logger.S().Errorf("历史接口退出: %v", err)
			}
		}()
	}

	sched := scheduler.New(gateway, market, decider, exec, dispatcher, store,
		scheduler.OptionsFromConfig(cfg), logger.Named("scheduler"))
	sched.Run(ctx)
	logger.S().Info("收到退出信号，正在停止...")
}
