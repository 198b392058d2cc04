package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"binance-perp-guard-go/internal/models"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultLiveAPIURL    = "https://fapi.binance.com"
	defaultLiveWSURL     = "wss://fstream.binance.com"
	defaultTestnetAPIURL = "https://testnet.binancefuture.com"
	defaultTestnetWSURL  = "wss://stream.binancefuture.com"
)

// LoadConfig 从指定路径加载配置文件（.json 或 .yaml/.yml），填充默认值、环境变量中的密钥，并做校验
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	ApplyDefaults(cfg)
	ApplyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults 为未填写的字段设置默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = defaultLiveAPIURL
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = defaultLiveWSURL
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = defaultTestnetAPIURL
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = defaultTestnetWSURL
	}
	if len(cfg.Intervals) == 0 {
		cfg.Intervals = []string{"15m", "1h", "4h"}
	}
	if cfg.KlineLimit == 0 {
		cfg.KlineLimit = 100
	}
	if cfg.ExchangeTimeoutSec == 0 {
		cfg.ExchangeTimeoutSec = 10
	}

	s := &cfg.Schedule
	if s.ManageIntervalMin == 0 {
		s.ManageIntervalMin = 3
	}
	if s.ScanIntervalMin == 0 {
		s.ScanIntervalMin = 15
	}
	if s.ToleranceSec == 0 {
		s.ToleranceSec = 5
	}
	if s.SettleDelaySec == 0 {
		s.SettleDelaySec = 2
	}
	if s.PassTimeoutSec == 0 {
		s.PassTimeoutSec = 150
	}
	if s.FetchConcurrency == 0 {
		s.FetchConcurrency = 4
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "badger"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/badger"
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "localhost:6379"
	}

	o := &cfg.Oracle
	if o.BaseURL == "" {
		o.BaseURL = "https://api.deepseek.com/v1"
	}
	if o.Model == "" {
		o.Model = "deepseek-chat"
	}
	if o.Temperature == 0 {
		o.Temperature = 0.1
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = 8000
	}
	if o.TimeoutSec == 0 {
		o.TimeoutSec = 90
	}

	a := &cfg.Anomaly
	if a.ScoreThreshold == 0 {
		a.ScoreThreshold = 70
	}
	if a.IntervalSec == 0 {
		a.IntervalSec = 120
	}
	if a.TimeoutSec == 0 {
		a.TimeoutSec = 5
	}
	if a.Exclude == nil {
		a.Exclude = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}
	}

	if cfg.Telegram.QueueSize == 0 {
		cfg.Telegram.QueueSize = 64
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8600"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
}

// ApplyEnv 用环境变量覆盖密钥类配置，密钥从不写进配置文件
func ApplyEnv(cfg *models.Config) {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
}

// Validate 校验配置的取值范围和相互依赖
func Validate(cfg *models.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}
	if cfg.Anomaly.Enabled && cfg.Anomaly.AnomalyURL == "" {
		return fmt.Errorf("配置校验失败: anomaly.enabled 需要 anomaly.anomaly_url")
	}
	if cfg.Store.Driver == "badger" && cfg.Store.Path == "" {
		return fmt.Errorf("配置校验失败: badger 需要 store.path")
	}
	return nil
}
