// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
// YAMLの設定ファイルを指定した場合は、その値をベースに環境変数で上書きします
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAPIAddr        = ":8080"                                     // APIサーバーのデフォルトリッスンアドレス
	defaultRedisAddr      = "localhost:6379"                            // Redisのデフォルト接続先
	defaultAPIBase        = "https://api.imvu.com"                      // アップストリームAPI
	defaultIMQURL         = "wss://imq.imvu.com:444/streaming/imvu_pre" // メッセージキューのWebSocket
	defaultMonitorEvery   = 30 * time.Second                            // プレゼンス監視の間隔
	defaultPresenceTTLSec = 24 * 60 * 60                                // 最後のプレゼンスの保持期間（1日）
	defaultUpstreamRPS    = 5                                           // アップストリームへの毎秒リクエスト数
	defaultUpstreamBurst  = 10                                          // バースト許容数
	defaultUpstreamTO     = 15 * time.Second                            // アップストリームのタイムアウト
	defaultDetailWorkers  = 4                                           // ルーム詳細の同時取得数
	defaultLogLevel       = "info"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

// defaultOccupantStrategies は参加者探索の既定の試行順
var defaultOccupantStrategies = []string{"occupants", "members", "inline"}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string   `yaml:"api_addr"`        // APIサーバーのリッスンアドレス
	RedisAddr     string   `yaml:"redis_addr"`      // Redisの接続先（空の場合は永続化なし）
	AllowedOrigin []string `yaml:"allowed_origins"` // CORSで許可するオリジン一覧

	APIBase string `yaml:"api_base"` // アップストリームAPIのベースURL
	IMQURL  string `yaml:"imq_url"`  // メッセージキューのURL

	Sauce   string `yaml:"sauce"`   // 認証済みセッションのトークン
	CID     string `yaml:"cid"`     // 認証済みアカウントの数値ID
	Cookies string `yaml:"cookies"` // Cookieヘッダー（オプショナル）

	MonitorInterval    time.Duration `yaml:"monitor_interval"`    // プレゼンス監視の間隔
	PresenceTTL        int           `yaml:"presence_ttl_sec"`    // 最後のプレゼンスのTTL（秒）
	UpstreamRPS        float64       `yaml:"upstream_rps"`        // アップストリームへの毎秒リクエスト数
	UpstreamBurst      int           `yaml:"upstream_burst"`      // バースト許容数
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`    // アップストリームのタイムアウト
	DetailConcurrency  int           `yaml:"detail_concurrency"`  // ルーム詳細の同時取得数
	OccupantStrategies []string      `yaml:"occupant_strategies"` // 参加者探索の試行順

	LogLevel string `yaml:"log_level"`
}

// Defaults は環境変数やファイルを読まない既定値を返します
func Defaults() Config {
	return Config{
		APIAddr:            defaultAPIAddr,
		RedisAddr:          defaultRedisAddr,
		AllowedOrigin:      defaultAllowedOrigins,
		APIBase:            defaultAPIBase,
		IMQURL:             defaultIMQURL,
		MonitorInterval:    defaultMonitorEvery,
		PresenceTTL:        defaultPresenceTTLSec,
		UpstreamRPS:        defaultUpstreamRPS,
		UpstreamBurst:      defaultUpstreamBurst,
		UpstreamTimeout:    defaultUpstreamTO,
		DetailConcurrency:  defaultDetailWorkers,
		OccupantStrategies: defaultOccupantStrategies,
		LogLevel:           defaultLogLevel,
	}
}

// Load は設定を読み込みます
// pathが空でなければYAMLファイルを既定値の上に重ね、その後に環境変数で上書きします
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.APIAddr = envOr("API_ADDR", cfg.APIAddr)
	cfg.RedisAddr = envOr("REDIS_ADDR", cfg.RedisAddr)
	cfg.AllowedOrigin = envCSV("CORS_ALLOWED_ORIGINS", cfg.AllowedOrigin)
	cfg.APIBase = strings.TrimRight(envOr("IMVU_API_BASE", cfg.APIBase), "/")
	cfg.IMQURL = envOr("IMVU_IMQ_URL", cfg.IMQURL)
	cfg.Sauce = envOr("IMVU_SAUCE", cfg.Sauce)
	cfg.CID = envOr("IMVU_CID", cfg.CID)
	cfg.Cookies = envOr("IMVU_COOKIES", cfg.Cookies)
	cfg.MonitorInterval = envDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.PresenceTTL = envInt("PRESENCE_TTL_SEC", cfg.PresenceTTL)
	cfg.UpstreamRPS = envFloat("UPSTREAM_RPS", cfg.UpstreamRPS)
	cfg.UpstreamBurst = envInt("UPSTREAM_BURST", cfg.UpstreamBurst)
	cfg.UpstreamTimeout = envDuration("UPSTREAM_TIMEOUT", cfg.UpstreamTimeout)
	cfg.DetailConcurrency = envInt("ROOM_DETAIL_CONCURRENCY", cfg.DetailConcurrency)
	cfg.OccupantStrategies = envCSV("OCCUPANT_STRATEGIES", cfg.OccupantStrategies)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	return cfg, nil
}

// Validate は起動前に必須項目を確認します
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Sauce) == "" {
		errs = append(errs, errors.New("IMVU_SAUCE required"))
	}
	if strings.TrimSpace(c.CID) == "" {
		errs = append(errs, errors.New("IMVU_CID required"))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid monitor interval %s", c.MonitorInterval))
	}
	if c.UpstreamBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid upstream burst %d", c.UpstreamBurst))
	}
	if c.DetailConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("invalid detail concurrency %d", c.DetailConcurrency))
	}
	return errors.Join(errs...)
}

// SlogLevel はLogLevelをslog.Levelに変換します
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid env value, fallback to default", "key", key, "value", v, "default", def)
			return def
		}
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			slog.Warn("invalid env value, fallback to default", "key", key, "value", v, "default", def)
			return def
		}
		return f
	}
	return def
}

// envDuration は "30s" のような期間を取得します。単位なしの数値は秒として扱います
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if sec, err := strconv.Atoi(v); err == nil {
		return time.Duration(sec) * time.Second
	}
	slog.Warn("invalid env value, fallback to default", "key", key, "value", v, "default", def)
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
