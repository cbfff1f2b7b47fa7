package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/SteamVC/RoomWatch/internal/config"
	"github.com/SteamVC/RoomWatch/internal/handlers"
	httpx "github.com/SteamVC/RoomWatch/internal/http"
	"github.com/SteamVC/RoomWatch/internal/imvu"
	"github.com/SteamVC/RoomWatch/internal/monitor"
	"github.com/SteamVC/RoomWatch/internal/relay"
	"github.com/SteamVC/RoomWatch/internal/repo"
	"github.com/SteamVC/RoomWatch/internal/resolve"
	"github.com/SteamVC/RoomWatch/internal/service"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 30 * time.Second

func main() {
	code, err := run()
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	os.Exit(code)
}

// run は起動してからシャットダウンが終わるまでをまとめます。戻り値は終了コードです
func run() (int, error) {
	var configPath, addr string
	flagSet := pflag.NewFlagSet("roomwatch", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("ROOMWATCH_CONFIG"), "YAML config file (env: ROOMWATCH_CONFIG)")
	flagSet.StringVar(&addr, "addr", "", "listen address (overrides API_ADDR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 0, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return 0, err
	}
	if addr != "" {
		cfg.APIAddr = addr
	}
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	rs, err := resolve.New(cfg.OccupantStrategies)
	if err != nil {
		return 0, fmt.Errorf("occupant strategies: %w", err)
	}

	session := imvu.Session{Sauce: cfg.Sauce, CID: cfg.CID, Cookies: cfg.Cookies}
	client := imvu.NewClient(cfg.APIBase, session,
		imvu.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
		imvu.WithRateLimit(cfg.UpstreamRPS, cfg.UpstreamBurst),
	)

	// Redisは監視リストの永続化にだけ使う。未設定なら再起動で監視リストは消える
	var rdb *redis.Client
	var presence repo.PresenceRepo
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 2,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return 0, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("connected to redis", "addr", cfg.RedisAddr)
		presence = repo.NewRedisPresenceRepo(rdb)
	} else {
		slog.Warn("redis disabled, watchlist will not survive restarts")
	}

	monitors := monitor.NewManager(client, monitor.Options{
		Interval: cfg.MonitorInterval,
		Resolver: rs,
		Logger:   slog.Default(),
	})
	relays := relay.NewManager(relay.WSDialer{URL: cfg.IMQURL}, client.Session(), slog.Default())

	roomSvc := service.NewRoomService(client, rs, cfg.DetailConcurrency, slog.Default())
	userSvc := service.NewUserService(client, rs, slog.Default())
	monitorSvc := service.NewMonitorService(monitors, presence, cfg.PresenceTTL, slog.Default())

	if _, err := monitorSvc.Restore(context.Background()); err != nil {
		slog.Warn("watchlist restore failed", "err", err)
	}

	router := httpx.NewRouter(httpx.Handlers{
		Rooms:    handlers.NewRoomHandler(roomSvc),
		Users:    handlers.NewUserHandler(userSvc),
		Monitors: handlers.NewMonitorHandler(monitorSvc, nil),
		Chat:     handlers.NewChatHandler(relays, nil),
	}, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// gfshutdownは操作ごとに別goroutineで動かすので、順序が必要な停止は1つの操作にまとめる
	// HTTPを先に止め、処理中のリクエストが監視を始めたりRedisに書いたりしなくなってから後片付けする
	steps := []gfshutdown.Operation{srv.Shutdown, monitors.Shutdown, relays.Shutdown}
	if rdb != nil {
		steps = append(steps, func(context.Context) error { return rdb.Close() })
	}
	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"server": sequence(steps...),
	})

	code := <-wait
	slog.Info("server stopped", "code", code)
	return code, nil
}

// sequence は複数の停止処理を順番に実行する1つの操作にまとめます
// 途中で失敗しても残りは実行し、エラーはまとめて返します
func sequence(steps ...gfshutdown.Operation) gfshutdown.Operation {
	return func(ctx context.Context) error {
		var errs []error
		for _, step := range steps {
			errs = append(errs, step(ctx))
		}
		return errors.Join(errs...)
	}
}
