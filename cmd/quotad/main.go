// Command quotad serves the image-generation quota API and runs the monthly
// usage reset.
//
// Usage:
//
//	quotad serve --config quotad.yaml
//	quotad reset
//	quotad license create --tier pro_basic --domain shop.example
//	quotad license info AIMG-PRO-XXXX-...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"imagegen-quota/internal/cache"
	"imagegen-quota/internal/config"
	"imagegen-quota/internal/generator"
	"imagegen-quota/internal/httpapi"
	"imagegen-quota/internal/license"
	"imagegen-quota/internal/logging"
	"imagegen-quota/internal/metrics"
	"imagegen-quota/internal/quota"
	"imagegen-quota/internal/scheduler"
	"imagegen-quota/internal/store"
	"imagegen-quota/internal/telegram"
)

type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP API, reset scheduler and admin bot."`
	Reset   ResetCmd   `cmd:"" help:"Run the monthly usage reset once and exit."`
	License LicenseCmd `cmd:"" help:"Manage licenses."`

	Config    string `short:"c" help:"Path to YAML config file." type:"path" env:"QUOTA_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides config."`
	LogFormat string `help:"Log format (json, console). Overrides config."`
}

// runtimeEnv is what every command needs: settings, a logger and a store.
type runtimeEnv struct {
	cfg *config.Config
	log zerolog.Logger
	st  store.Store
}

func (cli *CLI) load(ctx context.Context) (*runtimeEnv, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	return &runtimeEnv{cfg: cfg, log: log, st: st}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return store.OpenRedis(ctx, store.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return store.OpenBBolt(cfg.DBPath)
	}
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("quotad version %s\n", version)
	return nil
}

type ServeCmd struct {
	HTTP  string `name:"http" help:"HTTP listen address. Overrides config."`
	NoBot bool   `name:"no-bot" help:"Do not start the Telegram admin bot."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := cli.load(ctx)
	if err != nil {
		return err
	}
	defer env.st.Close()
	cfg, log := env.cfg, env.log
	if c.HTTP != "" {
		cfg.HTTPAddr = c.HTTP
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	cacheOpts := cache.Options{
		MaxSize:       cfg.Cache.MaxSize,
		DefaultTTL:    cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
	}
	licenses := cache.New[license.License](cacheOpts)
	defer licenses.Close()
	keys := cache.New[string](cacheOpts)
	defer keys.Close()
	metrics.RegisterCache(reg, "licenses", licenses)
	metrics.RegisterCache(reg, "license_keys", keys)

	coord := quota.New(env.st, quota.Options{Licenses: licenses, Logger: log, Metrics: m})

	sched := scheduler.New(coord, cfg.ResetSchedule, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start reset scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.Generator.URL == "" {
		log.Warn().Msg("generator.url not set, /v1/generate will answer 502")
	}
	api := httpapi.New(coord, generator.New(cfg.Generator.URL, cfg.Generator.Timeout), httpapi.Options{
		Keys:           keys,
		Logger:         log,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("backend", cfg.Backend).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	if cfg.Telegram.Token != "" && !c.NoBot {
		bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.AdminChatID, coord, log)
		if err != nil {
			return fmt.Errorf("telegram bot: %w", err)
		}
		go func() {
			if err := bot.Run(ctx); err != nil {
				log.Error().Err(err).Msg("bot error")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

type ResetCmd struct{}

func (c *ResetCmd) Run(cli *CLI) error {
	ctx := context.Background()
	env, err := cli.load(ctx)
	if err != nil {
		return err
	}
	defer env.st.Close()

	coord := quota.New(env.st, quota.Options{Logger: env.log})
	n, err := coord.ResetMonthlyUsageForAll(ctx)
	fmt.Printf("reset %d license(s)\n", n)
	return err
}

type LicenseCmd struct {
	Create LicenseCreateCmd `cmd:"" help:"Create a license."`
	Info   LicenseInfoCmd   `cmd:"" help:"Show a license and its usage."`
}

type LicenseCreateCmd struct {
	Tier    string `help:"Tier (free, pro_basic, pro_premium)." default:"free"`
	Domain  string `help:"Domain the license is issued to." required:""`
	Expires string `help:"Expiry date, YYYY-MM-DD (UTC). Empty means never."`
	Note    string `help:"Free-form note."`
}

func (c *LicenseCreateCmd) Run(cli *CLI) error {
	tier, ok := license.ParseTier(c.Tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", c.Tier)
	}
	var expiresAt *time.Time
	if c.Expires != "" {
		t, err := time.ParseInLocation("2006-01-02", c.Expires, time.UTC)
		if err != nil {
			return fmt.Errorf("--expires: %w", err)
		}
		expiresAt = &t
	}

	ctx := context.Background()
	env, err := cli.load(ctx)
	if err != nil {
		return err
	}
	defer env.st.Close()

	lic, err := quota.New(env.st, quota.Options{Logger: env.log}).RegisterLicense(ctx, c.Domain, tier, expiresAt, c.Note)
	if err != nil {
		return err
	}
	return printJSON(lic)
}

type LicenseInfoCmd struct {
	Key string `arg:"" help:"License key."`
}

func (c *LicenseInfoCmd) Run(cli *CLI) error {
	ctx := context.Background()
	env, err := cli.load(ctx)
	if err != nil {
		return err
	}
	defer env.st.Close()

	coord := quota.New(env.st, quota.Options{Logger: env.log})
	lic, err := coord.FindByKey(ctx, c.Key)
	if err != nil {
		return fmt.Errorf("license %s: %w", c.Key, err)
	}
	stats, err := coord.GetUsageStats(ctx, lic.ID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"license":                    lic,
		"usage":                      stats,
		"time_until_next_request_ms": stats.TimeUntilNextRequest.Milliseconds(),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("quotad"),
		kong.Description("Quota and rate-limit service for AI image generation"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
