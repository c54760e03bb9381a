// Command proxycache runs the subscription aggregation and test-and-cache
// engine: it fetches proxy subscription feeds on an interval, actively
// probes each candidate server through a local Xray subprocess, and serves
// the ranked working set over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"proxycache/internal/cache"
	"proxycache/internal/config"
	"proxycache/internal/fetch"
	"proxycache/internal/filter"
	"proxycache/internal/httpapi"
	"proxycache/internal/mirror"
	"proxycache/internal/portalloc"
	"proxycache/internal/probe"
	"proxycache/internal/refresh"
	"proxycache/internal/scheduler"
)

var validateOnly = flag.Bool("validate", false, "load and validate configuration, then exit")

func main() {
	flag.Parse()

	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	cfg.LogStartup(log)

	if *validateOnly {
		fmt.Println("configuration validated successfully")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("proxycache exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	ports := portalloc.New(cfg.PortRangeLow, cfg.PortRangeHigh)
	runner := probe.New(probe.Config{
		XrayPath:    cfg.XrayPath,
		ProbeURL:    cfg.ProbeURL,
		JobDeadline: cfg.TestTimeout,
		MaxDelayMS:  cfg.MaxDelayMS,
	}, ports)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent:    cfg.MaxConcurrent,
		BatchSize:        cfg.BatchSize,
		LowBandwidthMode: cfg.LowInternetCons,
	}, runner.RunServer)

	fetcher := fetch.New(15 * time.Second)

	var flt *filter.Engine
	if cfg.RulesFile != "" {
		f, err := os.Open(cfg.RulesFile)
		if err != nil {
			log.Warn().Err(err).Str("rules_file", cfg.RulesFile).Msg("could not open rules file, proceeding with no filter")
		} else {
			rules, err := filter.LoadRulesFile(f)
			f.Close()
			if err != nil {
				log.Warn().Err(err).Msg("could not parse rules file, proceeding with no filter")
			} else {
				flt = filter.New(rules)
			}
		}
	}

	c := cache.New(cfg.TopK, time.Hour)

	loop := refresh.New(refresh.Config{
		SubURLs:  cfg.SubURLs,
		ProbeURL: cfg.ProbeURL,
		Interval: cfg.CacheInterval,
	}, fetcher, flt, sched, c, log)

	publisher := mirror.New(mirror.Config{
		PushEnabled: cfg.GithubPushEnabled,
		RepoURL:     cfg.GithubRepoURL,
		Token:       cfg.GithubToken,
	}, log)
	loop.AddPostSwapHook(publisher.Hook)
	loop.AddSitePostSwapHook(publisher.HookSite)

	server := httpapi.New(c, loop, log)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go loop.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	if err := loop.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("refresh loop shutdown: %w", err)
	}
	return nil
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
