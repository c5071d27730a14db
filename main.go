package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"autoreply/internal/behavior"
	"autoreply/internal/config"
	"autoreply/internal/dispatch"
	httpapi "autoreply/internal/http"
	"autoreply/internal/session"
	"autoreply/internal/storage"
	"autoreply/internal/wa"
)

func main() {
	configPath := os.Getenv("CONFIG")
	if configPath == "" {
		configPath = "autoreply.yaml"
	}

	cfgMgr, err := config.NewManager(configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	cfg := cfgMgr.Get()

	log := newLogger(cfg.LogLevel)
	log.Info().Str("config", configPath).Msg("starting")

	store, err := storage.Open(cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	defaults, err := cfg.RuntimeDefaults()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve config defaults")
	}
	if err := store.SetRuntimeDefaults(defaults); err != nil {
		log.Fatal().Err(err).Msg("apply config defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := wa.NewContainer(ctx, cfg.DSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open whatsmeow container")
	}

	blacklist, err := dispatch.LoadBlacklist(cfg.BlacklistPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("load blacklist")
	}

	registry := session.NewRegistry(store, container.Bind, log)
	engine := behavior.New()
	dispatcher := dispatch.New(store, engine, blacklist, cfg.MediaDir, log)
	dispatcher.SetErrorSink(registry)
	registry.OnMessage(dispatcher.HandleMessage)
	registry.OnReady(dispatcher.HandleReady)

	if err := cfgMgr.Watch(ctx, log); err != nil {
		log.Warn().Err(err).Msg("config watch unavailable")
	}
	go func() {
		for c := range cfgMgr.Subscribe(1) {
			zerolog.SetGlobalLevel(parseLevel(c.LogLevel))
			if rc, err := c.RuntimeDefaults(); err == nil {
				if err := store.SetRuntimeDefaults(rc); err != nil {
					log.Warn().Err(err).Msg("reloaded defaults rejected")
				}
			}
			log.Info().Str("level", c.LogLevel).Msg("config reload applied")
		}
	}()

	router := httpapi.NewRouter(store, registry, log)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := registry.DestroyAll(); err != nil {
		log.Warn().Err(err).Msg("session teardown")
	}
}

func newLogger(level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(level))
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
