//go:build linux

// Command tzmd serves a tzm device over a serial port and/or websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tzm "github.com/luhtfiimanal/go-linux-tzm"
	"github.com/luhtfiimanal/go-linux-tzm/wshost"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	device := flag.String("device", "", "Override serial device")
	listen := flag.String("listen", "", "Override websocket listen address")
	level := flag.String("log-level", "", "Override log level")
	flag.Parse()

	cfg := tzm.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = tzm.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}
	if *listen != "" {
		cfg.Websocket.Listen = *listen
	}
	if *level != "" {
		cfg.LogLevel = *level
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if cfg.Serial.Device == "" && cfg.Websocket.Listen == "" {
		log.Fatal("Nothing to serve: set a serial device or a websocket listen address")
	}

	lvl, _ := tzm.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	opts, err := cfg.DeviceOptions(logger)
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	dev := tzm.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if cfg.Serial.Device != "" {
		host, err := tzm.OpenSerial(dev, cfg.Serial)
		if err != nil {
			log.Fatalf("Failed to open serial: %v", err)
		}
		defer host.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := host.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("serial host stopped", "err", err)
			}
		}()
	}

	if cfg.Websocket.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Websocket.Path, wshost.New(dev, logger, cfg.Websocket.AllowedOrigins))
		srv := &http.Server{Addr: cfg.Websocket.Listen, Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("websocket host listening", "addr", srv.Addr, "path", cfg.Websocket.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("websocket host stopped", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("websocket host shutdown", "err", err)
			}
		}()
	}

	wg.Wait()
	p := dev.Params()
	logger.Info("shutting down", "last_interval", p.LastInterval, "chars", p.CharCount)
}
