package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"mff-controller/internal/controller"
	"mff-controller/internal/metrics"
	"mff-controller/internal/store"
	"mff-controller/internal/transport"
	"mff-controller/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type flags struct {
	config      string
	port        string
	driver      string
	listen      string
	showVersion bool
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("mff-controller", pflag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "config.yaml", "path to the YAML config file")
	fs.StringVarP(&f.port, "port", "p", "", "serial port, overrides serial.port")
	fs.StringVar(&f.driver, "driver", "", "serial driver (bugst, tarm, sim), overrides serial.driver")
	fs.StringVarP(&f.listen, "listen", "l", "", "HTTP listen address, overrides web.listen")
	fs.BoolVarP(&f.showVersion, "version", "v", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	// The config path may also be given positionally.
	if fs.NArg() > 0 && !fs.Changed("config") {
		f.config = fs.Arg(0)
	}
	return f, fs, nil
}

// apply overlays command-line overrides on the loaded config.
func (f *flags) apply(cfg *Config) {
	if f.port != "" {
		cfg.Serial.Port = f.port
	}
	if f.driver != "" {
		cfg.Serial.Driver = f.driver
	}
	if f.listen != "" {
		cfg.Web.Listen = f.listen
	}
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	f, fs, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		bootLogger.Error("parse flags", "err", err)
		os.Exit(2)
	}
	if f.showVersion {
		fmt.Println("mff-controller", version)
		return
	}

	cfg, err := loadConfig(f.config, !fs.Changed("config") && fs.NArg() == 0)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	f.apply(cfg)
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("mff-controller starting", "version", version, "driver", cfg.Serial.Driver, "port", cfg.Serial.Port)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	tr, err := transport.New(cfg.transportSettings(), logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	ctrl, err := controller.New(tr,
		controller.DefaultFields(cfg.Polling.PositionPeriod, cfg.Polling.InfoPeriod),
		logger.With("component", "controller"),
		controller.WithMetrics(m),
		controller.WithRegistry(db),
		controller.WithPort(cfg.Serial.Driver, cfg.Serial.Port),
	)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = ctrl.Start(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("start controller: %w", err)
	}

	// Automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(ctrl, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(m.Handler()),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(ctrl, logger, webOpts...)
	if err != nil {
		auto.Stop()
		return fmt.Errorf("create web server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(ctrl, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-httpErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	// Polling stops before the port closes; the store closes last.
	ctrl.Close()
	return runErr
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
