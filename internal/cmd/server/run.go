package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "conveyor/internal/config"
	"conveyor/internal/runtime"
	httpserver "conveyor/internal/server/http"
	logpkg "conveyor/pkg/log"
)

type Options struct {
	ConfigPath string
	HTTPAddr   string
	DataDir    string
	LogLevel   string
	LogFormat  string
}

// Run starts the coordinator node and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cfgpkg.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.HTTPAddr != "" {
		cfg.Server.Addr = opts.HTTPAddr
	}
	if opts.DataDir != "" {
		cfg.Storage.DataDir = opts.DataDir
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}

	logger := buildLogger(cfg.Log)
	logpkg.RedirectStdLog(logger)

	rt, err := runtime.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("starting conveyor node",
		logpkg.F("http", cfg.Server.Addr),
		logpkg.F("data_dir", cfg.Storage.DataDir),
		logpkg.F("transport", cfg.Transport.Kind),
		logpkg.F("workers", cfg.Workers.Count),
		logpkg.F("level", cfg.Log.Level),
		logpkg.F("format", cfg.Log.Format),
	)

	rt.Start(sctx)

	hsrv := httpserver.New(rt)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.Addr); err != nil && sctx.Err() == nil {
			logger.Error("http server", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Shut the API down before the workers so in-flight handlers never see a
	// stopped runtime.
	hsrv.Close()
	wg.Wait()
	rt.Stop()
	return nil
}

func buildLogger(cfg cfgpkg.Log) logpkg.Logger {
	level := logpkg.InfoLevel
	if l, err := logpkg.ParseLevel(cfg.Level); err == nil {
		level = l
	}
	var formatter logpkg.Formatter = &logpkg.TextFormatter{}
	if cfg.Format == "json" {
		formatter = &logpkg.JSONFormatter{}
	}
	return logpkg.NewLogger(
		logpkg.WithLevel(level),
		logpkg.WithFormatter(formatter),
		logpkg.WithOutput(logpkg.NewConsoleOutput(os.Stderr)),
	)
}
