// serve.go: fx wiring of the host, its gateways and the config watcher
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"net"
	"time"

	gocompute "github.com/agilira/go-compute"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// stopTimeout bounds the whole shutdown sequence, draining included.
const stopTimeout = 60 * time.Second

type serveOptions struct {
	ConfigPath string
}

func serve(c *cli.Context) error {
	cfg, err := loadServeConfig(c)
	if err != nil {
		return err
	}

	app := fx.New(
		fx.Supply(cfg, serveOptions{ConfigPath: c.String("config")}),
		fx.Provide(
			provideZapLogger,
			provideMetrics,
			provideHost,
		),
		fx.Invoke(
			registerHostHooks,
			registerHTTPHooks,
			registerGRPCHooks,
			registerWatcherHooks,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
	)

	startCtx, cancel := context.WithTimeout(c.Context, fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	<-app.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return app.Stop(stopCtx)
}

// loadServeConfig reads the configuration file, or starts from defaults with
// the HTTP gateway and both builtins enabled when none is given.
func loadServeConfig(c *cli.Context) (gocompute.HostConfig, error) {
	var cfg gocompute.HostConfig
	if path := c.String("config"); path != "" {
		loaded, err := gocompute.LoadConfigFromFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	} else {
		cfg = gocompute.DefaultHostConfig()
		cfg.HTTP.Enabled = true
		cfg.Builtins = gocompute.BuiltinNames()
	}

	if addr := c.String("http"); addr != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Address = addr
	}
	if addr := c.String("grpc"); addr != "" {
		cfg.GRPC.Enabled = true
		cfg.GRPC.Address = addr
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func provideMetrics(cfg gocompute.HostConfig) gocompute.MetricsCollector {
	if !cfg.Metrics.Enabled {
		return gocompute.NoOpMetricsCollector{}
	}
	return gocompute.NewPrometheusMetrics(cfg.Metrics.Namespace)
}

func provideHost(cfg gocompute.HostConfig, zl *zap.Logger, metrics gocompute.MetricsCollector) (*gocompute.Host, error) {
	return gocompute.NewHost(cfg,
		gocompute.WithHostLogger(gocompute.NewZapLogger(zl)),
		gocompute.WithHostMetrics(metrics),
	)
}

// watchesConfig reports whether the config watcher owns applying the file.
func watchesConfig(cfg gocompute.HostConfig, opts serveOptions) bool {
	return cfg.Watch.Enabled && opts.ConfigPath != ""
}

func registerHostHooks(lc fx.Lifecycle, host *gocompute.Host, cfg gocompute.HostConfig, opts serveOptions, zl *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if watchesConfig(cfg, opts) {
				zl.Info("host started, functions are applied by the config watcher")
				return nil
			}
			result, err := host.Apply(ctx, cfg)
			if err != nil {
				// A function that fails to load does not keep the host down.
				zl.Error("some functions failed to load", zap.Error(err))
			}
			zl.Info("host started",
				zap.Strings("added", result.Added),
				zap.Strings("functions", host.List()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := host.Shutdown(ctx)
			_ = zl.Sync()
			return err
		},
	})
}

func registerHTTPHooks(lc fx.Lifecycle, host *gocompute.Host, cfg gocompute.HostConfig, zl *zap.Logger, sd fx.Shutdowner) {
	if !cfg.HTTP.Enabled {
		return
	}
	gateway := gocompute.NewHTTPGateway(host)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.HTTP.Address)
			if err != nil {
				return gocompute.NewHTTPTransportError("failed to listen on "+cfg.HTTP.Address, err)
			}
			gocompute.SafeGo(host.Logger(), func() {
				if err := gateway.Serve(lis); err != nil {
					zl.Error("HTTP gateway failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zl.Info("HTTP gateway stopping")
			return gateway.Shutdown(ctx)
		},
	})
}

func registerGRPCHooks(lc fx.Lifecycle, host *gocompute.Host, cfg gocompute.HostConfig, zl *zap.Logger, sd fx.Shutdowner) {
	if !cfg.GRPC.Enabled {
		return
	}
	gateway := gocompute.NewGRPCGateway(host)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPC.Address)
			if err != nil {
				return gocompute.NewGRPCTransportError("failed to listen on "+cfg.GRPC.Address, err)
			}
			gocompute.SafeGo(host.Logger(), func() {
				if err := gateway.Serve(lis); err != nil {
					zl.Error("gRPC gateway failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zl.Info("gRPC gateway stopping")
			gateway.Stop(ctx)
			return nil
		},
	})
}

func registerWatcherHooks(lc fx.Lifecycle, host *gocompute.Host, cfg gocompute.HostConfig, opts serveOptions) {
	if !watchesConfig(cfg, opts) {
		return
	}
	watcher := gocompute.NewConfigWatcher(host, opts.ConfigPath, cfg.Watch.PollInterval.Std())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return watcher.Start(ctx)
		},
		OnStop: func(context.Context) error {
			return watcher.Stop()
		},
	})
}
