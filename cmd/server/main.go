package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"simple-stm/pkg/config"
	"simple-stm/pkg/engines"
	"simple-stm/pkg/logger"
	"simple-stm/pkg/protos"
)

var opts struct {
	Host    string `value-name:"host" short:"H" long:"host" description:"simple-stm server host, overrides the config"`
	Port    string `value-name:"port" short:"p" long:"port" description:"simple-stm server port, overrides the config"`
	Config  string `value-name:"file" short:"c" long:"config" description:"TOML config file"`
	Metrics string `value-name:"addr" short:"m" long:"metrics" description:"address of the Prometheus /metrics endpoint, overrides the config"`
}

func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = config.LoadFile(opts.Config); err != nil {
			return nil, err
		}
	}
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != "" {
		cfg.Port = opts.Port
	}
	if opts.Metrics != "" {
		cfg.MetricsAddr = opts.Metrics
	}
	return cfg, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	logger.Inst.Infow("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Inst.Errorw("metrics server failed", "addr", addr, "err", err)
	}
}

func main() {
	_, err := flags.Parse(&opts)
	if err != nil {
		if flags.WroteHelp(err) {
			return
		} else {
			os.Exit(1)
		}
	}
	defer logger.Inst.Sync()

	cfg, err := loadConfig()
	if err != nil {
		logger.Inst.Fatalw("bad config", "err", err)
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Inst.Fatalw("bad log level", "level", cfg.LogLevel, "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engine, err := engines.NewStringEngine(cfg, reg)
	if err != nil {
		logger.Inst.Fatalw("create engine", "err", err)
	}
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := protos.NewServer(engine, cfg.Host, cfg.Port)
	if err := server.Listen(); err != nil {
		logger.Inst.Fatalw("listen", "err", err)
	}
	go func() {
		<-ctx.Done()
		logger.Inst.Infow("shutting down")
		_ = server.Close()
	}()

	if err := server.Serve(ctx); err != nil {
		logger.Inst.Errorw("serve", "err", err)
	}
}
