// Command udplog runs the hex payload endpoint and the UDP gateway.
//
// Usage:
//
//	udplog -config udplog.yaml
//	udplog -http 127.0.0.1:8080 -gateway :5288 -script "http://127.0.0.1:8080/payload?p="
//
// Flags override the matching config file values.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"

	"github.com/sooomo/udplog"
	"github.com/sooomo/udplog/cache"
	"github.com/sooomo/udplog/config"
	"github.com/sooomo/udplog/gateway"
	"github.com/sooomo/udplog/id"
	udpnet "github.com/sooomo/udplog/net"
	"github.com/sooomo/udplog/queue"
	"github.com/sooomo/udplog/stats"
)

var log = logging.MustGetLogger("cmd")

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file")
		logLevel    = flag.String("log-level", "", "log level (debug, info, notice, warning, error)")
		httpAddr    = flag.String("http", "", "payload endpoint listen address; \"off\" disables it")
		gatewayAddr = flag.String("gateway", "", "UDP gateway listen address; enables the gateway")
		script      = flag.String("script", "", "backend URL the hex payload is appended to")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Criticalf("config: %v", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	switch *httpAddr {
	case "":
	case "off":
		cfg.HTTP.Enabled = false
	default:
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = *httpAddr
	}
	if *gatewayAddr != "" {
		cfg.Gateway.Enabled = true
		cfg.Gateway.Addr = *gatewayAddr
	}
	if *script != "" {
		cfg.Gateway.Script = *script
	}
	if err := cfg.Validate(); err != nil {
		log.Criticalf("config: %v", err)
		os.Exit(1)
	}
	if err := udplog.SetupLogging(cfg.LogLevel); err != nil {
		log.Criticalf("log level %q: %v", cfg.LogLevel, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Criticalf("%v", err)
		os.Exit(1)
	}
	log.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Redis.Addr != "" {
		err := cache.Init(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer cache.Close()
		queue.Init(cache.Master())
	}

	var recorder stats.StatsRecorder = &stats.DebugStatsRecorder{}
	if cfg.Statsd.Addr != "" {
		s, err := stats.NewStatsdStatsRecorder(cfg.Statsd.Addr, cfg.Statsd.Namespace)
		if err != nil {
			return err
		}
		defer s.Close()
		recorder = s
	}

	var srv *udpnet.Server
	if cfg.HTTP.Enabled {
		router := udpnet.NewRouter(udpnet.RouterOptions{
			Clock:     udplog.SystemClock,
			RateLimit: cfg.HTTP.RateLimit,
			RateBurst: cfg.HTTP.RateBurst,
		})
		srv = udpnet.NewServer(router, cfg.HTTP)
		srv.Start()
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				log.Errorf("http shutdown: %v", err)
			}
		}()
	}

	gwErr := make(chan error, 1)
	if cfg.Gateway.Enabled {
		gw, err := newGateway(ctx, cfg, recorder)
		if err != nil {
			return err
		}
		defer gw.Close()
		go func() { gwErr <- gw.Serve(ctx) }()
	}

	if srv == nil && !cfg.Gateway.Enabled {
		log.Warning("neither http nor gateway enabled")
		return nil
	}

	var httpErr <-chan error
	if srv != nil {
		httpErr = srv.Err()
	}
	select {
	case <-ctx.Done():
		log.Infof("shutting down")
		return nil
	case err := <-httpErr:
		return err
	case err := <-gwErr:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
}

func newGateway(ctx context.Context, cfg *config.Config, recorder stats.StatsRecorder) (*gateway.Gateway, error) {
	opts := gateway.OptionsFromConfig(cfg.Gateway)
	opts.Stats = recorder
	if cache.Enabled() {
		if cfg.Redis.ConnIdKey != "" {
			seq, err := id.NewDistributeId(ctx, cache.Master(), cfg.Redis.ConnIdKey, 0)
			if err != nil {
				return nil, err
			}
			opts.Ids = seq
		}
		if cfg.Redis.Stream != "" {
			opts.Publisher = &queue.StreamPublisher{Stream: cfg.Redis.Stream, MaxLen: cfg.Redis.StreamMaxLen}
		}
	}
	log.Infof("gateway %s -> %s", cfg.Gateway.Addr, cfg.Gateway.Script)
	return gateway.New(opts)
}
