// Command udptail follows the packet stream written by the gateway.
//
//	udptail -config udplog.yaml -group audit
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"

	"github.com/sooomo/udplog"
	"github.com/sooomo/udplog/cache"
	"github.com/sooomo/udplog/config"
	"github.com/sooomo/udplog/queue"
)

var log = logging.MustGetLogger("cmd")

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		group      = flag.String("group", "udptail", "consumer group")
		consumer   = flag.String("consumer", "", "consumer name (default: random uuid)")
		batch      = flag.Int("batch", 16, "entries per read")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Criticalf("config: %v", err)
		os.Exit(1)
	}
	if err := udplog.SetupLogging(cfg.LogLevel); err != nil {
		log.Criticalf("log level: %v", err)
		os.Exit(1)
	}
	if cfg.Redis.Addr == "" || cfg.Redis.Stream == "" {
		log.Critical("redis.addr and redis.stream must be set")
		os.Exit(1)
	}
	if *consumer == "" {
		*consumer = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = cache.Init(ctx, &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		log.Criticalf("redis: %v", err)
		os.Exit(1)
	}
	defer cache.Close()
	queue.Init(cache.Master())

	err = queue.ConsumeRecords(ctx, cfg.Redis.Stream, *group, *consumer, *batch, func(id string, r *queue.PacketRecord) error {
		if r.Error != "" {
			log.Warningf("%s [%d] %s p=%s error=%q", id, r.ConnId, r.Source, r.Payload, r.Error)
			return nil
		}
		log.Infof("%s [%d] %s p=%s reply=%q %dms", id, r.ConnId, r.Source, r.Payload, r.Reply, r.DurationMs)
		return nil
	})
	if err != nil {
		log.Criticalf("consume %s: %v", cfg.Redis.Stream, err)
		os.Exit(1)
	}
	<-ctx.Done()
}
