// ferry-worker consumes the transfer task queue and runs the schedule beat.
// Multiple workers may share one queue; exactly one should run the beat.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ferryhq/ferry/controlplane"
	"github.com/ferryhq/ferry/scheduler"
	"github.com/ferryhq/ferry/worker"
)

// LogConfig configures handling of application log events.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"json" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
}

func initLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else if cfg.Format == "text" {
		log.SetFormatter(&log.TextFormatter{})
	} else if cfg.Format == "color" {
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("err", err).Fatal("unrecognized log level")
	} else {
		log.SetLevel(lvl)
	}
}

type config struct {
	RedisAddress string        `long:"redis-address" env:"REDIS_ADDRESS" default:"localhost:6379" description:"Redis broker address"`
	Queue        string        `long:"queue" env:"QUEUE" default:"ferry:tasks" description:"Task queue key"`
	APIEndpoint  string        `long:"api-endpoint" env:"API_ENDPOINT" default:"http://localhost:8000" description:"Control plane base URL"`
	CacheDir     string        `long:"cache-dir" env:"CACHE_DIR" default:"." description:"Directory for per-run cache files"`
	RetryLimit   int           `long:"retry-limit" env:"RETRY_LIMIT" default:"3" description:"Max retries for transient task failures"`
	RetryDelay   time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"300s" description:"Delay before a failed task is retried"`
	Beat         bool          `long:"beat" env:"BEAT" description:"Also run the schedule beat on this worker"`
	BeatInterval time.Duration `long:"beat-interval" env:"BEAT_INTERVAL" default:"60s" description:"Schedule scan interval"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var cfg config
	var parser = flags.NewParser(&cfg, flags.Default)
	parser.NamespaceDelimiter = "-"
	if _, err := parser.Parse(); err != nil {
		if flagErr, ok := err.(*flags.Error); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	initLog(cfg.Log)

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
	defer rdb.Close()

	var sched = scheduler.New(rdb, scheduler.WithQueue(cfg.Queue))
	var w = worker.New(sched, controlplane.NewClient(cfg.APIEndpoint), worker.Config{
		CacheDir:   cfg.CacheDir,
		RetryLimit: cfg.RetryLimit,
		RetryDelay: cfg.RetryDelay,
	})

	if cfg.Beat {
		var beat = scheduler.NewBeat(sched, cfg.BeatInterval)
		go func() {
			if err := beat.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("schedule beat stopped")
			}
		}()
	}

	// A termination signal surfaces as context.Canceled; the scheduler's
	// retry policy re-executes anything in flight, so exit non-zero.
	if err := w.Run(ctx); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}
