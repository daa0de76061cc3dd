// Command hl7bridge connects HL7 MLLP endpoints to NATS. The source side
// listens for HL7 messages and publishes an event per message on the inbound
// subject; the sink side consumes the outbound subject and sends each payload
// to a remote HL7 listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/hl7mllp/config"
	"github.com/cyberinferno/hl7mllp/conformance"
	"github.com/cyberinferno/hl7mllp/hl7err"
	"github.com/cyberinferno/hl7mllp/logger"
	"github.com/cyberinferno/hl7mllp/metrics"
	"github.com/cyberinferno/hl7mllp/pipeline"
	"github.com/cyberinferno/hl7mllp/sink"
	"github.com/cyberinferno/hl7mllp/source"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fatalf("create logger: %v", err)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bridge stopped", logger.Err(err))
		os.Exit(1)
	}
	log.Info("bridge stopped")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level := logger.ParseLevel(cfg.Log.Level)
	if cfg.Log.Dir == "" {
		return logger.NewZerologLogger(zerolog.New(os.Stdout), cfg.Service, level), nil
	}
	return logger.NewZerologFileLogger(cfg.Service, logger.FileOptions{
		Dir:        cfg.Log.Dir,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}, level)
}

func run(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	nc, err := pipeline.ConnectNATS(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	profiles, closeCache := newProfileLoader(cfg, log)
	defer closeCache()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", logger.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Source.Enabled {
		src, err := source.New(ctx, cfg.Source.Options, source.Deps{
			Stream:   cfg.Source.Stream,
			Logger:   log,
			Metrics:  m,
			Sink:     pipeline.NewNATSSink(nc, cfg.NATS.InboundSubj),
			Profiles: profiles,
		})
		if err != nil {
			return fmt.Errorf("create source: %w", err)
		}
		if err := src.Connect(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			src.Destroy()
			return nil
		})
	}

	if cfg.Sink.Enabled {
		out, err := sink.New(cfg.Sink.Options, sink.Deps{
			Stream:  cfg.Sink.Stream,
			Logger:  log,
			Metrics: m,
		})
		if err != nil {
			return fmt.Errorf("create sink: %w", err)
		}
		if err := out.Connect(ctx); err != nil {
			log.Warn("sink not connected, retrying on first message", logger.Err(err))
		}
		feed := pipeline.NewNATSSource(nc, cfg.NATS.OutboundSubj, publisher(out, log), log)
		if err := feed.Start(ctx); err != nil {
			out.Destroy()
			return fmt.Errorf("subscribe %s: %w", cfg.NATS.OutboundSubj, err)
		}
		g.Go(func() error {
			<-ctx.Done()
			stopFeed(feed, cfg.NATS.OutboundSubj, log)
			out.Destroy()
			return nil
		})
	}

	log.Info("bridge started",
		logger.Field{Key: "source", Value: cfg.Source.Enabled},
		logger.Field{Key: "sink", Value: cfg.Sink.Enabled},
		logger.String("nats", nc.ConnectedUrl()))
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

type stopper interface {
	Stop() error
}

// stopFeed drains the outbound subscription and logs a failed drain.
func stopFeed(feed stopper, subject string, log logger.Logger) {
	if err := feed.Stop(); err != nil {
		log.Warn("outbound subscription drain failed", logger.String("subject", subject), logger.Err(err))
	}
}

// publisher sends each outbound payload through out. A connection lost since
// the previous message is reopened once before the payload is given up.
func publisher(out *sink.Sink, log logger.Logger) pipeline.Handler {
	return func(ctx context.Context, payload string) error {
		_, err := out.Publish(ctx, payload)
		if !errors.Is(err, hl7err.ErrConnectionUnavailable) && hl7err.KindOf(err) != hl7err.KindTransport {
			return err
		}
		log.Info("reconnecting sink", logger.Err(err))
		if err := out.Connect(ctx); err != nil {
			return err
		}
		_, err = out.Publish(ctx, payload)
		return err
	}
}

func newProfileLoader(cfg *config.Config, log logger.Logger) (*conformance.Loader, func()) {
	if len(cfg.Redis.Addrs) == 0 {
		return conformance.NewLoader(nil, cfg.Redis.TTL), func() {}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("profile cache on redis", logger.Field{Key: "addrs", Value: cfg.Redis.Addrs})
	return conformance.NewLoader(conformance.NewRedisCache[*conformance.Profile](client), cfg.Redis.TTL), func() {
		_ = client.Close()
	}
}
