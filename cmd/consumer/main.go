package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/pflag"

	"github.com/example/ride-coordination/internal/config"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total notification messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	msgsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_duplicate_total",
		Help: "Total messages skipped because they were already delivered",
	})
	pushDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_push_delivered_total",
		Help: "Total notifications handed to the push provider",
	})
	pushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_push_errors_total",
		Help: "Total notifications that failed delivery after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsDuplicate, pushDelivered, pushErrors)
}

func main() {
	flags := pflag.NewFlagSet("consumer", pflag.ContinueOnError)
	metricsAddr := flags.String("metrics-addr", ":2112", "address to serve prometheus metrics on")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-coordination-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	p := &processor{
		dedup:    &redisDeduper{c: rc, ttl: cfg.DedupTTL},
		push:     dispatch.NewPushDispatcher(cfg.PushEndpoint, cfg.PushKey),
		attempts: cfg.DeliveryAttempts,
		delay:    cfg.DeliveryBackoff,
		logger:   logger,
	}

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka fetch error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		p.handle(ctx, m.Value)
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

// Deduper claims a notification id. claimed is false when some earlier
// delivery already holds it.
type Deduper interface {
	Claim(ctx context.Context, id string) (claimed bool, err error)
	Release(ctx context.Context, id string) error
}

type redisDeduper struct {
	c   *redis.Client
	ttl time.Duration
}

func dedupKey(id string) string { return "notification:delivered:" + id }

func (d *redisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.c.SetNX(ctx, dedupKey(id), time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
}

func (d *redisDeduper) Release(ctx context.Context, id string) error {
	return d.c.Del(ctx, dedupKey(id)).Err()
}

type processor struct {
	dedup    Deduper
	push     dispatch.Notifier
	attempts int
	delay    time.Duration
	logger   *slog.Logger
}

// handle delivers one message. Failures are counted and logged; the offset is
// committed either way since notifications are best-effort.
func (p *processor) handle(ctx context.Context, raw []byte) {
	msgsConsumed.Inc()

	var n dispatch.Notification
	if err := json.Unmarshal(raw, &n); err != nil || n.ID == "" {
		msgsInvalid.Inc()
		p.logger.Warn("invalid message", "error", err)
		return
	}

	claimed, err := p.dedup.Claim(ctx, n.ID)
	if err != nil {
		// fail open
		p.logger.Warn("dedup claim failed", "notification_id", n.ID, "error", err)
		claimed = true
	}
	if !claimed {
		msgsDuplicate.Inc()
		return
	}

	if err := deliverWithRetry(ctx, p.push, n, p.attempts, p.delay); err != nil {
		pushErrors.Inc()
		p.logger.Error("push delivery failed", "notification_id", n.ID, "event_type", n.EventType, "ride_id", n.RideID, "error", err)
		if err := p.dedup.Release(ctx, n.ID); err != nil {
			p.logger.Warn("dedup release failed", "notification_id", n.ID, "error", err)
		}
		return
	}
	pushDelivered.Inc()
}

// deliverWithRetry sends n with exponential backoff between attempts.
func deliverWithRetry(ctx context.Context, push dispatch.Notifier, n dispatch.Notification, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = push.Notify(ctx, n); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
