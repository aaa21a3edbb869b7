package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relaydock/relaydock/internal/audit"
	"github.com/relaydock/relaydock/internal/config"
	"github.com/relaydock/relaydock/internal/db"
	"github.com/relaydock/relaydock/internal/delivery"
	"github.com/relaydock/relaydock/internal/logging"
	"github.com/relaydock/relaydock/internal/metrics"
	"github.com/relaydock/relaydock/internal/subscription"
	"github.com/relaydock/relaydock/internal/tracing"
)

// touchInterval keeps long-running deliveries alive on the queue; the worst
// case task (all attempts timing out) spans the full backoff schedule
const touchInterval = 30 * time.Second

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("relaydock-worker")

	shutdown, err := tracing.Init(ctx, "relaydock-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	engine := delivery.NewEngine(
		audit.NewPGStore(pool),
		&http.Client{Timeout: cfg.Worker.RequestTimeout},
		delivery.Config{
			MaxAttempts:  cfg.Worker.MaxAttempts,
			Backoff:      cfg.Worker.BackoffSchedule,
			SecretHeader: cfg.Worker.SecretHeader,
		},
		logger,
	)
	subStore := subscription.NewStore(pool)

	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Worker.Concurrency
	conf.MsgTimeout = 2 * time.Minute
	consumer, err := nsq.NewConsumer(cfg.NSQ.Topic, cfg.NSQ.Channel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}

	handler := &taskHandler{
		ctx:    ctx,
		engine: engine,
		subs:   subStore,
		logger: logger,
	}
	consumer.AddConcurrentHandlers(handler, cfg.Worker.Concurrency)

	// Connecting directly to nsqd forces channel creation instead of the
	// channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	go monitorBacklog(ctx, cfg.NSQ, logging.New("relaydock-worker-monitor"))

	logger.Plain().Info("worker service started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	cancel() // aborts backoff sleeps; abandoned tasks are redelivered
	consumer.Stop()
	<-consumer.StopChan
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

type taskHandler struct {
	ctx    context.Context
	engine *delivery.Engine
	subs   *subscription.Store
	logger *logging.Logger
}

// HandleMessage runs one delivery task end-to-end. The engine owns retries
// and terminal state internally, so the message is always finished here; only
// a worker crash leads to NSQ redelivery (with a fresh task identifier).
func (h *taskHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer m.Finish()

	var t delivery.Task
	if err := json.Unmarshal(m.Body, &t); err != nil {
		h.logger.Plain().WithError(err).Error("bad task payload")
		return nil // terminal: don't retry bad payloads
	}

	ctx := tracing.ExtractFromTask(h.ctx, t.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.delivery",
		attribute.String("subscription_id", t.SubscriptionID),
	)
	defer span.End()

	sub, err := h.subs.Get(ctx, t.SubscriptionID)
	if errors.Is(err, subscription.ErrNotFound) {
		// Subscription deleted between ingestion and delivery
		h.logger.WithContext(ctx).WithSubscription(t.SubscriptionID).Warn("subscription gone, dropping task")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithSubscription(t.SubscriptionID).WithError(err).Error("subscription lookup failed")
		m.Requeue(-1)
		return nil
	}

	// Keep the in-flight message alive across backoff sleeps
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(touchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.Touch()
			}
		}
	}()

	outcome := h.engine.Deliver(ctx, delivery.Endpoint{
		SubscriptionID: sub.ID,
		URL:            sub.TargetURL,
		Secret:         sub.Secret,
	}, t.Payload)

	span.SetAttributes(
		attribute.String("task_id", outcome.TaskID),
		attribute.String("delivery.final_status", string(outcome.Status)),
		attribute.Int("delivery.attempts", outcome.Attempts),
	)
	return nil
}

// monitorBacklog periodically polls nsqd stats and exports the deliveries
// channel depth as the queue backlog gauge
func monitorBacklog(ctx context.Context, cfg config.NSQ, logger *logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	client := &http.Client{Timeout: 5 * time.Second}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		depth, err := fetchChannelDepth(client, cfg)
		if err != nil {
			logger.Plain().WithError(err).Error("failed to get NSQ stats")
			continue
		}
		metrics.UpdateQueueBacklog(float64(depth))
	}
}

func fetchChannelDepth(client *http.Client, cfg config.NSQ) (int64, error) {
	resp, err := client.Get(fmt.Sprintf("http://%s/stats?format=json", cfg.NsqdHTTPAddr))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, err
	}
	return stats.channelDepth(cfg.Topic, cfg.Channel), nil
}

// nsqStats is the subset of the nsqd stats JSON the monitor cares about
type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

func (s nsqStats) channelDepth(topic, channel string) int64 {
	for _, t := range s.Topics {
		if t.Name != topic {
			continue
		}
		for _, c := range t.Channels {
			if c.Name == channel {
				return c.Depth
			}
		}
	}
	return 0
}
