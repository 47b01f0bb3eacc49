package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/natsbridge"
	"github.com/AntonStoeckl/pubsub-docstore-go/pubsub/promadapters"
)

const shutdownTimeout = 5 * time.Second

func newTailCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail <topic>",
		Short: "Print the records inserted into a topic as they arrive",
		Long: "Print the records inserted into a topic as they arrive, one JSON line each.\n" +
			"With --nats every notification is also republished to NATS. With a metrics address\n" +
			"the command serves /metrics and /healthz while tailing.",
		GroupID: "records",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toNATS, _ := cmd.Flags().GetBool("nats")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			maxRecords, _ := cmd.Flags().GetInt("max-records")

			if metricsAddr == "" {
				metricsAddr = a.cfg.Metrics.Addr
			}

			topic := args[0]
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			printer := &recordPrinter{
				out:     cmd.OutOrStdout(),
				idField: a.cfg.TopicSettings().IDFieldName(topic),
				max:     maxRecords,
				done:    cancel,
				logger:  a.logger,
			}

			unsubscribe, err := a.store.Subscribe(ctx, topic, printer)
			if err != nil {
				return err
			}
			defer unsubscribe()

			if toNATS {
				bridge, err := a.connectBridge()
				if err != nil {
					return err
				}
				defer func() { _ = bridge.Close() }()

				unbind, err := a.store.Subscribe(ctx, topic, bridge.Listener(topic))
				if err != nil {
					return err
				}
				defer unbind()
			}

			if _, err := a.store.Ensure(ctx, topic); err != nil {
				return err
			}

			if metricsAddr != "" {
				stop, err := serveMetrics(metricsAddr, a.registry, a.store, a.logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			a.logger.Info("tailing topic", "topic", topic, "partition", a.store.ResolvePartitionName(topic))
			<-ctx.Done()

			return nil
		},
	}

	cmd.Flags().Bool("nats", false, "republish notifications to NATS (nats.url)")
	cmd.Flags().String("metrics-addr", "", "serve /metrics and /healthz on this address, overrides metrics.addr")
	cmd.Flags().Int("max-records", 0, "stop after this many records, 0 tails until interrupted")

	return cmd
}

func (a *app) connectBridge() (*natsbridge.Bridge, error) {
	if a.cfg.NATS.URL == "" {
		return nil, errors.New("--nats requires nats.url")
	}

	return natsbridge.Connect(a.cfg.NATS.URL,
		natsbridge.WithSubjectPrefix(a.cfg.NATS.SubjectPrefix),
		natsbridge.WithLogger(a.logger),
		natsbridge.WithMetrics(promadapters.NewMetricsCollector(a.registry)),
	)
}

// recordPrinter prints every full-record notification and cancels the tail after max records.
type recordPrinter struct {
	out     io.Writer
	idField string
	max     int
	done    context.CancelFunc
	logger  *slog.Logger

	mu      sync.Mutex
	printed int
}

func (p *recordPrinter) Notify(name string, payload any) {
	record, ok := payload.(pubsub.Record)
	if name != pubsub.GenericNotification || !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && p.printed >= p.max {
		return
	}

	if err := printRecord(p.out, record, p.idField); err != nil {
		p.logger.Warn("printing record failed", "error", err.Error())
	}
	p.printed++

	if p.max > 0 && p.printed >= p.max {
		p.done()
	}
}

// newMetricsRouter routes /metrics to the registry and /healthz to the materialized topics.
func newMetricsRouter(registry *prometheus.Registry, store docStore) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		topics := store.Topics()
		sort.Strings(topics)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "topics": topics})
	})

	return r
}

// serveMetrics starts the metrics server and returns a function that shuts it down.
func serveMetrics(addr string, registry *prometheus.Registry, store docStore, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      newMetricsRouter(registry, store),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err.Error())
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("shutting down metrics server failed", "error", err.Error())
		}
	}, nil
}
