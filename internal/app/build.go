package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ent0n29/workqueue/internal/archive"
	"github.com/ent0n29/workqueue/internal/config"
	"github.com/ent0n29/workqueue/internal/httpapi"
	"github.com/ent0n29/workqueue/internal/jobs"
	"github.com/ent0n29/workqueue/internal/logging"
	"github.com/ent0n29/workqueue/internal/notify"
	"github.com/ent0n29/workqueue/internal/observability"
	"github.com/ent0n29/workqueue/internal/queue"
)

const archiveFlushTimeout = 5 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Queues   *Queues
	Bus      *notify.Bus
	Alerts   *notify.AlertFeed
	Metrics  *observability.Metrics
	Registry *prometheus.Registry
	Jobs     *jobs.Registry
	Archive  archive.Store

	// Cleanup cancels the task context, flushes the archive, and closes the
	// database. Call it after the queues have drained.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	bus := notify.NewBus(cfg.EventBuffer, 0)
	bus.SetDropHook(metrics.ObserveBusDrop)
	alerts := notify.NewAlertFeed(0)

	store, err := archive.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}

	publishers := notify.Fanout{bus, metrics, notify.NewLogPublisher(logger)}
	var recorder *archive.Recorder
	if store != nil {
		recorder = archive.NewRecorder(store, cfg.EventBuffer, logger)
		publishers = append(publishers, recorder)
	}
	alerters := notify.AlertFanout{alerts, metrics, notify.NewLogAlerter(logger)}

	queues := NewQueues()
	for _, qc := range cfg.Queues {
		m := queue.New(qc.ID,
			queue.WithMaxConcurrency(qc.MaxConcurrency),
			queue.WithMaxQueueHistory(qc.MaxQueueHistory),
			queue.WithPublisher(publishers),
			queue.WithAlerter(alerters),
			queue.WithLogger(logger),
		)
		if err := queues.Add(m); err != nil {
			if recorder != nil {
				_ = recorder.Close(context.Background())
			}
			if store != nil {
				_ = store.Close()
			}
			return nil, err
		}
		logger.Info("queue registered",
			"queue_id", qc.ID,
			"max_concurrency", qc.MaxConcurrency,
			"max_queue_history", qc.MaxQueueHistory,
		)
	}

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	webhooks := jobs.NewWebhookRunner(nil, cfg.WebhookAllowedHosts)
	jobRegistry := jobs.NewDefaultRegistry(webhooks)
	logger.Info("job kinds registered", "kinds", jobRegistry.Kinds(), "webhook_hosts", cfg.WebhookAllowedHosts)

	api := httpapi.New(cfg, httpapi.Deps{
		Queues:      queues,
		Jobs:        jobRegistry,
		Bus:         bus,
		Alerts:      alerts,
		Metrics:     metrics,
		Gatherer:    registry,
		Archive:     store,
		Logger:      logger,
		TaskContext: taskCtx,
	})

	cleanup := func() error {
		cancelTasks()
		var errs []error
		if recorder != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), archiveFlushTimeout)
			if err := recorder.Close(flushCtx); err != nil {
				errs = append(errs, fmt.Errorf("flush archive: %w", err))
			}
			cancel()
		}
		if store != nil {
			if err := store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Queues:   queues,
		Bus:      bus,
		Alerts:   alerts,
		Metrics:  metrics,
		Registry: registry,
		Jobs:     jobRegistry,
		Archive:  store,
		Cleanup:  cleanup,
	}, nil
}
