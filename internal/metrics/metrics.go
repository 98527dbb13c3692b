// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statejob/internal/eventbus"
	"statejob/internal/jobs"
	"statejob/internal/task/engine"
	"statejob/internal/txexec"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	paramsUpdates  *prometheus.CounterVec
	paramsSeq      prometheus.Gauge
	workerFirings  *prometheus.CounterVec
	txOutcomes     *prometheus.CounterVec
	txDuration     prometheus.Histogram
	taskRuns       *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	taskQueueDelay *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		paramsUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statejob",
				Subsystem: "updater",
				Name:      "updates_total",
				Help:      "Parameter update attempts by result.",
			}, []string{"result"},
		),
		paramsSeq: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "statejob",
				Subsystem: "updater",
				Name:      "params_sequence",
				Help:      "Sequence number of the installed parameters.",
			},
		),
		workerFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statejob",
				Subsystem: "worker",
				Name:      "firings_total",
				Help:      "Worker firings by outcome.",
			}, []string{"outcome"},
		),
		txOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statejob",
				Subsystem: "executor",
				Name:      "transactions_total",
				Help:      "Transaction boundaries by terminal state.",
			}, []string{"state"},
		),
		txDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "statejob",
				Subsystem: "executor",
				Name:      "transaction_duration_seconds",
				Help:      "Time from dequeue to release of a transaction boundary.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		taskRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "statejob",
				Subsystem: "engine",
				Name:      "task_runs_total",
				Help:      "Task engine runs by task and result.",
			}, []string{"task", "result"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "statejob",
				Subsystem: "engine",
				Name:      "task_duration_seconds",
				Help:      "Task run duration.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"task"},
		),
		taskQueueDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "statejob",
				Subsystem: "engine",
				Name:      "task_queue_delay_seconds",
				Help:      "Time a task waited in the engine queue.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"task"},
		),
	}
}

// Register registers all collectors with r. Collectors that are already
// registered are kept.
func (m *Metrics) Register(r prometheus.Registerer) error {
	cs := []prometheus.Collector{m.paramsUpdates, m.paramsSeq, m.workerFirings, m.txOutcomes, m.txDuration, m.taskRuns, m.taskDuration, m.taskQueueDelay}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// RegisterExecutorStats exposes executor queue gauges read at scrape time.
func RegisterExecutorStats(r prometheus.Registerer, stats func() txexec.Stats) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "statejob", Subsystem: "executor", Name: "queue_length",
			Help: "Requests waiting for the owner goroutine.",
		}, func() float64 { return float64(stats().QueueLen) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "statejob", Subsystem: "executor", Name: "running",
			Help: "1 while the owner goroutine is serving.",
		}, func() float64 {
			if stats().Running {
				return 1
			}
			return 0
		}),
	}
	for _, g := range gauges {
		if err := r.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// Observe records one bus event. Unknown event types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeParamsUpdated:
		m.paramsUpdates.WithLabelValues("ok").Inc()
		if pe, ok := ev.Data.(jobs.ParamsEvent); ok {
			m.paramsSeq.Set(float64(pe.Seq))
		}
	case eventbus.TypeParamsUpdateFailed:
		m.paramsUpdates.WithLabelValues("failed").Inc()
	case eventbus.TypeWorkerWaiting:
		m.workerFirings.WithLabelValues(jobs.OutcomeWaiting.String()).Inc()
	case eventbus.TypeWorkerPersisted:
		m.workerFirings.WithLabelValues(jobs.OutcomePersisted.String()).Inc()
	case eventbus.TypeWorkerFailed:
		m.workerFirings.WithLabelValues(jobs.OutcomeFailed.String()).Inc()
	case eventbus.TypeTxCommitted, eventbus.TypeTxRolledBack, eventbus.TypeTxRejected:
		te, ok := ev.Data.(txexec.TxEvent)
		if !ok {
			return
		}
		state := "rejected"
		if ev.Type != eventbus.TypeTxRejected {
			state = te.State.String()
			m.txDuration.Observe(te.Duration.Seconds())
		}
		m.txOutcomes.WithLabelValues(state).Inc()
	case eventbus.TypeTaskFinished, eventbus.TypeTaskFailed, eventbus.TypeTaskSkipped, eventbus.TypeTaskDropped:
		te, ok := ev.Data.(engine.TaskEvent)
		if !ok {
			return
		}
		result := ev.Type[len("task."):]
		m.taskRuns.WithLabelValues(te.Name, result).Inc()
		if ev.Type != eventbus.TypeTaskDropped {
			m.taskQueueDelay.WithLabelValues(te.Name).Observe(te.QueueDelay.Seconds())
		}
		if te.Duration > 0 {
			m.taskDuration.WithLabelValues(te.Name).Observe(te.Duration.Seconds())
		}
	}
}

// Consume subscribes to bus and observes events until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
