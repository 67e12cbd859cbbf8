// Package observe holds the passive listeners attached to cycle and
// publish checkpoints. Observers never affect pipeline control flow.
package observe

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xmidt-org/eventor"

	"chartstream/internal/domain"
	"chartstream/internal/egress"
)

// Observer receives pipeline checkpoint notifications.
type Observer interface {
	CycleStarted(cycleID string, regions int)
	RegionCompleted(cycleID string, outcome domain.RegionOutcome)
	CycleFinished(result domain.CycleResult)
	TickSkipped()
}

// Notifier fans checkpoint notifications out to registered observers.
// A panicking observer is contained and the rest still run.
type Notifier struct {
	observers eventor.Eventor[Observer]
}

// Register adds an observer and returns a cancel function removing it.
func (n *Notifier) Register(o Observer) func() {
	return n.observers.Add(o)
}

func (n *Notifier) CycleStarted(cycleID string, regions int) {
	n.visit(func(o Observer) { o.CycleStarted(cycleID, regions) })
}

func (n *Notifier) RegionCompleted(cycleID string, outcome domain.RegionOutcome) {
	n.visit(func(o Observer) { o.RegionCompleted(cycleID, outcome) })
}

func (n *Notifier) CycleFinished(result domain.CycleResult) {
	n.visit(func(o Observer) { o.CycleFinished(result) })
}

func (n *Notifier) TickSkipped() {
	n.visit(func(o Observer) { o.TickSkipped() })
}

func (n *Notifier) visit(fn func(Observer)) {
	n.observers.Visit(func(o Observer) {
		defer func() { _ = recover() }()
		fn(o)
	})
}

// LogObserver writes structured lines for every checkpoint.
type LogObserver struct {
	logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{logger: logger}
}

func (l *LogObserver) CycleStarted(cycleID string, regions int) {
	l.logger.Info("cycle started", "cycle", cycleID, "regions", regions)
}

func (l *LogObserver) RegionCompleted(cycleID string, outcome domain.RegionOutcome) {
	if outcome.Err != nil {
		l.logger.Error("region failed", "cycle", cycleID, "region", outcome.Region, "outcome", "failed", "reason", outcome.Reason())
		return
	}
	l.logger.Info("region published", "cycle", cycleID, "region", outcome.Region, "outcome", "success")
}

func (l *LogObserver) CycleFinished(result domain.CycleResult) {
	l.logger.Info("cycle finished",
		"cycle", result.CycleID,
		"state", result.State.String(),
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"duration", result.FinishedAtUTC.Sub(result.StartedAtUTC),
	)
}

func (l *LogObserver) TickSkipped() {
	l.logger.Warn("tick skipped, cycle still running")
}

// PublishListener returns a listener for per-message delivery outcomes.
func (l *LogObserver) PublishListener() func(*egress.PublishEvent) {
	return func(ev *egress.PublishEvent) {
		if ev.Err != nil {
			l.logger.Error("publish failed", "key", ev.Key, "topic", ev.Topic, "attempts", ev.Attempts, "error", ev.Err)
			return
		}
		l.logger.Debug("publish acked", "key", ev.Key, "topic", ev.Topic, "attempts", ev.Attempts, "duration", ev.Duration)
	}
}

// MetricsObserver counts cycle, region, and publish outcomes.
type MetricsObserver struct {
	cycles       *prometheus.CounterVec
	regions      *prometheus.CounterVec
	messages     *prometheus.CounterVec
	ticksSkipped prometheus.Counter
}

func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	m := &MetricsObserver{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_cycles_total",
			Help: "Completed orchestration cycles by terminal state.",
		}, []string{"state"}),
		regions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_regions_total",
			Help: "Per-region pipeline outcomes.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartstream_messages_total",
			Help: "Broker publish outcomes.",
		}, []string{"outcome"}),
		ticksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartstream_ticks_skipped_total",
			Help: "Scheduler ticks skipped because a cycle was running.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.cycles, m.regions, m.messages, m.ticksSkipped)
	}
	return m
}

func (m *MetricsObserver) CycleStarted(string, int) {}

func (m *MetricsObserver) RegionCompleted(_ string, outcome domain.RegionOutcome) {
	if outcome.Err != nil {
		m.regions.WithLabelValues("failed").Inc()
		return
	}
	m.regions.WithLabelValues("success").Inc()
}

func (m *MetricsObserver) CycleFinished(result domain.CycleResult) {
	m.cycles.WithLabelValues(result.State.String()).Inc()
}

func (m *MetricsObserver) TickSkipped() {
	m.ticksSkipped.Inc()
}

// PublishListener returns a listener counting delivery outcomes.
func (m *MetricsObserver) PublishListener() func(*egress.PublishEvent) {
	return func(ev *egress.PublishEvent) {
		if ev.Err != nil {
			m.messages.WithLabelValues("failed").Inc()
			return
		}
		m.messages.WithLabelValues("sent").Inc()
	}
}
