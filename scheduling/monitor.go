/*
monitor.go - Monitoring

PURPOSE:
  Aggregates request outcomes and evaluation latency over a trailing
  window and raises advisory alerts when thresholds are crossed.

SOURCES:
  - Status counts come from the store (requests created in the window).
  - Latency and error counts come from in-process evaluation samples,
    recorded by the ledger for every slot operation.

  The same observations feed Prometheus collectors exported on /metrics.

ALERTS:
  One string per partition per violated threshold. Alerts are logged at
  WARN and returned; nothing is enforced.
*/
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const (
	DefaultMetricsWindow = time.Hour
	maxMonitorSamples    = 50000
)

// Metrics is the aggregate for one partition over a window.
type Metrics struct {
	Partition               Partition       `json:"partition"`
	Window                  time.Duration   `json:"window"`
	TotalRequests           int             `json:"total_requests"`
	ApprovedRequests        int             `json:"approved_requests"`
	PendingRequests         int             `json:"pending_requests"`
	WaitlistedRequests      int             `json:"waitlisted_requests"`
	DeniedRequests          int             `json:"denied_requests"`
	CancelledRequests       int             `json:"cancelled_requests"`
	WaitlistRatio           decimal.Decimal `json:"waitlist_ratio"`
	AverageProcessingTimeMs decimal.Decimal `json:"average_processing_time_ms"`
	ErrorCount              int             `json:"error_count"`
}

// Thresholds for MonitorPerformance. A zero latency or ratio threshold
// disables that check.
type Thresholds struct {
	ErrorThreshold         int
	LatencyThresholdMs     float64
	WaitlistRatioThreshold float64
	Window                 time.Duration
}

type MonitorConfig struct {
	// Registerer receives the collectors. Nil uses a private registry.
	Registerer   prometheus.Registerer
	Window       time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type sample struct {
	at        time.Time
	partition Partition
	duration  time.Duration
	failed    bool
}

type Monitor struct {
	store   Store
	window  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	samples []sample

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	evaluationErrors   *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	promotions         *prometheus.CounterVec
	alerts             *prometheus.CounterVec
	waitlistLength     *prometheus.GaugeVec
}

func NewMonitor(store Store, cfg MonitorConfig) *Monitor {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultMetricsWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	factory := promauto.With(cfg.Registerer)
	return &Monitor{
		store:   store,
		window:  cfg.Window,
		timeout: cfg.StoreTimeout,
		now:     cfg.Now,
		logger:  loggerOrDiscard(cfg.Logger).With("component", "monitor"),
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allotment_slot_operations_total",
			Help: "Slot operations (submit, cancel, deny, evaluate) by partition",
		}, []string{"partition"}),
		evaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "allotment_slot_operation_duration_seconds",
			Help:    "Duration of slot operations including retries",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		evaluationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allotment_slot_operation_errors_total",
			Help: "Failed slot operations by partition",
		}, []string{"partition"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allotment_request_events_total",
			Help: "Request lifecycle events by type",
		}, []string{"type"}),
		promotions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allotment_promotions_total",
			Help: "Staged request promotion outcomes",
		}, []string{"outcome"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "allotment_alerts_total",
			Help: "Advisory alerts raised by threshold",
		}, []string{"threshold"}),
		waitlistLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allotment_waitlisted_requests",
			Help: "Waitlisted requests created within the metrics window",
		}, []string{"partition"}),
	}
}

// =============================================================================
// OBSERVATIONS
// =============================================================================

// ObserveEvaluation records one slot operation.
func (m *Monitor) ObserveEvaluation(p Partition, d time.Duration, err error) {
	label := p.String()
	m.evaluations.WithLabelValues(label).Inc()
	m.evaluationDuration.Observe(d.Seconds())
	failed := err != nil && !IsClientError(err) && !IsNotFound(err)
	if failed {
		m.evaluationErrors.WithLabelValues(label).Inc()
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample{at: now, partition: p, duration: d, failed: failed})
	m.pruneLocked(now)
}

func (m *Monitor) ObserveEvents(events []Event) {
	for _, evt := range events {
		m.transitions.WithLabelValues(string(evt.Type)).Inc()
	}
}

func (m *Monitor) ObservePromotion(status ItemStatus) {
	m.promotions.WithLabelValues(string(status)).Inc()
}

func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.window)
	drop := 0
	for drop < len(m.samples) && m.samples[drop].at.Before(cutoff) {
		drop++
	}
	if over := len(m.samples) - drop - maxMonitorSamples; over > 0 {
		drop += over
	}
	if drop > 0 {
		m.samples = append(m.samples[:0], m.samples[drop:]...)
	}
}

// =============================================================================
// AGGREGATION
// =============================================================================

// CollectMetrics aggregates p over the trailing window. A zero window uses
// the configured one.
func (m *Monitor) CollectMetrics(ctx context.Context, p Partition, window time.Duration) (Metrics, error) {
	if window <= 0 {
		window = m.window
	}
	now := m.now()
	since := now.Add(-window)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	counts, err := m.store.CountRequestsByStatus(ctx, p, since.UTC())
	if err != nil {
		return Metrics{}, fmt.Errorf("count requests for %s: %w", p, classify(err))
	}

	out := Metrics{
		Partition:          p,
		Window:             window,
		ApprovedRequests:   counts[StatusApproved],
		PendingRequests:    counts[StatusPending],
		WaitlistedRequests: counts[StatusWaitlisted],
		DeniedRequests:     counts[StatusDenied],
		CancelledRequests:  counts[StatusCancelled],
	}
	for _, n := range counts {
		out.TotalRequests += n
	}
	out.WaitlistRatio = decimal.Zero
	if out.TotalRequests > 0 {
		out.WaitlistRatio = decimal.NewFromInt(int64(out.WaitlistedRequests)).
			DivRound(decimal.NewFromInt(int64(out.TotalRequests)), 4)
	}

	var total time.Duration
	n := 0
	m.mu.Lock()
	for _, s := range m.samples {
		if s.partition != p || s.at.Before(since) {
			continue
		}
		n++
		total += s.duration
		if s.failed {
			out.ErrorCount++
		}
	}
	m.mu.Unlock()

	out.AverageProcessingTimeMs = decimal.Zero
	if n > 0 {
		totalMs := decimal.NewFromInt(total.Microseconds()).Div(decimal.NewFromInt(1000))
		out.AverageProcessingTimeMs = totalMs.DivRound(decimal.NewFromInt(int64(n)), 2)
	}

	m.waitlistLength.WithLabelValues(p.String()).Set(float64(out.WaitlistedRequests))
	return out, nil
}

// MonitorPerformance checks every known partition against th and returns
// the alerts raised.
func (m *Monitor) MonitorPerformance(ctx context.Context, th Thresholds) ([]string, error) {
	partitions, err := m.partitions(ctx)
	if err != nil {
		return nil, err
	}

	var alerts []string
	for _, p := range partitions {
		metrics, err := m.CollectMetrics(ctx, p, th.Window)
		if err != nil {
			return alerts, err
		}
		for _, a := range evaluateThresholds(metrics, th) {
			m.alerts.WithLabelValues(a.threshold).Inc()
			m.logger.Warn("performance alert", "partition", p.String(), "threshold", a.threshold, "alert", a.message)
			alerts = append(alerts, a.message)
		}
	}
	return alerts, nil
}

type alert struct {
	threshold string
	message   string
}

func evaluateThresholds(m Metrics, th Thresholds) []alert {
	var out []alert
	if m.ErrorCount > th.ErrorThreshold {
		out = append(out, alert{"errors", fmt.Sprintf("%s: %d errors exceed threshold %d", m.Partition, m.ErrorCount, th.ErrorThreshold)})
	}
	if th.LatencyThresholdMs > 0 {
		limit := decimal.NewFromFloat(th.LatencyThresholdMs)
		if m.AverageProcessingTimeMs.GreaterThan(limit) {
			out = append(out, alert{"latency", fmt.Sprintf("%s: average processing time %sms exceeds %sms", m.Partition, m.AverageProcessingTimeMs, limit)})
		}
	}
	if th.WaitlistRatioThreshold > 0 {
		limit := decimal.NewFromFloat(th.WaitlistRatioThreshold)
		if m.WaitlistRatio.GreaterThan(limit) {
			out = append(out, alert{"waitlist_ratio", fmt.Sprintf("%s: waitlist ratio %s exceeds %s", m.Partition, m.WaitlistRatio, limit)})
		}
	}
	return out
}

// partitions expands the directory: each zone of a zoned division, or the
// division itself.
func (m *Monitor) partitions(ctx context.Context) ([]Partition, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	divisions, err := m.store.ListDivisions(ctx)
	if err != nil {
		return nil, classify(err)
	}
	var out []Partition
	for _, d := range divisions {
		if !d.UsesZones {
			out = append(out, Partition{Division: d.ID})
			continue
		}
		zones, err := m.store.ListZones(ctx, d.ID)
		if err != nil {
			return nil, classify(err)
		}
		for _, z := range zones {
			out = append(out, Partition{Division: d.ID, Zone: z.ID})
		}
	}
	return out, nil
}
