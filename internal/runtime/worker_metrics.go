package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerMetrics tracks consumption per receiver, both as Prometheus
// collectors and as an in-process snapshot for the panel.
type WorkerMetrics struct {
	mu    sync.RWMutex
	clock clock.Clock

	receivers map[string]*ReceiverMetrics

	receivedTotal *prometheus.CounterVec
	handledTotal  *prometheus.CounterVec
	failedTotal   *prometheus.CounterVec
	handlingHist  *prometheus.HistogramVec
	retryHist     *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// ReceiverMetrics holds the counters of one receiver.
type ReceiverMetrics struct {
	Received            uint64    `json:"received"`
	Handled             uint64    `json:"handled"`
	Retried             uint64    `json:"retried"`
	SentToFailure       uint64    `json:"sent_to_failure"`
	Rejected            uint64    `json:"rejected"`
	TotalHandlingTimeNs int64     `json:"total_handling_time_ns"`
	LastUpdatedAt       time.Time `json:"last_updated_at"`
}

// Failed returns the number of failed messages, whatever happened to them.
func (r ReceiverMetrics) Failed() uint64 {
	return r.Retried + r.SentToFailure + r.Rejected
}

// WorkerMetricsSnapshot is a point-in-time view of WorkerMetrics.
type WorkerMetricsSnapshot struct {
	TotalReceived uint64                     `json:"total_received"`
	TotalHandled  uint64                     `json:"total_handled"`
	TotalFailed   uint64                     `json:"total_failed"`
	Receivers     map[string]ReceiverMetrics `json:"receivers"`
	CollectedAt   time.Time                  `json:"collected_at"`
}

func workerOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: "busflow",
		Subsystem: "worker",
		Name:      name,
		Help:      help,
	}
}

func newWorkerHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "busflow",
		Subsystem: "worker",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewWorkerMetrics creates the collectors. A nil registerer uses the
// Prometheus default registerer, a nil clock the wall clock.
func NewWorkerMetrics(registerer prometheus.Registerer, clk clock.Clock) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if clk == nil {
		clk = clock.New()
	}
	return &WorkerMetrics{
		clock:         clk,
		receivers:     make(map[string]*ReceiverMetrics),
		registerer:    registerer,
		receivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts(workerOpts("received_total", "Messages received from a transport")), []string{"receiver"}),
		handledTotal:  prometheus.NewCounterVec(prometheus.CounterOpts(workerOpts("handled_total", "Messages handled successfully")), []string{"receiver"}),
		failedTotal:   prometheus.NewCounterVec(prometheus.CounterOpts(workerOpts("failed_total", "Messages whose handling failed, by action taken")), []string{"receiver", "action"}),
		handlingHist:  newWorkerHistogramVec("handling_seconds", "Time spent handling a received message", prometheus.DefBuckets, []string{"receiver", "outcome"}),
		retryHist:     newWorkerHistogramVec("retry_count", "Retry count of failed messages", []float64{0, 1, 2, 3, 5, 10}, []string{"receiver"}),
	}
}

// Register registers the collectors. Collectors that are already
// registered are reused; calling Register twice is a no-op.
func (m *WorkerMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	counters := []**prometheus.CounterVec{&m.receivedTotal, &m.handledTotal, &m.failedTotal}
	for _, c := range counters {
		existing, err := register(m.registerer, *c)
		if err != nil {
			return err
		}
		*c = existing
	}
	histograms := []**prometheus.HistogramVec{&m.handlingHist, &m.retryHist}
	for _, h := range histograms {
		existing, err := register(m.registerer, *h)
		if err != nil {
			return err
		}
		*h = existing
	}

	m.registered = true
	return nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// RecordReceived counts a received message.
func (m *WorkerMetrics) RecordReceived(receiver string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.receiver(receiver)
	r.Received++
	r.LastUpdatedAt = m.clock.Now()
	m.receivedTotal.WithLabelValues(receiver).Inc()
}

// RecordHandled counts a successfully handled message.
func (m *WorkerMetrics) RecordHandled(receiver string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.receiver(receiver)
	r.Handled++
	r.TotalHandlingTimeNs += took.Nanoseconds()
	r.LastUpdatedAt = m.clock.Now()
	m.handledTotal.WithLabelValues(receiver).Inc()
	m.handlingHist.WithLabelValues(receiver, "handled").Observe(took.Seconds())
}

// RecordFailed counts a failed message and what was done with it.
func (m *WorkerMetrics) RecordFailed(receiver string, action FailureAction, retryCount int, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.receiver(receiver)
	switch action {
	case FailureRetried:
		r.Retried++
	case FailureSentToFailureTransport:
		r.SentToFailure++
	default:
		action = FailureRejected
		r.Rejected++
	}
	r.TotalHandlingTimeNs += took.Nanoseconds()
	r.LastUpdatedAt = m.clock.Now()

	m.failedTotal.WithLabelValues(receiver, string(action)).Inc()
	m.handlingHist.WithLabelValues(receiver, "failed").Observe(took.Seconds())
	m.retryHist.WithLabelValues(receiver).Observe(float64(retryCount))
}

// Snapshot returns a copy of the per-receiver counters.
func (m *WorkerMetrics) Snapshot() WorkerMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := WorkerMetricsSnapshot{
		Receivers:   make(map[string]ReceiverMetrics, len(m.receivers)),
		CollectedAt: m.clock.Now(),
	}
	for name, r := range m.receivers {
		snapshot.Receivers[name] = *r
		snapshot.TotalReceived += r.Received
		snapshot.TotalHandled += r.Handled
		snapshot.TotalFailed += r.Failed()
	}
	return snapshot
}

// Reset clears every counter.
func (m *WorkerMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.receivers = make(map[string]*ReceiverMetrics)
	m.receivedTotal.Reset()
	m.handledTotal.Reset()
	m.failedTotal.Reset()
	m.handlingHist.Reset()
	m.retryHist.Reset()
}

func (m *WorkerMetrics) receiver(name string) *ReceiverMetrics {
	if r, ok := m.receivers[name]; ok {
		return r
	}
	r := &ReceiverMetrics{}
	m.receivers[name] = r
	return r
}
