package fastbernoulli

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/*
Metrics counts what the generators, the compiler and the worker pool do.
The counters are mirrored to Prometheus collectors. A nil *Metrics is valid
and records nothing.
*/
type Metrics struct {
	mu               sync.RWMutex
	ScalarSamples    int64
	CompiledSamples  int64
	Compilations     int64
	CompileFailures  int64
	Fallbacks        int64
	WorkerCount      int
	JobCount         int64
	JobFailures      int64
	TotalJobTime     time.Duration
	SchedulingErrors int64

	AverageJobLatency time.Duration
	P95JobLatency     time.Duration
	P99JobLatency     time.Duration

	// latencies holds the most recent job durations, at most windowSize.
	latencies  []time.Duration
	windowSize int

	samples      *prometheus.CounterVec
	compilations *prometheus.CounterVec
	fallbacks    prometheus.Counter
	jobs         *prometheus.CounterVec
	jobDuration  prometheus.Histogram
}

/*
NewMetrics creates the collectors and registers them with reg. A nil reg
keeps them unregistered. Each registry can take one Metrics.
*/
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		latencies:  make([]time.Duration, 0, 1000),
		windowSize: 1000,

		samples: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fastbernoulli_samples_total",
			Help: "Bernoulli samples produced, by evaluation path",
		}, []string{"path"}),
		compilations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fastbernoulli_compilations_total",
			Help: "Circuit compilations, by result",
		}, []string{"result"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "fastbernoulli_fallbacks_total",
			Help: "Generators that fell back to the scalar evaluator",
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fastbernoulli_jobs_total",
			Help: "Parallel partition jobs, by result",
		}, []string{"result"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fastbernoulli_job_duration_seconds",
			Help:    "Parallel partition job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
}

func (m *Metrics) recordSamples(path Mode, n int) {
	if m == nil || n == 0 {
		return
	}

	m.mu.Lock()
	if path == ModeCompiled {
		m.CompiledSamples += int64(n)
	} else {
		m.ScalarSamples += int64(n)
	}
	m.mu.Unlock()

	m.samples.WithLabelValues(path.String()).Add(float64(n))
}

func (m *Metrics) recordCompile(success bool) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		m.Compilations++
		m.compilations.WithLabelValues("success").Inc()
		return
	}

	m.CompileFailures++
	m.compilations.WithLabelValues("failure").Inc()
}

func (m *Metrics) recordFallback() {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.Fallbacks++
	m.mu.Unlock()

	m.fallbacks.Inc()
}

func (m *Metrics) recordSchedulingError() {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.SchedulingErrors++
	m.mu.Unlock()
}

func (m *Metrics) recordWorkers(delta int) {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.WorkerCount += delta
	m.mu.Unlock()
}

func (m *Metrics) recordJobExecution(startTime time.Time, success bool) {
	if m == nil {
		return
	}

	duration := time.Since(startTime)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalJobTime += duration
	m.JobCount++

	result := "success"
	if !success {
		m.JobFailures++
		result = "failure"
	}

	m.jobs.WithLabelValues(result).Inc()
	m.jobDuration.Observe(duration.Seconds())
	m.updateLatencyPercentiles(duration)
}

func (m *Metrics) updateLatencyPercentiles(duration time.Duration) {
	m.AverageJobLatency = (m.AverageJobLatency*time.Duration(m.JobCount-1) + duration) / time.Duration(m.JobCount)

	m.latencies = append(m.latencies, duration)
	if len(m.latencies) > m.windowSize {
		m.latencies = m.latencies[1:]
	}

	sorted := slices.Clone(m.latencies)
	slices.Sort(sorted)

	if len(sorted) > 0 {
		p95Index := min(int(float64(len(sorted))*0.95), len(sorted)-1)
		p99Index := min(int(float64(len(sorted))*0.99), len(sorted)-1)

		m.P95JobLatency = sorted[p95Index]
		m.P99JobLatency = sorted[p99Index]
	}
}

// ExportMetrics returns a snapshot of the counters.
func (m *Metrics) ExportMetrics() map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"scalar_samples":    m.ScalarSamples,
		"compiled_samples":  m.CompiledSamples,
		"compilations":      m.Compilations,
		"compile_failures":  m.CompileFailures,
		"fallbacks":         m.Fallbacks,
		"worker_count":      m.WorkerCount,
		"job_count":         m.JobCount,
		"job_failures":      m.JobFailures,
		"scheduling_errors": m.SchedulingErrors,
		"avg_latency":       m.AverageJobLatency.Microseconds(),
		"p95_latency":       m.P95JobLatency.Microseconds(),
		"p99_latency":       m.P99JobLatency.Microseconds(),
	}
}
