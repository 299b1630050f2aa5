package monitor

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Metrics is the process wide metric set. It satisfies the scheduler,
// session and flow observer interfaces.
type Metrics struct {
	Registry *prometheus.Registry

	memUsage  prometheus.Gauge
	cpuUsage  prometheus.Gauge
	backendUp prometheus.Gauge

	ticks         *prometheus.CounterVec
	detections    *prometheus.CounterVec
	detectLatency prometheus.Histogram
	connects      *prometheus.CounterVec
	connectTries  prometheus.Histogram
	events        *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	grpcTotal     *prometheus.CounterVec

	pid *process.Process
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		backendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faceauth_backend_up",
			Help: "1 when the recognizer REST endpoint answered the last check",
		}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_ticks_total",
			Help: "Detection loop ticks by outcome",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_detections_total",
			Help: "Detector invocations by result",
		}, []string{"result"}),
		detectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceauth_detect_seconds",
			Help:    "Detector latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_session_connects_total",
			Help: "Session connect calls by result",
		}, []string{"result"}),
		connectTries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceauth_session_connect_attempts",
			Help:    "Dial attempts needed per connect",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_session_events_total",
			Help: "Socket.IO events by direction and name",
		}, []string{"direction", "event"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_flow_attempts_total",
			Help: "Captured faces handed to the backend by flow mode",
		}, []string{"mode"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_flow_outcomes_total",
			Help: "Flow attempt results by mode and result",
		}, []string{"mode", "result"}),
		grpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceauth_grpc_requests_total",
			Help: "Remote detector calls by side and status code",
		}, []string{"side", "code"}),
	}
	m.Registry.MustRegister(m.memUsage, m.cpuUsage, m.backendUp, m.ticks, m.detections, m.detectLatency,
		m.connects, m.connectTries, m.events, m.attempts, m.outcomes, m.grpcTotal)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Tick(outcome string) {
	m.ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Detect(elapsed time.Duration, found bool, err error) {
	m.detectLatency.Observe(elapsed.Seconds())
	switch {
	case err != nil:
		m.detections.WithLabelValues("error").Inc()
	case found:
		m.detections.WithLabelValues("face").Inc()
	default:
		m.detections.WithLabelValues("none").Inc()
	}
}

func (m *Metrics) Connected(attempts int) {
	m.connects.WithLabelValues("ok").Inc()
	m.connectTries.Observe(float64(attempts))
}

func (m *Metrics) ConnectFailed(attempts int, _ error) {
	m.connects.WithLabelValues("failed").Inc()
	m.connectTries.Observe(float64(attempts))
}

func (m *Metrics) Received(event string) {
	m.events.WithLabelValues("in", event).Inc()
}

func (m *Metrics) Emitted(event string) {
	m.events.WithLabelValues("out", event).Inc()
}

func (m *Metrics) Attempt(mode string) {
	m.attempts.WithLabelValues(mode).Inc()
}

func (m *Metrics) Outcome(mode, result string) {
	m.outcomes.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) GRPC(side, code string) {
	m.grpcTotal.WithLabelValues(side, code).Inc()
}

func (m *Metrics) BackendUp(up bool) {
	if up {
		m.backendUp.Set(1)
		return
	}
	m.backendUp.Set(0)
}

// CheckProcessInfo samples RSS and CPU of this process.
func (m *Metrics) CheckProcessInfo() {
	if m.pid == nil {
		pid, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return
		}
		m.pid = pid
	}
	if memInfo, err := m.pid.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.pid.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon samples process gauges every interval until ctx is done.
func (m *Metrics) StartMon(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
}

// Serve exposes /metrics on its own listener until ctx is done. Used by the
// one-shot commands that do not run the control server.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
}
