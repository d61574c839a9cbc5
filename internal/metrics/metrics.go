package metrics

// Metrics collection for proxy sessions

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Direction labels which leg of a session a frame travelled on.
type Direction string

const (
	DirectionRequest  Direction = "client_to_upstream"
	DirectionResponse Direction = "upstream_to_client"
)

// RewriteKind labels the rewriting rule that modified a frame.
type RewriteKind string

const (
	RewriteWriteRequest RewriteKind = "write_request"
	RewriteWriteAck     RewriteKind = "write_ack"
	RewriteReadResponse RewriteKind = "read_response"
)

// Collector records proxy activity into a Prometheus registry and keeps a
// small in-process summary for shutdown logging. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal  prometheus.Counter
	sessionsActive prometheus.Gauge
	sessionErrors  *prometheus.CounterVec
	bindFailures   prometheus.Counter
	framesTotal    *prometheus.CounterVec
	rewritesTotal  *prometheus.CounterVec
	anomaliesTotal *prometheus.CounterVec
	exchangeRTT    prometheus.Histogram
	overrideCount  prometheus.Gauge

	mu      sync.Mutex
	summary Summary
}

// Summary contains aggregated statistics
type Summary struct {
	Sessions      int
	ActiveNow     int
	SessionErrors int
	BindFailures  int
	Requests      int
	Responses     int
	Rewrites      int
	Anomalies     int
	Exchanges     int
	MinRTT        float64
	MaxRTT        float64
	AvgRTT        float64
	sumRTT        float64
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbmitm_sessions_total",
			Help: "Total number of accepted client sessions",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbmitm_sessions_active",
			Help: "Number of sessions currently relaying",
		}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbmitm_session_errors_total",
			Help: "Sessions ended by a transport error, by error class",
		}, []string{"class"}),
		bindFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mbmitm_bind_exhausted_total",
			Help: "Sessions dropped because no upstream source port could be bound",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbmitm_frames_total",
			Help: "Frames relayed, by direction and function",
		}, []string{"direction", "function"}),
		rewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbmitm_rewrites_total",
			Help: "Register values rewritten, by rule",
		}, []string{"kind"}),
		anomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mbmitm_decode_anomalies_total",
			Help: "Frames forwarded unmodified because they could not be fully decoded",
		}, []string{"reason"}),
		exchangeRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mbmitm_upstream_rtt_seconds",
			Help:    "Time from forwarding a request to receiving the upstream response",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		overrideCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mbmitm_overrides",
			Help: "Number of entries in the active override table",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessionsTotal,
		c.sessionsActive,
		c.sessionErrors,
		c.bindFailures,
		c.framesTotal,
		c.rewritesTotal,
		c.anomaliesTotal,
		c.exchangeRTT,
		c.overrideCount,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SessionOpened records a new session entering the relay loop.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
	c.mu.Lock()
	c.summary.Sessions++
	c.summary.ActiveNow++
	c.mu.Unlock()
}

// SessionClosed records a session leaving the relay loop. errClass is empty
// for a clean close.
func (c *Collector) SessionClosed(errClass string) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	if errClass != "" {
		c.sessionErrors.WithLabelValues(errClass).Inc()
	}
	c.mu.Lock()
	c.summary.ActiveNow--
	if errClass != "" {
		c.summary.SessionErrors++
	}
	c.mu.Unlock()
}

// BindExhausted records a session that never reached the relay loop.
func (c *Collector) BindExhausted() {
	if c == nil {
		return
	}
	c.bindFailures.Inc()
	c.mu.Lock()
	c.summary.BindFailures++
	c.mu.Unlock()
}

// Frame records one relayed frame. function is the Modbus function name, or
// "undecodable".
func (c *Collector) Frame(dir Direction, function string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(string(dir), function).Inc()
	c.mu.Lock()
	if dir == DirectionRequest {
		c.summary.Requests++
	} else {
		c.summary.Responses++
	}
	c.mu.Unlock()
}

// Rewrite records a register value rewritten by the given rule.
func (c *Collector) Rewrite(kind RewriteKind) {
	if c == nil {
		return
	}
	c.rewritesTotal.WithLabelValues(string(kind)).Inc()
	c.mu.Lock()
	c.summary.Rewrites++
	c.mu.Unlock()
}

// Anomaly records a frame forwarded unmodified for the given reason.
func (c *Collector) Anomaly(reason string) {
	if c == nil {
		return
	}
	c.anomaliesTotal.WithLabelValues(reason).Inc()
	c.mu.Lock()
	c.summary.Anomalies++
	c.mu.Unlock()
}

// Exchange records the upstream round-trip time of one request.
func (c *Collector) Exchange(rtt time.Duration) {
	if c == nil {
		return
	}
	c.exchangeRTT.Observe(rtt.Seconds())

	ms := float64(rtt.Microseconds()) / 1000
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.summary
	if s.Exchanges == 0 || ms < s.MinRTT {
		s.MinRTT = ms
	}
	if ms > s.MaxRTT {
		s.MaxRTT = ms
	}
	s.Exchanges++
	s.sumRTT += ms
	s.AvgRTT = s.sumRTT / float64(s.Exchanges)
}

// SetOverrideCount publishes the size of the active override table.
func (c *Collector) SetOverrideCount(n int) {
	if c == nil {
		return
	}
	c.overrideCount.Set(float64(n))
}

// GetSummary returns a copy of the aggregated summary.
func (c *Collector) GetSummary() Summary {
	if c == nil {
		return Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// FormatSummary formats a summary for human-readable output
func FormatSummary(summary Summary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Sessions: %d (active %d, transport errors %d)\n",
		summary.Sessions, summary.ActiveNow, summary.SessionErrors)
	if summary.BindFailures > 0 {
		fmt.Fprintf(&b, "Bind Failures: %d\n", summary.BindFailures)
	}
	fmt.Fprintf(&b, "Frames: %d requests, %d responses\n", summary.Requests, summary.Responses)
	fmt.Fprintf(&b, "Rewrites: %d\n", summary.Rewrites)
	if summary.Anomalies > 0 {
		fmt.Fprintf(&b, "Decode Anomalies: %d\n", summary.Anomalies)
	}
	if summary.Exchanges > 0 {
		b.WriteString("\nUpstream RTT:\n")
		fmt.Fprintf(&b, "  Min: %.3f ms\n", summary.MinRTT)
		fmt.Fprintf(&b, "  Max: %.3f ms\n", summary.MaxRTT)
		fmt.Fprintf(&b, "  Avg: %.3f ms\n", summary.AvgRTT)
	}
	return b.String()
}
