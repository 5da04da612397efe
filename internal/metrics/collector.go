// Package metrics is a small Prometheus-compatible collector for the relay.
// It renders the text exposition format without pulling in client_golang.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry.
var Collector = NewMetricsCollector("wabridge")

// MetricsCollector aggregates counters, gauges and histograms.
type MetricsCollector struct {
	namespace  string
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewMetricsCollector(namespace string) *MetricsCollector {
	return &MetricsCollector{namespace: namespace, startTime: time.Now()}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// SetBool stores 1 for true and 0 for false.
func (g *Gauge) SetBool(b bool) {
	if b {
		g.Set(1)
		return
	}
	g.Set(0)
}

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Since records the seconds elapsed since start.
func (h *Histogram) Since(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func key(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns or creates the counter name{labels}. The name is prefixed
// with the collector namespace.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	name = c.namespace + "_" + name
	k := key(name, labels)
	if v, ok := c.counters.Load(k); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(k, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates the gauge name{labels}.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	name = c.namespace + "_" + name
	k := key(name, labels)
	if v, ok := c.gauges.Load(k); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(k, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates the histogram name{labels}.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	name = c.namespace + "_" + name
	k := key(name, labels)
	if v, ok := c.histograms.Load(k); ok {
		return v.(*Histogram)
	}
	bs := append([]float64(nil), buckets...)
	sort.Float64s(bs)
	hb := make([]histBucket, len(bs))
	for i, b := range bs {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(k, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Handler renders all metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo writes the exposition text, sorted by series, to w.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	fmt.Fprintf(cw, "# HELP %s_uptime_seconds Time since start in seconds\n", c.namespace)
	fmt.Fprintf(cw, "# TYPE %s_uptime_seconds gauge\n", c.namespace)
	fmt.Fprintf(cw, "%s_uptime_seconds %d\n", c.namespace, int64(c.Uptime().Seconds()))

	var counters []*Counter
	c.counters.Range(func(_, v any) bool { counters = append(counters, v.(*Counter)); return true })
	sort.Slice(counters, func(i, j int) bool {
		return key(counters[i].name, counters[i].labels) < key(counters[j].name, counters[j].labels)
	})
	last := ""
	for _, ctr := range counters {
		if ctr.name != last {
			fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s counter\n", ctr.name, ctr.help, ctr.name)
			last = ctr.name
		}
		fmt.Fprintf(cw, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}

	var gauges []*Gauge
	c.gauges.Range(func(_, v any) bool { gauges = append(gauges, v.(*Gauge)); return true })
	sort.Slice(gauges, func(i, j int) bool {
		return key(gauges[i].name, gauges[i].labels) < key(gauges[j].name, gauges[j].labels)
	})
	last = ""
	for _, g := range gauges {
		if g.name != last {
			fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s gauge\n", g.name, g.help, g.name)
			last = g.name
		}
		fmt.Fprintf(cw, "%s %d\n", series(g.name, g.labels), g.Value())
	}

	var hists []*Histogram
	c.histograms.Range(func(_, v any) bool { hists = append(hists, v.(*Histogram)); return true })
	sort.Slice(hists, func(i, j int) bool {
		return key(hists[i].name, hists[i].labels) < key(hists[j].name, hists[j].labels)
	})
	for _, h := range hists {
		h.mu.Lock()
		fmt.Fprintf(cw, "# HELP %s %s\n# TYPE %s histogram\n", h.name, h.help, h.name)
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(cw, "%s %d\n", series(h.name+"_bucket", joinLabels(h.labels, `le="`+le+`"`)), b.count)
		}
		fmt.Fprintf(cw, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(cw, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}
	return cw.n, cw.err
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

func joinLabels(a, b string) string {
	if a == "" {
		return b
	}
	return a + "," + b
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

// --- Relay metrics ---

var (
	FilteredTotal    = Collector.Counter("filtered_total", "Inbound messages rejected by the filter", "")
	DuplicatesTotal  = Collector.Counter("duplicates_total", "Inbound messages skipped as already seen", "")
	InvalidTotal     = Collector.Counter("invalid_address_total", "Inbound messages dropped for an invalid sender", "")
	RepliesSent      = Collector.Counter("replies_sent_total", "Replies delivered to users", "")
	DeliveryFailures = Collector.Counter("delivery_failures_total", "Replies abandoned after retry exhaustion", "")
	ReconnectsTotal  = Collector.Counter("reconnects_total", "Reconnect attempts", "")
	PolledTotal      = Collector.Counter("polled_total", "Messages discovered by the polling fallback", "")

	SessionConnected = Collector.Gauge("session_connected", "1 while the session is connected", "")
	InFlight         = Collector.Gauge("inflight", "Pipelines currently running", "")

	WebhookLatency = Collector.Histogram("webhook_latency_seconds", "Backend webhook latency in seconds", "",
		[]float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, math.Inf(1)})
)

// InboundTotal counts messages entering the pipeline by delivery path.
func InboundTotal(via string) *Counter {
	return Collector.Counter("inbound_total", "Inbound messages entering the pipeline", `via="`+via+`"`)
}

// ForwardedTotal counts backend outcomes.
func ForwardedTotal(outcome string) *Counter {
	return Collector.Counter("forwarded_total", "Messages forwarded to the backend by outcome", `outcome="`+outcome+`"`)
}
