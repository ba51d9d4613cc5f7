package nvmeq

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusObserver exports completion observations as Prometheus metrics.
// Register it as the session Observer and serve the registry over HTTP.
type PrometheusObserver struct {
	ops     *prometheus.CounterVec
	bytes   *prometheus.CounterVec
	latency *prometheus.HistogramVec
	aborted prometheus.Counter
}

// NewPrometheusObserver creates the metric set and registers it with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmeq",
			Name:      "commands_total",
			Help:      "Completed commands by class and outcome.",
		}, []string{"op", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nvmeq",
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved by successful data commands.",
		}, []string{"op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nvmeq",
			Name:      "command_latency_seconds",
			Help:      "Submit-to-completion latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
		}, []string{"op"}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nvmeq",
			Name:      "aborted_commands_total",
			Help:      "Commands resolved locally by queue deletion or reset.",
		}),
	}
	for _, c := range []prometheus.Collector{o.ops, o.bytes, o.latency, o.aborted} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func outcome(success bool) string {
	if success {
		return "ok"
	}
	return "error"
}

func (o *PrometheusObserver) observe(op string, latencyNs uint64, success bool) {
	o.ops.WithLabelValues(op, outcome(success)).Inc()
	o.latency.WithLabelValues(op).Observe(float64(latencyNs) / 1e9)
}

func (o *PrometheusObserver) ObserveAdmin(opcode uint8, latencyNs uint64, success bool) {
	o.observe("admin", latencyNs, success)
}

func (o *PrometheusObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.observe("read", latencyNs, success)
	if success {
		o.bytes.WithLabelValues("read").Add(float64(bytes))
	}
}

func (o *PrometheusObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.observe("write", latencyNs, success)
	if success {
		o.bytes.WithLabelValues("write").Add(float64(bytes))
	}
}

func (o *PrometheusObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.observe("flush", latencyNs, success)
}

func (o *PrometheusObserver) ObserveOther(opcode uint8, latencyNs uint64, success bool) {
	o.observe("other", latencyNs, success)
}

func (o *PrometheusObserver) ObserveAborted(qid uint16, count int) {
	o.aborted.Add(float64(count))
}

var _ Observer = (*PrometheusObserver)(nil)
