package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/ptoa/pkg/util"
)

// Metrics counts the traffic of every decode stage. A Metrics created with a
// nil registerer is usable but not exported.
type Metrics struct {
	pagesTotal  *prometheus.CounterVec
	valuesTotal *prometheus.CounterVec
	bytesTotal  *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		pagesTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptoa_pages_total",
			Help: "Total number of pages retired by a decode stage.",
		}, []string{"stage"})),
		valuesTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptoa_values_decoded_total",
			Help: "Total number of values emitted by the decoders.",
		}, []string{"encoding"})),
		bytesTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptoa_bytes_total",
			Help: "Total number of payload bytes consumed by a decode stage.",
		}, []string{"stage"})),
		errorsTotal: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptoa_decode_errors_total",
			Help: "Total number of decode runs aborted by an error, by kind.",
		}, []string{"kind"})),
	}
}

func (m *Metrics) PageDone(stage string, bytes int64) {
	m.pagesTotal.WithLabelValues(stage).Inc()
	m.bytesTotal.WithLabelValues(stage).Add(float64(bytes))
}

func (m *Metrics) ValuesDecoded(encoding string, n int) {
	m.valuesTotal.WithLabelValues(encoding).Add(float64(n))
}

func (m *Metrics) Error(err error) {
	m.errorsTotal.WithLabelValues(ErrorKind(err)).Inc()
}
