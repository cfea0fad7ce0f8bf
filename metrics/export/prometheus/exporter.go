package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authstate "github.com/revlin/authstate"
	"github.com/revlin/authstate/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() authstate.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter renders authstate metrics as a [prometheus.Collector].
type Exporter struct {
	source       metricsSource
	counterDescs []counterDesc
	histDescs    []histDesc
	droppedDesc  *prometheus.Desc
}

type counterDesc struct {
	id   authstate.MetricID
	desc *prometheus.Desc
}

type histDesc struct {
	id   authstate.MetricID
	desc *prometheus.Desc
}

// NewExporter creates an exporter that reads from the given
// [authstate.Reconciler].
func NewExporter(r *authstate.Reconciler) *Exporter {
	return NewExporterFromSource(r)
}

// NewExporterFromSource creates an exporter from a custom metrics source.
func NewExporterFromSource(source metricsSource) *Exporter {
	e := &Exporter{
		source: source,
		droppedDesc: prometheus.NewDesc(
			"authstate_audit_dropped_total",
			"Dropped audit events due to dispatcher backpressure.",
			nil, nil,
		),
	}
	for _, def := range internaldefs.CounterDefs {
		e.counterDescs = append(e.counterDescs, counterDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	for _, def := range internaldefs.HistogramDefs {
		e.histDescs = append(e.histDescs, histDesc{
			id:   def.ID,
			desc: prometheus.NewDesc(def.Name, def.Help, nil, nil),
		})
	}
	return e
}

// Describe implements [prometheus.Collector].
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range e.counterDescs {
		ch <- c.desc
	}
	for _, h := range e.histDescs {
		ch <- h.desc
	}
	ch <- e.droppedDesc
}

// Collect implements [prometheus.Collector].
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	if e == nil || e.source == nil {
		return
	}

	snapshot := e.source.MetricsSnapshot()

	for _, c := range e.counterDescs {
		ch <- prometheus.MustNewConstMetric(
			c.desc,
			prometheus.CounterValue,
			float64(snapshot.Counters[c.id]),
		)
	}

	for _, h := range e.histDescs {
		raw := internaldefs.NormalizeBuckets(snapshot.Histograms[h.id])
		cumulative := internaldefs.CumulativeBuckets(raw)

		buckets := make(map[float64]uint64, len(internaldefs.HistogramBounds))
		for i, bound := range internaldefs.HistogramBounds {
			buckets[bound] = cumulative[i]
		}
		count := cumulative[len(cumulative)-1]

		// Sum is not tracked by core snapshots; reported as zero.
		ch <- prometheus.MustNewConstHistogram(h.desc, count, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(
		e.droppedDesc,
		prometheus.CounterValue,
		float64(e.source.AuditDropped()),
	)
}

// Handler returns an http.Handler serving the exporter from its own registry.
// Nothing is registered globally; callers mount the handler where they want
// it.
func (e *Exporter) Handler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(e)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
