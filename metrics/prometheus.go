package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hupe1980/chronos"
	"github.com/hupe1980/chronos/command"
	"github.com/hupe1980/chronos/model"
)

var (
	applyBuckets      = prometheus.ExponentialBuckets(0.00005, 2, 16) // ~50us to 1.6s
	searchBuckets     = prometheus.ExponentialBuckets(0.0001, 2, 16)  // ~0.1ms to 3.2s
	backgroundBuckets = prometheus.ExponentialBuckets(0.01, 2, 14)    // ~10ms to 82s
)

var _ chronos.MetricsCollector = (*PrometheusCollector)(nil)

// PrometheusCollector implements chronos.MetricsCollector.
type PrometheusCollector struct {
	applies        *prometheus.CounterVec
	applyDuration  *prometheus.HistogramVec
	searches       *prometheus.CounterVec
	searchDuration prometheus.Histogram
	searchResults  prometheus.Histogram

	snapshots       *prometheus.CounterVec
	snapshotBytes   prometheus.Counter
	installs        *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec
	compactions     *prometheus.CounterVec
	versionsDropped prometheus.Counter
	backgroundTime  *prometheus.HistogramVec

	segmentsSealed    prometheus.Counter
	indexInconsistent prometheus.Counter
	failed            prometheus.Gauge
}

// NewPrometheusCollector creates the collector and registers its metrics
// with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_total",
			Help:      "Applied log entries by command kind and status",
		}, []string{"kind", "status"}),
		applyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Latency of applying one log entry",
			Buckets:   applyBuckets,
		}, []string{"kind"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_total",
			Help:      "Vector searches by status",
		}, []string{"status"}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Latency of vector searches",
			Buckets:   searchBuckets,
		}),
		searchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_results",
			Help:      "Number of results returned per search",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_total",
			Help:      "Serialized snapshots by status",
		}, []string{"status"}),
		snapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes_total",
			Help:      "Bytes written by snapshot serialization",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_install_total",
			Help:      "Snapshot installs by mode and status",
		}, []string{"mode", "status"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_total",
			Help:      "Local checkpoints by status",
		}, []string{"status"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_total",
			Help:      "History compactions by status",
		}, []string{"status"}),
		versionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_versions_dropped_total",
			Help:      "Record versions dropped by history compaction",
		}),
		backgroundTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_duration_seconds",
			Help:      "Duration of snapshot, install, checkpoint and compaction runs",
			Buckets:   backgroundBuckets,
		}, []string{"op"}),
		segmentsSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sealed_total",
			Help:      "Segment files sealed",
		}),
		indexInconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_inconsistency_total",
			Help:      "Live keys found missing from the vector index",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed",
			Help:      "1 while the node refuses entries until a snapshot install",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.applies, c.applyDuration,
		c.searches, c.searchDuration, c.searchResults,
		c.snapshots, c.snapshotBytes, c.installs, c.checkpoints,
		c.compactions, c.versionsDropped, c.backgroundTime,
		c.segmentsSealed, c.indexInconsistent, c.failed,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func rejected(err error) bool {
	return errors.Is(err, chronos.ErrInvalidArgument) ||
		errors.Is(err, chronos.ErrKeyExists) ||
		errors.Is(err, chronos.ErrNotFound)
}

// OnApply implements chronos.MetricsCollector. Rejected commands are
// counted with status "rejected".
func (c *PrometheusCollector) OnApply(kind command.Kind, d time.Duration, err error) {
	s := status(err)
	if rejected(err) {
		s = "rejected"
	}
	c.applies.WithLabelValues(kind.String(), s).Inc()
	c.applyDuration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

// OnSearch implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnSearch(_, results int, d time.Duration, err error) {
	c.searches.WithLabelValues(status(err)).Inc()
	c.searchDuration.Observe(d.Seconds())
	if err == nil {
		c.searchResults.Observe(float64(results))
	}
}

// OnSnapshot implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnSnapshot(bytes int64, d time.Duration, err error) {
	c.snapshots.WithLabelValues(status(err)).Inc()
	c.backgroundTime.WithLabelValues("snapshot").Observe(d.Seconds())
	if err == nil {
		c.snapshotBytes.Add(float64(bytes))
	}
}

// OnInstall implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnInstall(mode string, d time.Duration, err error) {
	if mode == "" {
		mode = "none"
	}
	c.installs.WithLabelValues(mode, status(err)).Inc()
	c.backgroundTime.WithLabelValues("install").Observe(d.Seconds())
	if err == nil {
		c.failed.Set(0)
	}
}

// OnCheckpoint implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnCheckpoint(d time.Duration, err error) {
	c.checkpoints.WithLabelValues(status(err)).Inc()
	c.backgroundTime.WithLabelValues("checkpoint").Observe(d.Seconds())
}

// OnCompaction implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnCompaction(d time.Duration, _, dropped int, err error) {
	c.compactions.WithLabelValues(status(err)).Inc()
	c.backgroundTime.WithLabelValues("compaction").Observe(d.Seconds())
	if err == nil {
		c.versionsDropped.Add(float64(dropped))
	}
}

// OnSegmentSealed implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnSegmentSealed(model.SegmentID) { c.segmentsSealed.Inc() }

// OnIndexInconsistency implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnIndexInconsistency(model.Key) { c.indexInconsistent.Inc() }

// OnFatal implements chronos.MetricsCollector.
func (c *PrometheusCollector) OnFatal(error) { c.failed.Set(1) }
