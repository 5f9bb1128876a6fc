package monitoring

import (
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Counters
	chunksTotal          *prometheus.CounterVec
	bytesTotal           *prometheus.CounterVec
	transfersTotal       *prometheus.CounterVec
	channelFailuresTotal prometheus.Counter
	rendezvousTotal      *prometheus.CounterVec

	// Histograms
	transferDuration *prometheus.HistogramVec
	chunkFrameSize   *prometheus.HistogramVec
	probeLatency     prometheus.Histogram

	// Gauges
	probeBandwidth   prometheus.Gauge
	probeReliability prometheus.Gauge
}

var _ ports.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collector's metrics on reg. A nil reg
// uses the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		chunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speedshare_chunks_total",
			Help: "Chunks sent or received",
		}, []string{"direction"}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speedshare_transfer_bytes_total",
			Help: "File bytes moved by finished transfers",
		}, []string{"direction", "status"}),

		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speedshare_transfers_total",
			Help: "Finished transfers by outcome",
		}, []string{"direction", "status"}),

		channelFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "speedshare_channel_failures_total",
			Help: "Data channels that failed to open",
		}),

		rendezvousTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "speedshare_rendezvous_operations_total",
			Help: "Rendezvous registry operations by result",
		}, []string{"operation", "result"}),

		transferDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speedshare_transfer_duration_seconds",
			Help:    "Wall time of finished transfers",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"direction", "status"}),

		chunkFrameSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "speedshare_chunk_frame_bytes",
			Help:    "Size of chunk frames on the wire",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		}, []string{"direction"}),

		probeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "speedshare_probe_latency_seconds",
			Help:    "Network probe round trip",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),

		probeBandwidth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speedshare_probe_bandwidth_bytes_per_second",
			Help: "Bandwidth measured by the last probe",
		}),

		probeReliability: factory.NewGauge(prometheus.GaugeOpts{
			Name: "speedshare_probe_reliability",
			Help: "Reliability (0-1) derived from the last probe",
		}),
	}
}

func (p *PrometheusCollector) RecordChunk(direction string, bytes int) {
	p.chunksTotal.WithLabelValues(direction).Inc()
	p.chunkFrameSize.WithLabelValues(direction).Observe(float64(bytes))
}

func (p *PrometheusCollector) RecordTransfer(direction, status string, bytes uint64, duration time.Duration) {
	p.transfersTotal.WithLabelValues(direction, status).Inc()
	p.bytesTotal.WithLabelValues(direction, status).Add(float64(bytes))
	p.transferDuration.WithLabelValues(direction, status).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordChannelFailures(count int) {
	p.channelFailuresTotal.Add(float64(count))
}

func (p *PrometheusCollector) RecordRendezvous(operation, result string) {
	p.rendezvousTotal.WithLabelValues(operation, result).Inc()
}

func (p *PrometheusCollector) RecordProbe(quality domain.NetworkQuality) {
	p.probeLatency.Observe(quality.Latency.Seconds())
	p.probeBandwidth.Set(quality.BandwidthBytesPerSec)
	p.probeReliability.Set(quality.Reliability)
}
