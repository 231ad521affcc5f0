// Package metrics exposes the gateway's operational counters and gauges
// through github.com/prometheus/client_golang, matching spec.md §3's
// StreamStats fields. Each running pipeline gets its own labeled set via
// stream_id; the registry is owned by cmd/hls2dvb and exposed over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the gateway emits. One instance is shared
// across all stream pipelines; per-stream values are distinguished by the
// stream_id label.
type Collectors struct {
	SegmentsProcessed *prometheus.CounterVec
	Discontinuities   *prometheus.CounterVec
	SegmentsDropped   *prometheus.CounterVec
	SenderErrors      *prometheus.CounterVec
	PacketsSent       *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec

	BufferFillSegments *prometheus.GaugeVec
	BufferCapacity     *prometheus.GaugeVec
	BitrateBps         *prometheus.GaugeVec
	PipelineState      *prometheus.GaugeVec
}

// New registers and returns the full collector set against reg.
func New(reg *prometheus.Registry) *Collectors {
	c := &Collectors{
		SegmentsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hls2dvb",
			Name:      "segments_processed_total",
			Help:      "HLS segments successfully converted to DVB-compliant MPEG-TS.",
		}, []string{"stream_id"}),
		Discontinuities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hls2dvb",
			Name:      "discontinuities_total",
			Help:      "Discontinuities observed in source playlists or segments.",
		}, []string{"stream_id"}),
		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hls2dvb",
			Name:      "segments_dropped_total",
			Help:      "Segments dropped from a bounded buffer due to overflow.",
		}, []string{"stream_id", "stage"}),
		SenderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hls2dvb",
			Name:      "sender_errors_total",
			Help:      "UDP send failures on the multicast sender.",
		}, []string{"stream_id"}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hls2dvb",
			Name:      "packets_sent_total",
			Help:      "UDP datagrams successfully written to the multicast socket.",
		}, []string{"stream_id"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hls2dvb",
			Name:      "bytes_sent_total",
			Help:      "Bytes successfully written to the multicast socket.",
		}, []string{"stream_id"}),
		BufferFillSegments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hls2dvb",
			Name:      "buffer_fill_segments",
			Help:      "Segments currently queued in the bounded segment buffer.",
		}, []string{"stream_id"}),
		BufferCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hls2dvb",
			Name:      "buffer_capacity_segments",
			Help:      "Configured capacity of the bounded segment buffer.",
		}, []string{"stream_id"}),
		BitrateBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hls2dvb",
			Name:      "bitrate_bps",
			Help:      "EWMA-smoothed outbound bitrate, in bits per second.",
		}, []string{"stream_id"}),
		PipelineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hls2dvb",
			Name:      "pipeline_state",
			Help:      "Current pipeline state as an enum (see pipeline.State).",
		}, []string{"stream_id", "state"}),
	}

	reg.MustRegister(
		c.SegmentsProcessed,
		c.Discontinuities,
		c.SegmentsDropped,
		c.SenderErrors,
		c.PacketsSent,
		c.BytesSent,
		c.BufferFillSegments,
		c.BufferCapacity,
		c.BitrateBps,
		c.PipelineState,
	)
	return c
}

// ForStream returns a StreamRecorder bound to one stream_id label value, so
// a pipeline doesn't have to repeat its ID on every call.
func (c *Collectors) ForStream(streamID string) *StreamRecorder {
	return &StreamRecorder{c: c, streamID: streamID}
}

// StreamRecorder is the narrow recording surface a running pipeline uses.
// A recorder is bound to exactly one pipeline run (ForStream is called once
// per StartStream), so the cumulative-totals bookkeeping in Sent below never
// needs its own lock: the pipeline's single worker goroutine is the only
// caller.
type StreamRecorder struct {
	c        *Collectors
	streamID string

	lastPacketsSent uint64
	lastBytesSent   uint64
}

func (r *StreamRecorder) SegmentProcessed() {
	r.c.SegmentsProcessed.WithLabelValues(r.streamID).Inc()
}

func (r *StreamRecorder) Discontinuity() {
	r.c.Discontinuities.WithLabelValues(r.streamID).Inc()
}

func (r *StreamRecorder) SegmentDropped(stage string) {
	r.c.SegmentsDropped.WithLabelValues(r.streamID, stage).Inc()
}

func (r *StreamRecorder) SenderError() {
	r.c.SenderErrors.WithLabelValues(r.streamID).Inc()
}

// Sent records the sender's cumulative counters against the Prometheus
// counters, which only ever move forward by the delta since the last call —
// passing the running totals straight to Add would make the exported
// counters grow quadratically.
func (r *StreamRecorder) Sent(totalPackets, totalBytes uint64) {
	if totalPackets > r.lastPacketsSent {
		r.c.PacketsSent.WithLabelValues(r.streamID).Add(float64(totalPackets - r.lastPacketsSent))
	}
	r.lastPacketsSent = totalPackets
	if totalBytes > r.lastBytesSent {
		r.c.BytesSent.WithLabelValues(r.streamID).Add(float64(totalBytes - r.lastBytesSent))
	}
	r.lastBytesSent = totalBytes
}

func (r *StreamRecorder) BufferFill(size, capacity int) {
	r.c.BufferFillSegments.WithLabelValues(r.streamID).Set(float64(size))
	r.c.BufferCapacity.WithLabelValues(r.streamID).Set(float64(capacity))
}

func (r *StreamRecorder) Bitrate(bps float64) {
	r.c.BitrateBps.WithLabelValues(r.streamID).Set(bps)
}

// PipelineState sets the gauge for state to 1 and every other known state to
// 0, so a Grafana panel can graph "current state" as a step function without
// needing max-over-time tricks.
func (r *StreamRecorder) PipelineState(current string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1.0
		}
		r.c.PipelineState.WithLabelValues(r.streamID, s).Set(v)
	}
}

// Forget removes all label combinations for streamID, called when a stream
// is permanently removed so its series don't linger in /metrics forever.
func (c *Collectors) Forget(streamID string) {
	c.SegmentsProcessed.DeleteLabelValues(streamID)
	c.Discontinuities.DeleteLabelValues(streamID)
	c.SenderErrors.DeleteLabelValues(streamID)
	c.PacketsSent.DeleteLabelValues(streamID)
	c.BytesSent.DeleteLabelValues(streamID)
	c.BufferFillSegments.DeleteLabelValues(streamID)
	c.BufferCapacity.DeleteLabelValues(streamID)
	c.BitrateBps.DeleteLabelValues(streamID)
	c.SegmentsDropped.DeletePartialMatch(prometheus.Labels{"stream_id": streamID})
	c.PipelineState.DeletePartialMatch(prometheus.Labels{"stream_id": streamID})
}
