package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectedPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tasksprite_hub_connected_peers",
		Help: "Number of authenticated peer sessions.",
	})

	metricFramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksprite_hub_frames_routed_total",
		Help: "Frames delivered by the router.",
	}, []string{"kind"}) // unicast | broadcast | hub

	metricFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksprite_hub_frames_dropped_total",
		Help: "Frames dropped instead of delivered.",
	}, []string{"reason"}) // backpressure | shutdown

	metricProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasksprite_hub_protocol_errors_total",
		Help: "Protocol errors reported to peers, by stable code.",
	}, []string{"code"})

	metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasksprite_hub_evictions_total",
		Help: "Sessions evicted by the liveness sweep.",
	})
)
