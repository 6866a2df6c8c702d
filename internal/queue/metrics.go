package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "QueuePacketsSent",
			Help:      "number of packets sent from queues, including resends",
		},
		[]string{"type"})

	resends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "QueueResends",
			Help:      "number of packets resent because no response arrived",
		},
		[]string{"type"})

	exhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "QueueResendsExhausted",
			Help:      "number of packets which were never answered",
		})

	queueCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Name:      "Queues",
			Help:      "number of queues currently held by queue managers",
		})
)

func init() {
	prometheus.MustRegister(packetsSent)
	prometheus.MustRegister(resends)
	prometheus.MustRegister(exhausted)
	prometheus.MustRegister(queueCount)
}
