package wired

import "github.com/prometheus/client_golang/prometheus"

var (
	lastContact = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Subsystem: "wired",
			Name:      "LastContact",
			Help:      "Last device contact as UNIX timestamps, i.e. seconds since the epoch",
		},
		[]string{"address", "name"})

	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Subsystem: "wired",
			Name:      "PacketsReceived",
			Help:      "number of HomeMatic Wired packets received, by message",
		},
		[]string{"message"})

	discoveryProbes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hm",
			Subsystem: "wired",
			Name:      "DiscoveryProbes",
			Help:      "number of discovery frames sent",
		})

	peerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Subsystem: "wired",
			Name:      "Peers",
			Help:      "number of known HomeMatic Wired peers",
		})
)

func init() {
	prometheus.MustRegister(lastContact)
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(discoveryProbes)
	prometheus.MustRegister(peerCount)
}
