package central

import "github.com/prometheus/client_golang/prometheus"

var (
	lastContact = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Name:      "LastContact",
			Help:      "Last device contact as UNIX timestamps, i.e. seconds since the epoch",
		},
		[]string{"address", "name"})

	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "PacketsReceived",
			Help:      "number of BidCoS packets received, by message",
		},
		[]string{"message"})

	peerCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hm",
			Name:      "Peers",
			Help:      "number of paired BidCoS peers",
		})

	firmwareUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hm",
			Name:      "FirmwareUpdates",
			Help:      "firmware update attempts, by result code",
		},
		[]string{"code"})
)

func init() {
	prometheus.MustRegister(lastContact)
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(peerCount)
	prometheus.MustRegister(firmwareUpdates)
}
