// Package power decodes the measurements of switch actuators with power
// metering (HM-ES-PMSw1-Pl).
package power

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/hm"
)

const prometheusNamespace = "hmpower"

func gauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: prometheusNamespace,
			Name:      name,
			Help:      help,
		},
		[]string{"address", "name"})
}

var (
	powerEventBoot          = gauge("PowerEventBoot", "booted state (bool)")
	powerEventEnergyCounter = gauge("PowerEventEnergyCounter", "energy counter in Wh")
	powerEventPower         = gauge("PowerEventPower", "power in W")
	powerEventCurrent       = gauge("PowerEventCurrent", "current in mA")
	powerEventVoltage       = gauge("PowerEventVoltage", "voltage in V")
	powerEventFrequency     = gauge("PowerEventFrequency", "frequency in Hz")
)

func init() {
	prometheus.MustRegister(powerEventBoot)
	prometheus.MustRegister(powerEventEnergyCounter)
	prometheus.MustRegister(powerEventPower)
	prometheus.MustRegister(powerEventCurrent)
	prometheus.MustRegister(powerEventVoltage)
	prometheus.MustRegister(powerEventFrequency)
}

type PowerEvent struct {
	Boot          bool
	EnergyCounter float64 // in Wh
	Power         float64 // in W
	Current       float64 // in mA
	Voltage       float64 // in V
	Frequency     float64 // in Hz
}

var peTmpl = template.Must(template.New("powerevent").Parse(`
<strong>Power:</strong><br>
Booted: {{ .Boot }}<br>
EnergyCounter: {{ .EnergyCounter }} Wh<br>
Power: {{ .Power }} W<br>
Current {{ .Current }} mA<br>
Voltage: {{ .Voltage }} V<br>
Frequency: {{ .Frequency }} Hz<br>
`))

func (pe *PowerEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := peTmpl.Execute(&buf, pe); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

// DecodePowerEvent decodes the payload of a POWER_EVENT or
// POWER_EVENT_CYCLIC message.
func DecodePowerEvent(payload []byte) (*PowerEvent, error) {
	// c.f. <frame id="POWER_EVENT"> in rftypes/es2.xml
	if got, want := len(payload), 11; got != want {
		return nil, fmt.Errorf("unexpected payload size: got %d, want %d", got, want)
	}
	return &PowerEvent{
		Boot:          ((payload[0] >> 7) & hm.Mask1Bit) == 1,
		EnergyCounter: float64(((uint64(payload[0])&hm.Mask7Bit)<<16)|(uint64(payload[1])<<8)|uint64(payload[2])) / 10,
		Power:         float64((uint64(payload[3])<<16)|(uint64(payload[4])<<8)|uint64(payload[5])) / 100,
		Current:       float64((uint64(payload[6]) << 8) | uint64(payload[7])),
		Voltage:       float64(uint64(payload[8])<<8|uint64(payload[9])) / 10,
		Frequency:     float64(int64(payload[10]))/100 + 50,
	}, nil
}

// Record exports pe as prometheus metrics of the device.
func (pe *PowerEvent) Record(address, name string) {
	labels := prometheus.Labels{"name": name, "address": address}
	var boot float64
	if pe.Boot {
		boot = 1
	}
	powerEventBoot.With(labels).Set(boot)
	powerEventEnergyCounter.With(labels).Set(pe.EnergyCounter)
	powerEventPower.With(labels).Set(pe.Power)
	powerEventCurrent.With(labels).Set(pe.Current)
	powerEventVoltage.With(labels).Set(pe.Voltage)
	powerEventFrequency.With(labels).Set(pe.Frequency)
}
