package thermal

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stapelberg/hmcentral/internal/hm"
)

var (
	thermalControlEventSetTemperature    = gauge("ThermalControlEventSetTemperature", "Temperature in degC")
	thermalControlEventActualTemperature = gauge("ThermalControlEventActualTemperature", "Temperature in degC")
	thermalControlEventActualHumidity    = gauge("ThermalControlEventActualHumidity", "Humidity in percentage points")
)

func init() {
	prometheus.MustRegister(thermalControlEventSetTemperature)
	prometheus.MustRegister(thermalControlEventActualTemperature)
	prometheus.MustRegister(thermalControlEventActualHumidity)
}

type ThermalControlEvent struct {
	SetTemperature    float64 // in degC
	ActualTemperature float64 // in degC
	ActualHumidity    float64 // in percentage points
}

var tceTmpl = template.Must(template.New("thermalcontrolevent").Parse(`
<strong>ThermalControl:</strong><br>
Target temperature: {{ .SetTemperature }} ℃<br>
Current temperature: {{ .ActualTemperature }} ℃<br>
Humidity: {{ .ActualHumidity }}%<br>
`))

func (tce *ThermalControlEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := tceTmpl.Execute(&buf, tce); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func DecodeThermalControlEvent(payload []byte) (*ThermalControlEvent, error) {
	// c.f. <frame id="THERMALCONTROL_EVENT"> in rftypes/tc.xml
	if got, want := len(payload), 3; got != want {
		return nil, fmt.Errorf("unexpected payload size: got %d, want %d", got, want)
	}
	return &ThermalControlEvent{
		SetTemperature:    float64((uint64(payload[0])>>2)&hm.Mask6Bit) / 2,
		ActualTemperature: float64((int64(payload[0])&hm.Mask2Bit)<<8|int64(payload[1])) / 10,
		ActualHumidity:    float64(payload[2]),
	}, nil
}

// Record exports tce as prometheus metrics of the device.
func (tce *ThermalControlEvent) Record(address, name string) {
	labels := prometheus.Labels{"name": name, "address": address}
	thermalControlEventSetTemperature.With(labels).Set(tce.SetTemperature)
	thermalControlEventActualTemperature.With(labels).Set(tce.ActualTemperature)
	thermalControlEventActualHumidity.With(labels).Set(tce.ActualHumidity)
}
