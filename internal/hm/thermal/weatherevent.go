// Package thermal decodes the measurements of wall thermostats
// (HM-TC-IT-WM-W-EU).
package thermal

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/prometheus/client_golang/prometheus"
)

const prometheusNamespace = "hmthermal"

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
	weatherEventTemperature = gauge("WeatherEventTemperature", "Temperature in degC")
	weatherEventHumidity    = gauge("WeatherEventHumidity", "Humidity in percentage points")
)

func init() {
	prometheus.MustRegister(weatherEventTemperature)
	prometheus.MustRegister(weatherEventHumidity)
}

type WeatherEvent struct {
	Temperature float64 // in degC
	Humidity    uint64  // in percentage points
}

var weTmpl = template.Must(template.New("weatherevent").Parse(`
<strong>Weather:</strong><br>
Temperature: {{ .Temperature }} ℃<br>
Humidity: {{ .Humidity }}%<br>
`))

func (we *WeatherEvent) HTML() template.HTML {
	var buf bytes.Buffer
	if err := weTmpl.Execute(&buf, we); err != nil {
		return template.HTML(template.HTMLEscapeString(err.Error()))
	}
	return template.HTML(buf.String())
}

func DecodeWeatherEvent(payload []byte) (*WeatherEvent, error) {
	// c.f. <frame id="WEATHER_EVENT"> in rftypes/tc.xml
	if got, want := len(payload), 3; got != want {
		return nil, fmt.Errorf("unexpected payload size: got %d, want %d", got, want)
	}
	return &WeatherEvent{
		Temperature: float64((int16(payload[0])<<8|int16(payload[1]))&0x3FFF) / 10,
		Humidity:    uint64(payload[2]),
	}, nil
}

// Record exports we as prometheus metrics of the device.
func (we *WeatherEvent) Record(address, name string) {
	labels := prometheus.Labels{"name": name, "address": address}
	weatherEventTemperature.With(labels).Set(we.Temperature)
	weatherEventHumidity.With(labels).Set(float64(we.Humidity))
}
