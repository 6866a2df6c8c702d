package central

import (
	"html/template"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/hm/power"
	"github.com/stapelberg/hmcentral/internal/hm/thermal"
)

// Telemetry is the most recent measurement of one kind a device sent.
type Telemetry interface {
	HTML() template.HTML
	Record(address, name string)
}

func decodeTelemetry(pkt *bidcos.Packet) (string, Telemetry, error) {
	switch pkt.Cmd {
	case bidcos.PowerEvent, bidcos.PowerEventCyclic:
		pe, err := power.DecodePowerEvent(pkt.Payload)
		return "power", pe, err
	case bidcos.WeatherEvent:
		we, err := thermal.DecodeWeatherEvent(pkt.Payload)
		return "weather", we, err
	case bidcos.ThermalControl:
		tce, err := thermal.DecodeThermalControlEvent(pkt.Payload)
		return "thermalcontrol", tce, err
	}
	return "", nil, nil
}

func (c *Central) handleTelemetry(ifaceID string, pkt *bidcos.Packet) {
	defer c.handleDeviceMessage(ifaceID, pkt)
	p, ok := c.PeerByAddress(pkt.SourceAddr())
	if !ok {
		return
	}
	kind, t, err := decodeTelemetry(pkt)
	if err != nil {
		log.WithField("serial", p.Serial).Printf("decoding %s event: %v", kind, err)
		return
	}
	if t == nil {
		return
	}
	t.Record(bidcos.AddrHex(p.Address), p.Serial)
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.telemetry[p.Address]
	if !ok {
		m = make(map[string]Telemetry)
		c.telemetry[p.Address] = m
	}
	m[kind] = t
}

// Telemetry returns the latest measurements of the peer at addr,
// ordered by kind.
func (c *Central) Telemetry(addr int32) []Telemetry {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.telemetry[addr]
	kinds := make([]string, 0, len(m))
	for kind := range m {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	result := make([]Telemetry, 0, len(kinds))
	for _, kind := range kinds {
		result = append(result, m[kind])
	}
	return result
}
