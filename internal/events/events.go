// Package events distributes what happens to peers (new and deleted
// devices, service messages, firmware updates, reception quality) to
// the configured event sinks.
package events

import "time"

type Device struct {
	ID       uint64 `json:"id"`
	Family   string `json:"family"`
	Address  string `json:"address"`
	Serial   string `json:"serial"`
	TypeID   uint16 `json:"type_id"`
	TypeName string `json:"type"`
	Firmware string `json:"firmware"`
}

// ServiceMessage is a boolean device state like CONFIG_PENDING or
// UNREACH.
type ServiceMessage struct {
	Serial  string    `json:"serial"`
	Channel int       `json:"channel"`
	Name    string    `json:"name"`
	Value   bool      `json:"value"`
	Time    time.Time `json:"time"`
}

type FirmwareUpdate struct {
	Serial  string    `json:"serial"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Sink receives events. Implementations must not block for long: the
// centrals call them from their packet handling goroutines.
type Sink interface {
	NewDevices([]Device)
	DeleteDevices([]Device)
	ServiceMessage(ServiceMessage)
	FirmwareUpdate(FirmwareUpdate)
	RSSI(serial string, rssi int, t time.Time)
}

// Multi forwards every event to all sinks.
type Multi []Sink

func (m Multi) NewDevices(d []Device) {
	for _, s := range m {
		s.NewDevices(d)
	}
}

func (m Multi) DeleteDevices(d []Device) {
	for _, s := range m {
		s.DeleteDevices(d)
	}
}

func (m Multi) ServiceMessage(msg ServiceMessage) {
	for _, s := range m {
		s.ServiceMessage(msg)
	}
}

func (m Multi) FirmwareUpdate(u FirmwareUpdate) {
	for _, s := range m {
		s.FirmwareUpdate(u)
	}
}

func (m Multi) RSSI(serial string, rssi int, t time.Time) {
	for _, s := range m {
		s.RSSI(serial, rssi, t)
	}
}

// Nop discards all events. Embed it to implement only some methods.
type Nop struct{}

func (Nop) NewDevices([]Device)           {}
func (Nop) DeleteDevices([]Device)        {}
func (Nop) ServiceMessage(ServiceMessage) {}
func (Nop) FirmwareUpdate(FirmwareUpdate) {}
func (Nop) RSSI(string, int, time.Time)   {}
