// Package mqtt publishes peer events to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/stapelberg/hmcentral/internal/config"
	"github.com/stapelberg/hmcentral/internal/events"
)

const (
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
)

// client is the subset of pahomqtt.Client used for publishing.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Publisher is an events.Sink. Topics are:
//
//	<prefix>/status                                   online/offline (retained)
//	<prefix>/devices/new                              []events.Device
//	<prefix>/devices/deleted                          []events.Device
//	<prefix>/devices/<serial>/service/<name>/<channel> true/false (retained)
//	<prefix>/devices/<serial>/firmware                events.FirmwareUpdate
//	<prefix>/devices/<serial>/rssi                    dBm
type Publisher struct {
	events.Nop

	client client
	prefix string
	qos    byte
	paho   pahomqtt.Client // nil in tests
}

// Connect connects to the broker in cfg and announces the central as
// online. The broker marks it offline when the connection breaks.
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	statusTopic := cfg.TopicPrefix + "/status"

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetWill(statusTopic, "offline", 1, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(statusTopic, 1, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	})

	c := pahomqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	p := NewPublisher(c, cfg.TopicPrefix, byte(cfg.QoS))
	p.paho = c
	return p, nil
}

func NewPublisher(c client, prefix string, qos byte) *Publisher {
	return &Publisher{
		client: c,
		prefix: prefix,
		qos:    qos,
	}
}

func (p *Publisher) Close() {
	if p.paho == nil {
		return
	}
	p.paho.Publish(p.prefix+"/status", 1, true, "offline").WaitTimeout(publishTimeout)
	p.paho.Disconnect(disconnectQuiesce)
}

// publish does not wait for the broker: failures are logged once the
// token completes.
func (p *Publisher) publish(topic string, v interface{}, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("mqtt: marshaling %s: %v", topic, err)
		return
	}
	token := p.client.Publish(topic, p.qos, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Printf("%v: %s: timeout after %v", ErrPublishFailed, topic, publishTimeout)
			return
		}
		if err := token.Error(); err != nil {
			log.Printf("%v: %s: %v", ErrPublishFailed, topic, err)
		}
	}()
}

func (p *Publisher) NewDevices(devs []events.Device) {
	p.publish(p.prefix+"/devices/new", devs, false)
}

func (p *Publisher) DeleteDevices(devs []events.Device) {
	p.publish(p.prefix+"/devices/deleted", devs, false)
}

func (p *Publisher) ServiceMessage(msg events.ServiceMessage) {
	topic := fmt.Sprintf("%s/devices/%s/service/%s/%d", p.prefix, msg.Serial, msg.Name, msg.Channel)
	p.publish(topic, msg.Value, true)
}

func (p *Publisher) FirmwareUpdate(u events.FirmwareUpdate) {
	p.publish(p.prefix+"/devices/"+u.Serial+"/firmware", u, false)
}

func (p *Publisher) RSSI(serial string, rssi int, _ time.Time) {
	p.publish(p.prefix+"/devices/"+serial+"/rssi", rssi, false)
}

var _ events.Sink = (*Publisher)(nil)
