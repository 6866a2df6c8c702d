package events

import log "github.com/sirupsen/logrus"

// Log writes events to the log.
type Log struct{ Nop }

func (Log) NewDevices(devs []Device) {
	for _, d := range devs {
		log.WithFields(log.Fields{
			"family":  d.Family,
			"address": d.Address,
			"serial":  d.Serial,
		}).Infof("new device: %s", d.TypeName)
	}
}

func (Log) DeleteDevices(devs []Device) {
	for _, d := range devs {
		log.WithFields(log.Fields{
			"family":  d.Family,
			"address": d.Address,
			"serial":  d.Serial,
		}).Info("device deleted")
	}
}

func (Log) ServiceMessage(msg ServiceMessage) {
	log.WithField("serial", msg.Serial).Infof("service message %s:%d = %v", msg.Name, msg.Channel, msg.Value)
}

func (Log) FirmwareUpdate(u FirmwareUpdate) {
	log.WithField("serial", u.Serial).Infof("firmware update finished with code %d: %s", u.Code, u.Message)
}

var _ Sink = Log{}
