package session

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/gpio"
	"github.com/srg/blecentral/internal/subscription"
)

// Fanout delivers each notification to every handler in order. Nil handlers
// are skipped.
func Fanout(handlers ...subscription.Handler) subscription.Handler {
	var hs []subscription.Handler
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(n subscription.Notification) {
		for _, h := range hs {
			h(n)
		}
	}
}

// GPIOHandler toggles the pin once per notification.
func GPIOHandler(t *gpio.Toggler, logger *logrus.Logger) subscription.Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return func(n subscription.Notification) {
		if _, err := t.Toggle(); err != nil {
			logger.WithError(err).WithField("address", n.Peer.String()).Warn("GPIO toggle failed")
		}
	}
}

// LogHandler logs every notification.
func LogHandler(logger *logrus.Logger) subscription.Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return func(n subscription.Notification) {
		logger.WithFields(logrus.Fields{
			"address":        n.Peer.String(),
			"characteristic": device.DisplayName(n.CharacteristicUUID, bledb.LookupCharacteristic),
			"indication":     n.Indication,
			"seq":            n.Seq,
		}).Infof("Got notification, length = %d B", len(n.Data))
	}
}
