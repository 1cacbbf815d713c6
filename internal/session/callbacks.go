package session

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
)

// callbacks answers the connection manager's security prompts and turns
// disconnects into queue events for the session loop.
type callbacks struct {
	c *Controller
}

func (cb *callbacks) OnConnect(conn *connmgr.Connection) {
	cb.c.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  conn.Handle(),
	}).Debug("Link up")
}

func (cb *callbacks) OnDisconnect(conn *connmgr.Connection, reason device.DisconnectReason) {
	cb.c.stats.disconnects.Add(1)
	cb.c.logger.WithField("reason", reason.String()).
		Infof("%s Disconnected, reason = %d", conn.Peer(), reason)
	dropped := cb.c.disconnects.ForceSend(disconnectEvent{
		peer:       conn.Peer(),
		handle:     conn.Handle(),
		generation: conn.Generation(),
		reason:     reason,
	})
	if dropped {
		cb.c.logger.Warn("Disconnect queue overflow, oldest event dropped")
	}
}

func (cb *callbacks) OnPasskeyRequest(conn *connmgr.Connection) uint32 {
	cb.c.logger.WithField("address", conn.Peer().String()).Info("Client passkey request")
	return cb.c.opts.Passkey
}

func (cb *callbacks) OnConfirmPIN(conn *connmgr.Connection, passkey uint32) bool {
	cb.c.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"passkey": passkey,
	}).Info("Confirming numeric comparison")
	return true
}

func (cb *callbacks) OnAuthenticationComplete(conn *connmgr.Connection, encrypted bool) {
	logger := cb.c.logger.WithField("address", conn.Peer().String())
	if !encrypted {
		logger.Debug("Authentication completed without encryption")
		return
	}
	logger.Info("Link encrypted")
}
