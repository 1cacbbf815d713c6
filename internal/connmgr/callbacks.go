package connmgr

import "github.com/srg/blecentral/internal/device"

// ClientCallbacks is the capability set a deployment implements to observe
// connection events and answer security prompts. Callbacks run on the link
// event task (OnConnect runs on the caller of Connect) and must not call
// Manager operations synchronously.
type ClientCallbacks interface {
	OnConnect(conn *Connection)
	OnDisconnect(conn *Connection, reason device.DisconnectReason)
	OnPasskeyRequest(conn *Connection) uint32
	OnConfirmPIN(conn *Connection, passkey uint32) bool
	OnAuthenticationComplete(conn *Connection, encrypted bool)
}

// CallbackFuncs adapts plain functions to ClientCallbacks. Nil fields are no-ops;
// a nil ConfirmPIN rejects the comparison.
type CallbackFuncs struct {
	Connect                func(conn *Connection)
	Disconnect             func(conn *Connection, reason device.DisconnectReason)
	PasskeyRequest         func(conn *Connection) uint32
	ConfirmPIN             func(conn *Connection, passkey uint32) bool
	AuthenticationComplete func(conn *Connection, encrypted bool)
}

func (f CallbackFuncs) OnConnect(conn *Connection) {
	if f.Connect != nil {
		f.Connect(conn)
	}
}

func (f CallbackFuncs) OnDisconnect(conn *Connection, reason device.DisconnectReason) {
	if f.Disconnect != nil {
		f.Disconnect(conn, reason)
	}
}

func (f CallbackFuncs) OnPasskeyRequest(conn *Connection) uint32 {
	if f.PasskeyRequest != nil {
		return f.PasskeyRequest(conn)
	}
	return 0
}

func (f CallbackFuncs) OnConfirmPIN(conn *Connection, passkey uint32) bool {
	if f.ConfirmPIN != nil {
		return f.ConfirmPIN(conn, passkey)
	}
	return false
}

func (f CallbackFuncs) OnAuthenticationComplete(conn *Connection, encrypted bool) {
	if f.AuthenticationComplete != nil {
		f.AuthenticationComplete(conn, encrypted)
	}
}
