package models

// ConnectionState represents the process-wide state of the realtime
// channel. It is owned exclusively by the channel; all other
// components only read it.
type ConnectionState string

const (
	ConnectionDisconnected   ConnectionState = "disconnected"
	ConnectionConnecting     ConnectionState = "connecting"
	ConnectionAuthenticating ConnectionState = "authenticating"
	ConnectionSubscribed     ConnectionState = "subscribed"
	ConnectionReconnecting   ConnectionState = "reconnecting"
)
