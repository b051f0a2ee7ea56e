package gateway

import "errors"

var (
	// ErrBrokerDisconnected is returned when the MQTT link to the gateway is down.
	ErrBrokerDisconnected = errors.New("gateway: broker disconnected")

	// ErrTimeout is returned when the gateway does not answer in time.
	ErrTimeout = errors.New("gateway: request timed out")

	// ErrRejected is returned when the gateway answers ok=false.
	ErrRejected = errors.New("gateway: request rejected")

	// ErrSessionClosed is returned by operations on a closed or dropped session.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrNotStarted is returned by Connect before Start.
	ErrNotStarted = errors.New("gateway: transport not started")
)
