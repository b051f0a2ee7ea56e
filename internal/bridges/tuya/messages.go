package tuya

import (
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Tuya bridge.

// Protocol is the protocol identifier carried in bridge messages.
const Protocol = "tuya"

// CommandMessage is sent from Core to the bridge to run a device command.
// Topic: graylogic/command/tuya/{device_id}
type CommandMessage struct {
	// ID correlates the command with its acknowledgment.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	DeviceID string `json:"device_id"`

	// Command is a name from the device's command table ("on", "off",
	// "bright_value_v2", "colour_data", ...).
	Command string `json:"command"`

	// Parameters carries the single command argument under "value".
	//   {"value": 55} for a slider
	//   {"value": "ff0000"} for a colour picker
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation", ...).
	Source string `json:"source,omitempty"`

	UserID string `json:"user_id,omitempty"`
}

// Argument returns the command argument, or nil when absent.
func (m CommandMessage) Argument() any {
	if m.Parameters == nil {
		return nil
	}
	if v, ok := m.Parameters[ArgValue]; ok {
		return v
	}
	return m.Parameters[ArgOnOff]
}

// AckStatus is the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the value was written to the device.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/tuya/{device_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Command   string    `json:"command,omitempty"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command and request failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeUnknownDevice     = "UNKNOWN_DEVICE"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries one batch of changed readings.
// Topic: graylogic/state/tuya/{device_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
}

// HealthStatus is the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthOffline  HealthStatus = "offline"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/tuya
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge           string       `json:"bridge"`
	Timestamp        time.Time    `json:"timestamp"`
	Status           HealthStatus `json:"status"`
	Version          string       `json:"version,omitempty"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	DevicesManaged   int          `json:"devices_managed"`
	DevicesConnected int          `json:"devices_connected"`
	Reason           string       `json:"reason,omitempty"`
}

// Request actions.
const (
	ActionReadState    = "read_state"
	ActionResolve      = "resolve"
	ActionRefetch      = "refetch"
	ActionScan         = "scan"
	ActionListCommands = "list_commands"
)

// RequestMessage is sent from Core for request/response operations.
// Topic: graylogic/request/tuya/{request_id}
type RequestMessage struct {
	RequestID  string         `json:"request_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Action     string         `json:"action"`
	DeviceID   string         `json:"device_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ResponseMessage answers a RequestMessage.
// Topic: graylogic/response/tuya/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage creates an acknowledgment for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Command:   cmd.Command,
	}
}

// NewAckError creates a failed acknowledgment for cmd.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message.
func NewStateMessage(deviceID string, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
	}
}

// NewLWTMessage creates the Last Will and Testament published by the broker
// when the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = "graylogic"

// CommandTopic returns the command topic of a device.
// Example: graylogic/command/tuya/bf1234
func CommandTopic(deviceID string) string {
	return fmt.Sprintf("%s/command/tuya/%s", TopicPrefix, deviceID)
}

// AckTopic returns the acknowledgment topic of a device.
func AckTopic(deviceID string) string {
	return fmt.Sprintf("%s/ack/tuya/%s", TopicPrefix, deviceID)
}

// StateTopic returns the state topic of a device.
func StateTopic(deviceID string) string {
	return fmt.Sprintf("%s/state/tuya/%s", TopicPrefix, deviceID)
}

// HealthTopic returns the bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/tuya", TopicPrefix)
}

// RequestTopic returns the topic of a request.
func RequestTopic(requestID string) string {
	return fmt.Sprintf("%s/request/tuya/%s", TopicPrefix, requestID)
}

// ResponseTopic returns the topic of a response.
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/tuya/%s", TopicPrefix, requestID)
}

// CommandSubscribeTopic is the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/tuya/+", TopicPrefix)
}

// RequestSubscribeTopic is the subscription pattern for all requests.
func RequestSubscribeTopic() string {
	return fmt.Sprintf("%s/request/tuya/+", TopicPrefix)
}
