package mqtt

import (
	"fmt"
	"strings"
)

// Topics builds the topics of the local gateway daemon that speaks the
// device wire protocol. The bridge's own topics (command, ack, state,
// health, request, response) are defined by the tuya package.
//
//	topics := mqtt.GatewayTopics{Prefix: "tuya/gateway"}
//	topics.Request("bf12")  // tuya/gateway/request/bf12
type GatewayTopics struct {
	Prefix string
}

// Request is where the bridge sends requests for one device.
func (t GatewayTopics) Request(deviceID string) string {
	return fmt.Sprintf("%s/request/%s", t.Prefix, deviceID)
}

// Response is where the gateway answers requests for one device.
func (t GatewayTopics) Response(deviceID string) string {
	return fmt.Sprintf("%s/response/%s", t.Prefix, deviceID)
}

// Event is where the gateway pushes unsolicited device events.
func (t GatewayTopics) Event(deviceID string) string {
	return fmt.Sprintf("%s/event/%s", t.Prefix, deviceID)
}

// AllResponses matches the responses of every device.
func (t GatewayTopics) AllResponses() string {
	return fmt.Sprintf("%s/response/+", t.Prefix)
}

// AllEvents matches the events of every device.
func (t GatewayTopics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", t.Prefix)
}

// DeviceID extracts the device id (last level) from a gateway response or
// event topic.
func (t GatewayTopics) DeviceID(topic string) (string, bool) {
	for _, kind := range []string{"/response/", "/event/"} {
		id, ok := strings.CutPrefix(topic, t.Prefix+kind)
		if ok && id != "" && !strings.Contains(id, "/") {
			return id, true
		}
	}
	return "", false
}
