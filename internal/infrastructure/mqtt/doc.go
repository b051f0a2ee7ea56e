// Package mqtt provides MQTT client connectivity for the Tuya bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - Last Will and Testament for offline detection of the bridge
//   - Topic builders for the local gateway daemon
//
// MQTT carries two conversations: the host platform talks to the bridge
// (graylogic/{command,ack,state,health,request,response}/tuya/...), and the
// bridge talks to the local gateway that owns the device sockets
// ({prefix}/{request,response,event}/{device_id}).
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(will))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe("graylogic/command/tuya/+", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
