package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

type bridgeFixture struct {
	mqtt      *MockMQTTClient
	transport *mockTransport
	attrs     *mockAttributes
	cloud     *mockCloud
	bridge    *Bridge
}

func newBridgeFixture(t *testing.T, cloud *mockCloud, devices ...DeviceConfig) *bridgeFixture {
	t.Helper()
	f := &bridgeFixture{
		mqtt:      NewMockMQTTClient(),
		transport: newMockTransport(DataPoints{1: false}),
		attrs:     newMockAttributes(),
		cloud:     cloud,
	}
	opts := BridgeOptions{
		BridgeID:       "tuya",
		Version:        "test",
		HealthInterval: time.Hour,
		MQTTClient:     f.mqtt,
		Transport:      f.transport,
		Attributes:     f.attrs,
		Timing:         fastTiming,
		Devices:        devices,
	}
	if cloud != nil {
		opts.Cloud = cloud
	}
	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	f.bridge = b
	t.Cleanup(b.Stop)
	return f
}

func (f *bridgeFixture) start(t *testing.T) {
	t.Helper()
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

func (f *bridgeFixture) sendCommand(t *testing.T, cmd CommandMessage) {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	f.mqtt.SimulateMessage(CommandTopic(cmd.DeviceID), payload)
}

// ack waits for the acknowledgment of commandID on the device's ack topic.
func (f *bridgeFixture) ack(t *testing.T, deviceID, commandID string) AckMessage {
	t.Helper()
	var ack AckMessage
	waitFor(t, 2*time.Second, func() bool {
		for _, m := range f.mqtt.PublishedOn(AckTopic(deviceID)) {
			var a AckMessage
			if json.Unmarshal(m.Payload, &a) == nil && a.CommandID == commandID {
				ack = a
				return true
			}
		}
		return false
	}, "ack for "+commandID)
	return ack
}

func (f *bridgeFixture) request(t *testing.T, req RequestMessage) ResponseMessage {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	f.mqtt.SimulateMessage(RequestTopic(req.RequestID), payload)

	var resp ResponseMessage
	waitFor(t, 2*time.Second, func() bool {
		msgs := f.mqtt.PublishedOn(ResponseTopic(req.RequestID))
		if len(msgs) == 0 {
			return false
		}
		return json.Unmarshal(msgs[0].Payload, &resp) == nil
	}, "response to "+req.RequestID)
	return resp
}

func (f *bridgeFixture) waitConnected(t *testing.T, id string) *Device {
	t.Helper()
	d, ok := f.bridge.Device(id)
	if !ok {
		t.Fatalf("device %s not managed", id)
	}
	waitFor(t, 2*time.Second, func() bool { return d.ConnectionState() == StateConnected }, id+" connected")
	return d
}

func TestNewBridge_Validation(t *testing.T) {
	mqtt := NewMockMQTTClient()
	transport := newMockTransport(nil)
	attrs := newMockAttributes()

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing mqtt", BridgeOptions{Transport: transport, Attributes: attrs}},
		{"missing transport", BridgeOptions{MQTTClient: mqtt, Attributes: attrs}},
		{"missing attributes", BridgeOptions{MQTTClient: mqtt, Transport: transport}},
		{"invalid device", BridgeOptions{MQTTClient: mqtt, Transport: transport, Attributes: attrs,
			Devices: []DeviceConfig{{ID: "x"}}}},
		{"duplicate device", BridgeOptions{MQTTClient: mqtt, Transport: transport, Attributes: attrs,
			Devices: []DeviceConfig{plugConfig(), plugConfig()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() expected error")
			}
		})
	}
}

func TestBridge_StartSubscribesAndConnects(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)

	f.mqtt.mu.Lock()
	_, cmdSub := f.mqtt.handlers[CommandSubscribeTopic()]
	_, reqSub := f.mqtt.handlers[RequestSubscribeTopic()]
	f.mqtt.mu.Unlock()
	if !cmdSub || !reqSub {
		t.Errorf("subscriptions: command=%v request=%v", cmdSub, reqSub)
	}

	f.waitConnected(t, "plug1")
	if managed, connected := f.bridge.DeviceCounts(); managed != 1 || connected != 1 {
		t.Errorf("DeviceCounts() = %d, %d", managed, connected)
	}

	waitFor(t, time.Second, func() bool {
		return f.bridge.Readings("plug1")[ReadingState] == Off
	}, "initial state reading")
}

func TestBridge_CommandAccepted(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)
	f.waitConnected(t, "plug1")

	f.sendCommand(t, CommandMessage{ID: "c1", DeviceID: "plug1", Command: "on"})

	ack := f.ack(t, "plug1", "c1")
	if ack.Status != AckAccepted || ack.CommandID != "c1" {
		t.Errorf("ack = %+v", ack)
	}
	writes := f.transport.LastSession().Writes()
	if len(writes) != 1 || writes[0] != (dpWrite{DP: 1, Value: true}) {
		t.Errorf("writes = %+v", writes)
	}

	f.sendCommand(t, CommandMessage{
		ID: "c2", DeviceID: "plug1", Command: "countdown_1",
		Parameters: map[string]any{"value": 120},
	})
	if ack := f.ack(t, "plug1", "c2"); ack.Status != AckAccepted {
		t.Errorf("countdown ack = %+v", ack)
	}
}

func TestBridge_CommandDoesNotHoldMessageRouter(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)
	f.waitConnected(t, "plug1")

	// The write completes only once the gateway answers, and the answer
	// arrives through the same serial delivery path as the command.
	answered := make(chan struct{})
	f.transport.LastSession().SetGate(answered)
	if err := f.mqtt.Subscribe("tuya-gateway/response/plug1", 1, func(string, []byte) {
		close(answered)
	}); err != nil {
		t.Fatal(err)
	}

	cmd, err := json.Marshal(CommandMessage{ID: "c1", DeviceID: "plug1", Command: "on"})
	if err != nil {
		t.Fatal(err)
	}
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		f.mqtt.SimulateMessage(CommandTopic("plug1"), cmd)
		f.mqtt.SimulateMessage("tuya-gateway/response/plug1", []byte(`{"ok":true}`))
	}()

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("command handler held the message router")
	}

	ack := f.ack(t, "plug1", "c1")
	if ack.Status != AckAccepted {
		t.Errorf("ack = %+v, want accepted", ack)
	}
	if writes := f.transport.LastSession().Writes(); len(writes) != 1 {
		t.Errorf("writes = %+v", writes)
	}
}

func TestBridge_CommandFailures(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)
	f.waitConnected(t, "plug1")

	tests := []struct {
		name     string
		cmd      CommandMessage
		ackTopic string
		code     string
	}{
		{"unknown device", CommandMessage{ID: "c1", DeviceID: "ghost", Command: "on"}, "ghost", ErrCodeUnknownDevice},
		{"unknown command", CommandMessage{ID: "c2", DeviceID: "plug1", Command: "dance"}, "plug1", ErrCodeInvalidCommand},
		{"bad parameter", CommandMessage{ID: "c3", DeviceID: "plug1", Command: "countdown_1",
			Parameters: map[string]any{"value": "later"}}, "plug1", ErrCodeInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.sendCommand(t, tt.cmd)
			ack := f.ack(t, tt.ackTopic, tt.cmd.ID)
			if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != tt.code {
				t.Errorf("ack = %+v, want failed with %s", ack, tt.code)
			}
		})
	}
}

func TestBridge_InvalidMessagesIgnored(t *testing.T) {
	f := newBridgeFixture(t, nil)
	f.start(t)

	f.bridge.handleMQTTMessage("graylogic", []byte(`{}`))
	f.bridge.handleMQTTMessage("graylogic/other/tuya/x", []byte(`{}`))
	f.mqtt.SimulateMessage(CommandTopic("plug1"), []byte(`{not json`))

	for _, p := range f.mqtt.GetPublished() {
		if p.Topic != HealthTopic() {
			t.Errorf("unexpected publish on %s for invalid input", p.Topic)
		}
	}
}

func TestBridge_Requests(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)
	f.waitConnected(t, "plug1")

	t.Run("list_commands", func(t *testing.T) {
		resp := f.request(t, RequestMessage{RequestID: "r1", Action: ActionListCommands, DeviceID: "plug1"})
		if !resp.Success {
			t.Fatalf("response = %+v", resp)
		}
		list, _ := resp.Data["commands"].([]any)
		if len(list) != 3 {
			t.Fatalf("commands = %v", resp.Data["commands"])
		}
		first, _ := list[0].(map[string]any)
		if first["name"] != "countdown_1" || first["hint"] != "slider,0,1,86400" {
			t.Errorf("first command = %v", first)
		}
	})

	t.Run("read_state", func(t *testing.T) {
		waitFor(t, time.Second, func() bool { return f.bridge.Readings("plug1")[ReadingState] == Off }, "state")
		resp := f.request(t, RequestMessage{RequestID: "r2", Action: ActionReadState, DeviceID: "plug1"})
		if !resp.Success {
			t.Fatalf("response = %+v", resp)
		}
		state, _ := resp.Data["state"].(map[string]any)
		if state[ReadingState] != Off || resp.Data["phase"] != string(PhaseReady) {
			t.Errorf("data = %v", resp.Data)
		}
	})

	t.Run("resolve", func(t *testing.T) {
		resp := f.request(t, RequestMessage{
			RequestID: "r3", Action: ActionResolve, DeviceID: "plug1",
			Parameters: map[string]any{"slot": "dp_09", "code": "countdown_1"},
		})
		if !resp.Success || resp.Data["slot"] != "dp_09" {
			t.Errorf("response = %+v", resp)
		}
		if got := f.attrs.Get("plug1", "dp_09"); got != "countdown_1" {
			t.Errorf("dp_09 = %q", got)
		}
	})

	t.Run("resolve unknown code", func(t *testing.T) {
		resp := f.request(t, RequestMessage{
			RequestID: "r4", Action: ActionResolve, DeviceID: "plug1",
			Parameters: map[string]any{"slot": 9, "code": "nope"},
		})
		if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInvalidParameters {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("scan without cloud", func(t *testing.T) {
		resp := f.request(t, RequestMessage{RequestID: "r5", Action: ActionScan})
		if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeNotConfigured {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := f.request(t, RequestMessage{RequestID: "r6", Action: "reboot"})
		if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInvalidCommand {
			t.Errorf("response = %+v", resp)
		}
	})

	t.Run("missing device", func(t *testing.T) {
		resp := f.request(t, RequestMessage{RequestID: "r7", Action: ActionRefetch})
		if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeInvalidParameters {
			t.Errorf("response = %+v", resp)
		}
	})
}

func TestBridge_ScanAndCreateDevice(t *testing.T) {
	cloud := bulbCloud()
	cloud.devices = []DeviceSummary{
		{ID: "bulb1", Name: " Desk lamp ", LocalKey: "fedcba9876543210", ProductID: "p1", Icon: "smart/icon/bulb.png"},
		{ID: "plug9", Name: "Heater", LocalKey: "k9", ProductID: "p2"},
	}
	f := newBridgeFixture(t, cloud)
	f.start(t)

	resp := f.request(t, RequestMessage{RequestID: "scan-1", Action: ActionScan})
	if !resp.Success {
		t.Fatalf("scan response = %+v", resp)
	}
	devices, _ := resp.Data["devices"].([]any)
	if len(devices) != 2 {
		t.Fatalf("devices = %v", resp.Data["devices"])
	}

	r := f.bridge.Readings(DefaultSetupID)
	if r["bulb1_name"] != "Desk lamp" || r["bulb1_localkey"] != "fedcba9876543210" {
		t.Errorf("setup readings = %v", r)
	}
	if r["bulb1_icon"] != IconBaseURL+"smart/icon/bulb.png" {
		t.Errorf("icon = %v", r["bulb1_icon"])
	}
	if r[ReadingState] != "found 2 devices" {
		t.Errorf("state = %v", r[ReadingState])
	}

	d, err := f.bridge.CreateDevice(context.Background(), ConfigFromSummary(cloud.devices[0], "192.168.1.41"))
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Phase() == PhaseReady }, "created device ready")
	if _, ok := d.Command("bright_value"); !ok {
		t.Error("created device has no bright_value command")
	}

	if _, err := f.bridge.CreateDevice(context.Background(), ConfigFromSummary(cloud.devices[0], "192.168.1.41")); err == nil {
		t.Error("CreateDevice() accepted a duplicate id")
	}
}

func TestBridge_RemoveDevice(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)
	d := f.waitConnected(t, "plug1")

	if err := f.bridge.RemoveDevice("plug1"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if d.Phase() != PhaseClosed {
		t.Errorf("Phase() = %s, want closed", d.Phase())
	}
	if _, ok := f.bridge.Device("plug1"); ok {
		t.Error("device still managed after RemoveDevice")
	}
	if len(f.bridge.Readings("plug1")) != 0 {
		t.Error("readings still cached after RemoveDevice")
	}
	if err := f.bridge.RemoveDevice("plug1"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("second RemoveDevice() error = %v, want ErrUnknownDevice", err)
	}
}

func TestBridge_StopClosesDevices(t *testing.T) {
	f := newBridgeFixture(t, nil, plugConfig())
	f.start(t)
	d := f.waitConnected(t, "plug1")

	f.bridge.Stop()

	if d.Phase() != PhaseClosed {
		t.Errorf("Phase() = %s, want closed", d.Phase())
	}
	if !f.transport.LastSession().IsClosed() {
		t.Error("session not closed on Stop")
	}
	msgs := f.mqtt.PublishedOn(HealthTopic())
	var last HealthMessage
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, &last); err != nil {
		t.Fatal(err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health = %s, want stopping", last.Status)
	}
	if _, err := f.bridge.CreateDevice(context.Background(), plugConfig()); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("CreateDevice() after Stop error = %v", err)
	}
}

func TestAckCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: x", ErrUnknownDevice), ErrCodeUnknownDevice},
		{fmt.Errorf("%w: x", ErrUnknownCommand), ErrCodeInvalidCommand},
		{fmt.Errorf("%w: x", ErrInvalidArgument), ErrCodeInvalidParameters},
		{fmt.Errorf("%w: x", ErrUnknownCode), ErrCodeInvalidParameters},
		{ErrNotConnected, ErrCodeDeviceUnreachable},
		{&TransportError{Op: "set", Err: errors.New("reset")}, ErrCodeDeviceUnreachable},
		{ErrNeedsConfiguration, ErrCodeNotConfigured},
		{ErrNoCloud, ErrCodeNotConfigured},
		{errors.New("boom"), ErrCodeBridgeError},
	}
	for _, tt := range tests {
		if got := AckCodeFor(tt.err); got != tt.want {
			t.Errorf("AckCodeFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestSlotParameter(t *testing.T) {
	tests := []struct {
		in   any
		want int
		ok   bool
	}{
		{"dp_07", 7, true},
		{"7", 7, true},
		{7.0, 7, true},
		{12, 12, true},
		{7.5, 0, false},
		{"", 0, false},
		{-1, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, err := slotParameter(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("slotParameter(%v) = %d, %v", tt.in, got, err)
		}
	}
}
