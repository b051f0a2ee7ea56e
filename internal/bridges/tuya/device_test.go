package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type deviceFixture struct {
	transport *mockTransport
	cloud     *mockCloud
	attrs     *mockAttributes
	sink      *StateSink
	device    *Device
}

func newDeviceFixture(t *testing.T, cfg DeviceConfig, cloud *mockCloud, status DataPoints) *deviceFixture {
	t.Helper()
	f := &deviceFixture{
		transport: newMockTransport(status),
		cloud:     cloud,
		attrs:     newMockAttributes(),
		sink:      NewStateSink(nil, nil),
	}
	opts := DeviceOptions{
		Config:     cfg,
		Transport:  f.transport,
		Sink:       f.sink,
		Attributes: f.attrs,
		Timing:     fastTiming,
	}
	if cloud != nil {
		opts.Cloud = cloud
	}
	d, err := NewDevice(opts)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	f.device = d
	t.Cleanup(func() {
		d.Close()
		d.Wait()
	})
	return f
}

func plugConfig() DeviceConfig {
	return DeviceConfig{
		ID:        "plug1",
		Name:      "Kitchen plug",
		ProductID: "generic_plug",
		Address:   "192.168.1.40",
		LocalKey:  "0123456789abcdef",
	}
}

func bulbCloud() *mockCloud {
	return &mockCloud{
		info: map[string]any{"category": "dj", "name": "Desk lamp", "status": []any{}},
		spec: RawSpecification{
			Functions: []RawField{
				{Code: "switch_led", DPID: 20, Type: "Boolean", Values: json.RawMessage(`"{}"`)},
				{Code: "bright_value", DPID: 22, Type: "Integer", Values: json.RawMessage(`"{\"min\":10,\"max\":1000,\"scale\":0,\"step\":1}"`)},
				{Code: "colour_data", DPID: 24, Type: "Json", Values: json.RawMessage(`"{}"`)},
				{Code: "countdown", Type: "Integer", Values: json.RawMessage(`"{\"min\":0,\"max\":86400,\"step\":1}"`)},
			},
			Status: []RawField{
				{Code: "switch_led", DPID: 20, Type: "Boolean"},
				{Code: "bright_value", DPID: 22, Type: "Integer", Values: json.RawMessage(`"{\"min\":10,\"max\":1000,\"scale\":0,\"step\":1}"`)},
				{Code: "countdown", Type: "Integer"},
			},
		},
		desc: map[string]string{"bright_value": "Brightness"},
	}
}

func bulbConfig() DeviceConfig {
	return DeviceConfig{
		ID:       "bulb1",
		Address:  "192.168.1.41",
		LocalKey: "fedcba9876543210",
	}
}

func TestNewDevice_Validation(t *testing.T) {
	base := DeviceOptions{
		Config:     plugConfig(),
		Transport:  newMockTransport(nil),
		Sink:       newRecordingSink(),
		Attributes: newMockAttributes(),
	}

	tests := []struct {
		name   string
		mutate func(*DeviceOptions)
	}{
		{"missing id", func(o *DeviceOptions) { o.Config.ID = "" }},
		{"missing address", func(o *DeviceOptions) { o.Config.Address = "" }},
		{"missing local key", func(o *DeviceOptions) { o.Config.LocalKey = "" }},
		{"missing transport", func(o *DeviceOptions) { o.Transport = nil }},
		{"missing sink", func(o *DeviceOptions) { o.Sink = nil }},
		{"missing attributes", func(o *DeviceOptions) { o.Attributes = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			if _, err := NewDevice(opts); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("NewDevice() error = %v, want ErrInvalidArgument", err)
			}
		})
	}

	d, err := NewDevice(base)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if d.Config().Version != DefaultProtocolVersion {
		t.Errorf("Version = %q, want default %q", d.Config().Version, DefaultProtocolVersion)
	}
	d.Close()
	d.Wait()
}

func TestDevice_StaticSchemaBootstrap(t *testing.T) {
	f := newDeviceFixture(t, plugConfig(), nil, DataPoints{1: true, 19: 123, 20: 2301})
	d := f.device

	if err := d.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if d.Phase() != PhaseReady {
		t.Fatalf("Phase() = %s, want ready", d.Phase())
	}

	names := make([]string, 0)
	for _, c := range d.Commands() {
		names = append(names, c.Name)
	}
	if strings.Join(names, ",") != "countdown_1,off,on" {
		t.Errorf("commands = %v, want [countdown_1 off on]", names)
	}

	waitFor(t, 2*time.Second, func() bool {
		r := f.sink.Readings("plug1")
		return r[ReadingState] == On && r["cur_power"] == 12.3
	}, "status readings")

	r := f.sink.Readings("plug1")
	if r["cur_voltage"] != 230.1 {
		t.Errorf("cur_voltage = %v, want 230.1", r["cur_voltage"])
	}

	if err := d.Execute(context.Background(), "off", nil); err != nil {
		t.Fatalf("Execute(off) error = %v", err)
	}
	if err := d.Execute(context.Background(), "countdown_1", 60); err != nil {
		t.Fatalf("Execute(countdown_1) error = %v", err)
	}
	writes := f.transport.LastSession().Writes()
	if len(writes) != 2 || writes[0] != (dpWrite{DP: 1, Value: false}) || writes[1] != (dpWrite{DP: 9, Value: int64(60)}) {
		t.Errorf("writes = %+v", writes)
	}

	info := d.Info()
	if info.Category != "cz" || info.Connection != StateConnected || info.Phase != PhaseReady {
		t.Errorf("Info() = %+v", info)
	}
}

func TestDevice_NeedsConfiguration(t *testing.T) {
	cfg := plugConfig()
	cfg.ProductID = "unknown_product"
	f := newDeviceFixture(t, cfg, nil, nil)

	err := f.device.Bootstrap(context.Background())
	if !errors.Is(err, ErrNeedsConfiguration) {
		t.Fatalf("Bootstrap() error = %v, want ErrNeedsConfiguration", err)
	}
	if f.device.Phase() != PhaseNeedsConfiguration {
		t.Errorf("Phase() = %s", f.device.Phase())
	}
	state, _ := f.sink.Readings("plug1")[ReadingState].(string)
	if !strings.HasPrefix(state, "needs configuration: ") {
		t.Errorf("state = %q", state)
	}
	if f.transport.Attempts() != 0 {
		t.Error("device without specification tried to connect")
	}
	if err := f.device.Execute(context.Background(), "on", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Execute() error = %v, want ErrUnknownCommand", err)
	}
}

func TestDevice_CloudBootstrap(t *testing.T) {
	cloud := bulbCloud()
	f := newDeviceFixture(t, bulbConfig(), cloud, DataPoints{20: true, 22: 500})
	d := f.device

	if err := d.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	snap := d.Snapshot()
	if snap.Category != "dj" {
		t.Errorf("Category = %q, want dj", snap.Category)
	}
	if got := f.attrs.Get("bulb1", "dp_20"); got != "switch_led" {
		t.Errorf("dp_20 = %q, want switch_led", got)
	}
	if got := f.attrs.Get("bulb1", "dp_22"); got != "bright_value" {
		t.Errorf("dp_22 = %q, want bright_value", got)
	}
	if f.attrs.Get("bulb1", AttrSpecFunctions) == "" || f.attrs.Get("bulb1", AttrSpecStatus) == "" {
		t.Error("specification not persisted")
	}

	c, ok := d.Command("bright_value")
	if !ok {
		t.Fatal("bright_value command missing")
	}
	if c.Description != "Brightness" {
		t.Errorf("description = %q", c.Description)
	}
	if c.Hint.String() != "slider,10,1,1000" {
		t.Errorf("hint = %q", c.Hint.String())
	}
	colour, ok := d.Command("colour_data")
	if !ok || colour.Hint.String() != "colorpicker,RGB" {
		t.Errorf("colour_data = %+v, %v", colour, ok)
	}
	if _, ok := d.Command("countdown"); ok {
		t.Error("pending countdown produced a command")
	}

	waitFor(t, 2*time.Second, func() bool {
		r := f.sink.Readings("bulb1")
		return r["switch_led"] == On && r["bright_value"] == 500.0
	}, "status readings")
	if got := f.sink.Readings("bulb1")["name"]; got != "Desk lamp" {
		t.Errorf("info reading name = %v", got)
	}
}

func TestDevice_StoredSpecificationSkipsDownload(t *testing.T) {
	cloud := bulbCloud()
	attrs := newMockAttributes()
	sink := NewStateSink(nil, nil)

	newBulb := func() *Device {
		d, err := NewDevice(DeviceOptions{
			Config:     bulbConfig(),
			Transport:  newMockTransport(nil),
			Cloud:      cloud,
			Sink:       sink,
			Attributes: attrs,
			Timing:     fastTiming,
		})
		if err != nil {
			t.Fatalf("NewDevice() error = %v", err)
		}
		t.Cleanup(func() { d.Close(); d.Wait() })
		return d
	}

	if err := newBulb().Bootstrap(context.Background()); err != nil {
		t.Fatalf("first Bootstrap() error = %v", err)
	}
	second := newBulb()
	if err := second.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	if got := cloud.SpecCalls(); got != 1 {
		t.Errorf("specification downloads = %d, want 1", got)
	}
	if _, ok := second.Command("bright_value"); !ok {
		t.Error("stored specification lost bright_value")
	}

	if err := second.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch() error = %v", err)
	}
	if got := cloud.SpecCalls(); got != 2 {
		t.Errorf("specification downloads after refetch = %d, want 2", got)
	}
}

func TestDevice_Resolve(t *testing.T) {
	f := newDeviceFixture(t, bulbConfig(), bulbCloud(), nil)
	d := f.device
	ctx := context.Background()

	if err := d.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	if err := d.Resolve(ctx, 9, "countdown"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	c, ok := d.Command("countdown")
	if !ok {
		t.Fatal("countdown command missing after resolve")
	}
	if c.Field.DP != 9 {
		t.Errorf("countdown dp = %d, want 9", c.Field.DP)
	}
	if got := f.attrs.Get("bulb1", "dp_09"); got != "countdown" {
		t.Errorf("dp_09 = %q, want countdown", got)
	}
	if sf, ok := d.Snapshot().StatusField(9); !ok || sf.Code != "countdown" {
		t.Errorf("status dp 9 = %+v, %v", sf, ok)
	}

	// Rebinding a slot releases its previous holder.
	if err := d.Resolve(ctx, 22, "countdown"); err != nil {
		t.Fatalf("Resolve(22) error = %v", err)
	}
	if _, ok := d.Command("bright_value"); ok {
		t.Error("bright_value still has a command after losing its slot")
	}

	if err := d.Resolve(ctx, 5, "nope"); !errors.Is(err, ErrUnknownCode) {
		t.Errorf("Resolve(unknown) error = %v, want ErrUnknownCode", err)
	}
	if err := d.Resolve(ctx, 0, "countdown"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Resolve(0) error = %v, want ErrInvalidArgument", err)
	}
}

func TestDevice_ResolveEmptyCodeClearsStaticSlot(t *testing.T) {
	f := newDeviceFixture(t, plugConfig(), nil, DataPoints{1: true})
	d := f.device
	ctx := context.Background()

	if err := d.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if _, ok := d.Command(On); !ok {
		t.Fatal("on command missing after bootstrap")
	}

	if err := d.Resolve(ctx, 1, ""); err != nil {
		t.Fatalf("Resolve(1, \"\") error = %v", err)
	}
	if got := f.attrs.Get("plug1", "dp_01"); got != "" {
		t.Errorf("dp_01 = %q, want empty", got)
	}
	if sf, ok := d.Snapshot().StatusField(1); ok {
		t.Errorf("status dp 1 still bound to %s", sf.Code)
	}
	for _, name := range []string{On, Off} {
		if _, ok := d.Command(name); ok {
			t.Errorf("%s command present after clearing its slot", name)
		}
	}

	// A fresh slot sync, as on reconnect, does not restore the suggestion.
	d.resolveMu.Lock()
	d.install(d.resolveSlots(ctx, d.base, DataPoints{1: true}))
	d.resolveMu.Unlock()
	if _, ok := d.Command(On); ok {
		t.Error("on command restored by slot sync")
	}

	if err := d.Resolve(ctx, 1, "switch_1"); err != nil {
		t.Fatalf("Resolve(1, switch_1) error = %v", err)
	}
	if _, ok := d.Command(On); !ok {
		t.Error("on command missing after rebinding slot 1")
	}
}

func TestDevice_ResolveBeforeBootstrap(t *testing.T) {
	f := newDeviceFixture(t, bulbConfig(), bulbCloud(), nil)
	if err := f.device.Resolve(context.Background(), 9, "countdown"); !errors.Is(err, ErrNeedsConfiguration) {
		t.Errorf("Resolve() error = %v, want ErrNeedsConfiguration", err)
	}
}

func TestDevice_CloudError(t *testing.T) {
	cloud := bulbCloud()
	cloud.infoErr = errors.New("sign invalid")
	f := newDeviceFixture(t, bulbConfig(), cloud, nil)

	err := f.device.Bootstrap(context.Background())
	if !errors.Is(err, ErrCloud) {
		t.Fatalf("Bootstrap() error = %v, want ErrCloud", err)
	}
	if f.device.Phase() != PhaseCloudError {
		t.Errorf("Phase() = %s, want cloud_error", f.device.Phase())
	}
	state, _ := f.sink.Readings("bulb1")[ReadingState].(string)
	if !strings.HasPrefix(state, "cloud error: ") {
		t.Errorf("state = %q", state)
	}
}

func TestDevice_SpecificationError(t *testing.T) {
	cloud := bulbCloud()
	cloud.spec = RawSpecification{}
	f := newDeviceFixture(t, bulbConfig(), cloud, nil)

	err := f.device.Bootstrap(context.Background())
	var se *SpecificationError
	if !errors.As(err, &se) {
		t.Fatalf("Bootstrap() error = %v, want *SpecificationError", err)
	}
	if se.DeviceID != "bulb1" {
		t.Errorf("DeviceID = %q, want bulb1", se.DeviceID)
	}
	if f.device.Phase() != PhaseSpecificationError {
		t.Errorf("Phase() = %s", f.device.Phase())
	}
}

func TestDevice_ExecuteErrors(t *testing.T) {
	f := newDeviceFixture(t, plugConfig(), nil, nil)
	f.transport.alwaysFail = true
	d := f.device
	ctx := context.Background()

	if err := d.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	if err := d.Execute(ctx, "on", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Execute(on) error = %v, want ErrNotConnected", err)
	}
	if err := d.Execute(ctx, "dance", nil); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("Execute(dance) error = %v, want ErrUnknownCommand", err)
	}
	if err := d.Execute(ctx, "countdown_1", "soon"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Execute(countdown_1) error = %v, want ErrInvalidArgument", err)
	}

	waitFor(t, time.Second, func() bool {
		return f.sink.Readings("plug1")[ReadingOnline] == 0
	}, "offline reading")

	d.Close()
	if err := d.Execute(ctx, "on", nil); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Execute() after close error = %v, want ErrDeviceClosed", err)
	}
	if err := d.Bootstrap(ctx); !errors.Is(err, ErrDeviceClosed) {
		t.Errorf("Bootstrap() after close error = %v, want ErrDeviceClosed", err)
	}
}

func TestDevice_ExecuteTransportFailure(t *testing.T) {
	f := newDeviceFixture(t, plugConfig(), nil, nil)
	d := f.device
	ctx := context.Background()

	if err := d.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return d.ConnectionState() == StateConnected }, "connected")

	sess := f.transport.LastSession()
	sess.mu.Lock()
	sess.setErr = errors.New("broken pipe")
	sess.mu.Unlock()

	err := d.Execute(ctx, "on", nil)
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "set" {
		t.Errorf("Execute() error = %v, want TransportError{Op: set}", err)
	}
}

func TestDevice_StartAndContextCancel(t *testing.T) {
	f := newDeviceFixture(t, plugConfig(), nil, DataPoints{1: false})
	ctx, cancel := context.WithCancel(context.Background())

	f.device.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return f.device.ConnectionState() == StateConnected }, "connected")

	cancel()
	waitFor(t, time.Second, func() bool { return f.device.Phase() == PhaseClosed }, "closed")
	f.device.Wait()

	if !f.transport.LastSession().IsClosed() {
		t.Error("session not closed after context cancel")
	}
	if f.device.ConnectionState() != StateClosed {
		t.Errorf("ConnectionState() = %s, want closed", f.device.ConnectionState())
	}
}
