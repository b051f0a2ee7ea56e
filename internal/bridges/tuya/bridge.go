package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds one data-point write.
	commandTimeout = 5 * time.Second

	// requestTimeout bounds one request (refetch and scan talk to the cloud).
	requestTimeout = 30 * time.Second

	// DefaultSetupID is the pseudo-device that carries scan readings.
	DefaultSetupID = "tuya_setup"
)

// MQTTClient is the MQTT surface the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BridgeOptions holds everything needed to build a Bridge.
type BridgeOptions struct {
	// BridgeID names the bridge in health messages; defaults to "tuya".
	BridgeID string

	// Version is reported in health messages.
	Version string

	// HealthInterval is the health heartbeat period; zero means 30s.
	HealthInterval time.Duration

	// MQTTClient carries commands, requests, acks and readings.
	MQTTClient MQTTClient

	// Transport opens device sessions, usually through the gateway daemon.
	Transport Transport

	Cloud CloudClient // nil when no cloud credentials are configured

	// Schemas holds the static product schemas; nil means the built-in set.
	Schemas *SchemaRegistry

	// Attributes persists device specifications and slot bindings.
	Attributes AttributeStore

	// SubDecoders is shared by every device; nil means the built-in set.
	SubDecoders *SubDecoders

	// MetricWriter receives numeric readings; optional.
	MetricWriter MetricWriter

	// Metrics holds Prometheus collectors; optional.
	Metrics *Metrics

	Timing SupervisorTiming

	// Devices are created by NewBridge and started by Start.
	Devices []DeviceConfig

	// SetupID is the pseudo-device carrying scan readings; defaults to
	// "tuya_setup".
	SetupID string

	Logger Logger
}

// Bridge hosts every configured device and connects them to Core over MQTT.
//
// Commands arrive on graylogic/command/tuya/{device_id} and are acknowledged
// on the matching ack topic. Requests (read_state, resolve, refetch, scan,
// list_commands) arrive on graylogic/request/tuya/{request_id} and are
// answered on the response topic. Readings are published retained per device through the
// shared StateSink.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	loggerHolder

	opts   BridgeOptions
	mqtt   MQTTClient
	sink   *StateSink
	health *HealthReporter

	devicesMu sync.RWMutex
	devices   map[string]*Device

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewBridge creates a bridge. Call Start to begin operation.
//
// Parameters:
//   - opts: Bridge configuration. MQTTClient, Transport and Attributes are
//     required; every configured device is validated and created here.
//
// Returns:
//   - *Bridge: Bridge ready to Start
//   - error: If a collaborator is missing or a device config is invalid
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Attributes == nil {
		return nil, fmt.Errorf("attribute store is required")
	}
	if opts.BridgeID == "" {
		opts.BridgeID = Protocol
	}
	if opts.SetupID == "" {
		opts.SetupID = DefaultSetupID
	}
	if opts.Schemas == nil {
		opts.Schemas = NewSchemaRegistry()
	}
	if opts.SubDecoders == nil {
		opts.SubDecoders = NewSubDecoders()
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	b := &Bridge{
		opts:      opts,
		mqtt:      opts.MQTTClient,
		sink:      NewStateSink(opts.MQTTClient, opts.MetricWriter),
		devices:   make(map[string]*Device),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Devices:   b,
	})

	for _, cfg := range opts.Devices {
		if _, err := b.addDevice(cfg); err != nil {
			for _, d := range b.Devices() {
				d.Close()
			}
			ctxCancel()
			return nil, fmt.Errorf("device %q: %w", cfg.ID, err)
		}
	}

	b.SetLogger(opts.Logger)
	return b, nil
}

// SetLogger sets the logger of the bridge and every device.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerHolder.SetLogger(logger)
	b.health.SetLogger(logger)
	b.sink.SetLogger(logger)
	for _, d := range b.Devices() {
		d.SetLogger(logger)
	}
}

// Sink returns the reading sink shared by all devices.
func (b *Bridge) Sink() *StateSink { return b.sink }

// Start subscribes to the command and request topics, starts health
// reporting and bootstraps every device.
//
// Parameters:
//   - ctx: Lifetime of the devices; cancelling it closes them
//
// Returns:
//   - error: If a subscription fails
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	requestTopic := RequestSubscribeTopic()
	if err := b.mqtt.Subscribe(requestTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", requestTopic)

	for _, d := range b.Devices() {
		d.Start(b.ctx)
	}

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.opts.BridgeID,
		"devices", len(b.Devices()),
		"cloud", b.opts.Cloud != nil)
	return nil
}

// Stop closes every device, waits for them and for in-flight command and
// request handlers, then stops health reporting. Safe to call more than
// once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		b.ctxCancel()

		devices := b.Devices()
		for _, d := range devices {
			d.Close()
		}
		for _, d := range devices {
			d.Wait()
		}

		b.health.Stop()
		b.wg.Wait()
		b.logInfo("bridge stopped")
	})
}

// Device returns a managed device.
func (b *Bridge) Device(id string) (*Device, bool) {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	d, ok := b.devices[id]
	return d, ok
}

// Devices returns the managed devices ordered by id.
func (b *Bridge) Devices() []*Device {
	b.devicesMu.RLock()
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	b.devicesMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DeviceCounts implements DeviceCounter.
func (b *Bridge) DeviceCounts() (managed, connected int) {
	for _, d := range b.Devices() {
		managed++
		if d.ConnectionState() == StateConnected {
			connected++
		}
	}
	return managed, connected
}

// CreateDevice adds a device at runtime and starts it.
//
// Returns:
//   - *Device: The started device; bootstrap continues in the background
//   - error: ErrInvalidArgument for a bad or duplicate config, ErrDeviceClosed
//     after Stop
func (b *Bridge) CreateDevice(ctx context.Context, cfg DeviceConfig) (*Device, error) {
	select {
	case <-b.done:
		return nil, ErrDeviceClosed
	default:
	}
	d, err := b.addDevice(cfg)
	if err != nil {
		return nil, err
	}
	d.SetLogger(b.current())
	d.Start(b.ctx)
	b.logInfo("device created", "device_id", cfg.ID, "product_id", cfg.ProductID)
	return d, nil
}

// RemoveDevice closes a device, waits for it to stop and forgets its
// cached readings. Persisted attributes are left to the caller.
func (b *Bridge) RemoveDevice(id string) error {
	b.devicesMu.Lock()
	d, ok := b.devices[id]
	delete(b.devices, id)
	b.devicesMu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	d.Close()
	d.Wait()
	b.sink.Forget(id)
	b.logInfo("device removed", "device_id", id)
	return nil
}

func (b *Bridge) addDevice(cfg DeviceConfig) (*Device, error) {
	d, err := NewDevice(DeviceOptions{
		Config:      cfg,
		Transport:   b.opts.Transport,
		Cloud:       b.opts.Cloud,
		Schemas:     b.opts.Schemas,
		Sink:        b.sink,
		Attributes:  b.opts.Attributes,
		Metrics:     b.opts.Metrics,
		Timing:      b.opts.Timing,
		SubDecoders: b.opts.SubDecoders,
	})
	if err != nil {
		return nil, err
	}

	b.devicesMu.Lock()
	defer b.devicesMu.Unlock()
	if _, exists := b.devices[cfg.ID]; exists {
		d.Close()
		return nil, fmt.Errorf("%w: device %q already exists", ErrInvalidArgument, cfg.ID)
	}
	b.devices[cfg.ID] = d
	return d, nil
}

// Execute runs a command on a device. See Device.Execute.
//
// Returns:
//   - error: ErrUnknownDevice, or the error of Device.Execute
func (b *Bridge) Execute(ctx context.Context, deviceID, command string, arg any) error {
	d, ok := b.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return d.Execute(ctx, command, arg)
}

// Scan lists the cloud account's devices and publishes them as readings of
// the setup pseudo-device.
//
// Returns:
//   - []DeviceSummary: The cloud listing
//   - error: ErrNoCloud without cloud credentials, or a *CloudError
func (b *Bridge) Scan(ctx context.Context) ([]DeviceSummary, error) {
	if b.opts.Cloud == nil {
		return nil, ErrNoCloud
	}
	return Scan(ctx, b.opts.Cloud, b.sink, b.opts.SetupID)
}

// Readings returns the latest readings of a device.
func (b *Bridge) Readings(deviceID string) map[string]any {
	return b.sink.Readings(deviceID)
}

// AckCodeFor maps an execution error to an acknowledgment error code.
// Errors outside the known sentinels map to BRIDGE_ERROR.
func AckCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return ErrCodeUnknownDevice
	case errors.Is(err, ErrUnknownCommand):
		return ErrCodeInvalidCommand
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrUnknownCode):
		return ErrCodeInvalidParameters
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrTransport), errors.Is(err, ErrDeviceClosed):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrNeedsConfiguration), errors.Is(err, ErrNoCloud), errors.Is(err, ErrSpecification):
		return ErrCodeNotConfigured
	}
	return ErrCodeBridgeError
}

// handleMQTTMessage routes an incoming message by topic.
//
// The MQTT client delivers messages one at a time on a single router
// goroutine, and a command or request may wait on gateway responses that
// arrive through that same router. Both are therefore handled on their
// own tracked goroutine so the router is never held while a write is in
// flight.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.goTracked(func() { b.handleCommand(payload) })
	case "request":
		b.goTracked(func() { b.handleRequest(payload) })
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// goTracked runs fn on a goroutine that Stop waits for.
func (b *Bridge) goTracked(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.Execute(ctx, cmd.DeviceID, cmd.Command, cmd.Argument()); err != nil {
		b.publishAckError(cmd, AckCodeFor(err), err.Error())
		return
	}
	b.publishAck(cmd, AckAccepted)
}

func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus) {
	b.publishJSON(AckTopic(cmd.DeviceID), NewAckMessage(cmd, status), false)
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	b.publishJSON(AckTopic(cmd.DeviceID), NewAckError(cmd, code, message), false)
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message),
		"command_id", cmd.ID, "device_id", cmd.DeviceID)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err, "topic", topic)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, retained); err != nil {
		b.logError("failed to publish message", err, "topic", topic)
	}
}

func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action,
		"device_id", req.DeviceID)

	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	var (
		data map[string]any
		err  error
	)
	switch req.Action {
	case ActionReadState:
		data, err = b.handleReadState(req)
	case ActionResolve:
		data, err = b.handleResolve(ctx, req)
	case ActionRefetch:
		data, err = b.handleRefetch(ctx, req)
	case ActionScan:
		data, err = b.handleScan(ctx)
	case ActionListCommands:
		data, err = b.handleListCommands(req)
	default:
		err = fmt.Errorf("%w: unknown action: %s", ErrUnknownCommand, req.Action)
	}

	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
		Success:   err == nil,
		Data:      data,
	}
	if err != nil {
		resp.Data = nil
		resp.Error = &ResponseError{Code: AckCodeFor(err), Message: err.Error()}
	}
	b.publishJSON(ResponseTopic(req.RequestID), resp, false)
}

func (b *Bridge) requestDevice(req RequestMessage) (*Device, error) {
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidArgument)
	}
	d, ok := b.Device(req.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
	}
	return d, nil
}

func (b *Bridge) handleReadState(req RequestMessage) (map[string]any, error) {
	d, err := b.requestDevice(req)
	if err != nil {
		return nil, err
	}
	info := d.Info()
	return map[string]any{
		"device_id":  info.ID,
		"phase":      info.Phase,
		"connection": info.Connection,
		"state":      b.sink.Readings(info.ID),
	}, nil
}

func (b *Bridge) handleResolve(ctx context.Context, req RequestMessage) (map[string]any, error) {
	d, err := b.requestDevice(req)
	if err != nil {
		return nil, err
	}
	slot, err := slotParameter(req.Parameters["slot"])
	if err != nil {
		return nil, err
	}
	code, _ := req.Parameters["code"].(string)
	if err := d.Resolve(ctx, slot, code); err != nil {
		return nil, err
	}
	return map[string]any{"slot": SlotAttribute(slot), "code": code}, nil
}

func (b *Bridge) handleRefetch(ctx context.Context, req RequestMessage) (map[string]any, error) {
	d, err := b.requestDevice(req)
	if err != nil {
		return nil, err
	}
	if err := d.Refetch(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"phase": d.Phase()}, nil
}

func (b *Bridge) handleScan(ctx context.Context) (map[string]any, error) {
	devices, err := b.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"devices": devices}, nil
}

func (b *Bridge) handleListCommands(req RequestMessage) (map[string]any, error) {
	d, err := b.requestDevice(req)
	if err != nil {
		return nil, err
	}
	cmds := d.Commands()
	list := make([]map[string]any, 0, len(cmds))
	for _, c := range cmds {
		list = append(list, map[string]any{
			"name":        c.Name,
			"args":        c.Args,
			"hint":        c.Hint.String(),
			"description": c.Description,
		})
	}
	return map[string]any{"commands": list}, nil
}

// slotParameter accepts 7, 7.0, "7" or "dp_07".
func slotParameter(v any) (int, error) {
	switch s := v.(type) {
	case string:
		if slot, ok := ParseSlotAttribute(s); ok {
			return slot, nil
		}
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n, nil
		}
	default:
		if f, ok := toFloat(v); ok && f > 0 && f == float64(int(f)) {
			return int(f), nil
		}
	}
	return 0, fmt.Errorf("%w: invalid slot %v", ErrInvalidArgument, v)
}
