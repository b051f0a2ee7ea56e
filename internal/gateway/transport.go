package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/mqtt"
)

const (
	defaultRequestTimeout = 20 * time.Second

	// requestQoS is at-least-once; the daemon dedupes by request id.
	requestQoS = 1
)

// MQTTClient is the MQTT surface the transport needs. *mqtt.Client
// satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// Logger is the structured logger used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Transport.
type Options struct {
	// Prefix is the gateway topic prefix (tuya.gateway.topic_prefix).
	Prefix string

	// RequestTimeout bounds every request without its own deadline.
	RequestTimeout time.Duration

	Logger Logger
}

// Transport implements tuya.Transport over MQTT.
//
// Thread Safety: All methods are safe for concurrent use.
type Transport struct {
	client  MQTTClient
	topics  mqtt.GatewayTopics
	timeout time.Duration
	logger  Logger

	mu       sync.Mutex
	started  bool
	pending  map[string]chan Response
	sessions map[string]*session
}

var _ tuya.Transport = (*Transport)(nil)

// New creates a transport. Call Start before Connect.
func New(client MQTTClient, opts Options) *Transport {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Transport{
		client:   client,
		topics:   mqtt.GatewayTopics{Prefix: opts.Prefix},
		timeout:  opts.RequestTimeout,
		logger:   opts.Logger,
		pending:  make(map[string]chan Response),
		sessions: make(map[string]*session),
	}
}

// Start subscribes to the response and event topics of every device.
func (t *Transport) Start() error {
	if err := t.client.Subscribe(t.topics.AllResponses(), requestQoS, t.handleResponse); err != nil {
		return fmt.Errorf("subscribe to gateway responses: %w", err)
	}
	if err := t.client.Subscribe(t.topics.AllEvents(), requestQoS, t.handleEvent); err != nil {
		return fmt.Errorf("subscribe to gateway events: %w", err)
	}

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

// Connect asks the gateway to open a session to the device. A previous
// session of the same device is superseded: its events are dropped.
func (t *Transport) Connect(ctx context.Context, params tuya.ConnectParams, listener tuya.Listener) (tuya.Session, error) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return nil, &tuya.TransportError{Op: "connect", Err: ErrNotStarted}
	}

	timeout := t.timeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}

	_, err := t.request(ctx, params.DeviceID, Request{
		Action:    ActionConnect,
		Address:   params.Address,
		LocalKey:  params.LocalKey,
		Version:   params.Version,
		TimeoutMS: timeout.Milliseconds(),
	}, timeout)
	if err != nil {
		return nil, &tuya.TransportError{Op: "connect", Err: err}
	}

	s := &session{transport: t, deviceID: params.DeviceID, listener: listener}

	t.mu.Lock()
	prev := t.sessions[params.DeviceID]
	t.sessions[params.DeviceID] = s
	t.mu.Unlock()
	if prev != nil {
		prev.markDropped()
	}

	t.logDebug("gateway session opened", "device_id", params.DeviceID, "address", params.Address)
	return s, nil
}

// request publishes req and waits for the correlated response.
func (t *Transport) request(ctx context.Context, deviceID string, req Request, timeout time.Duration) (Response, error) {
	if !t.client.IsConnected() {
		return Response{}, ErrBrokerDisconnected
	}
	if timeout <= 0 {
		timeout = t.timeout
	}

	req.ID = uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal %s request: %w", req.Action, err)
	}

	ch := make(chan Response, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.client.Publish(t.topics.Request(deviceID), payload, requestQoS, false); err != nil {
		return Response{}, fmt.Errorf("publish %s request: %w", req.Action, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, fmt.Errorf("%w: %s: %s", ErrRejected, req.Action, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("%w: %s after %s", ErrTimeout, req.Action, timeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// notify sends req without waiting for an answer.
func (t *Transport) notify(deviceID string, req Request) error {
	if !t.client.IsConnected() {
		return ErrBrokerDisconnected
	}
	req.ID = uuid.NewString()
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", req.Action, err)
	}
	return t.client.Publish(t.topics.Request(deviceID), payload, requestQoS, false)
}

func (t *Transport) handleResponse(topic string, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("invalid gateway response on %s: %w", topic, err)
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	t.mu.Unlock()
	if !ok {
		// Late answer to a request that already timed out.
		t.logDebug("unmatched gateway response", "topic", topic, "request_id", resp.ID)
		return nil
	}

	select {
	case ch <- resp:
	default:
	}
	return nil
}

func (t *Transport) handleEvent(topic string, payload []byte) error {
	deviceID, ok := t.topics.DeviceID(topic)
	if !ok {
		return fmt.Errorf("unexpected gateway topic %s", topic)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("invalid gateway event on %s: %w", topic, err)
	}

	t.mu.Lock()
	s := t.sessions[deviceID]
	t.mu.Unlock()
	if s == nil {
		return nil
	}

	switch ev.Type {
	case EventStatus:
		dps, err := dataPoints(ev.DPS)
		if err != nil {
			return fmt.Errorf("gateway event for %s: %w", deviceID, err)
		}
		s.deliverStatus(dps)
	case EventDisconnected:
		t.forget(s)
		if s.markDropped() {
			t.logInfo("gateway reported disconnect", "device_id", deviceID)
			s.listener.OnDisconnected()
		}
	default:
		t.logWarn("unknown gateway event", "device_id", deviceID, "type", ev.Type)
	}
	return nil
}

// forget removes s if it is still the current session of its device.
func (t *Transport) forget(s *session) {
	t.mu.Lock()
	if t.sessions[s.deviceID] == s {
		delete(t.sessions, s.deviceID)
	}
	t.mu.Unlock()
}

func (t *Transport) logDebug(msg string, kv ...any) {
	if t.logger != nil {
		t.logger.Debug(msg, kv...)
	}
}

func (t *Transport) logInfo(msg string, kv ...any) {
	if t.logger != nil {
		t.logger.Info(msg, kv...)
	}
}

func (t *Transport) logWarn(msg string, kv ...any) {
	if t.logger != nil {
		t.logger.Warn(msg, kv...)
	}
}

// session is one gateway-held device session.
type session struct {
	transport *Transport
	deviceID  string
	listener  tuya.Listener

	mu      sync.Mutex
	dropped bool
	closed  bool
}

var _ tuya.Session = (*session)(nil)

// Status reads every data point.
func (s *session) Status(ctx context.Context) (tuya.DataPoints, error) {
	if err := s.usable(); err != nil {
		return nil, &tuya.TransportError{Op: "status", Err: err}
	}
	resp, err := s.transport.request(ctx, s.deviceID, Request{Action: ActionStatus}, 0)
	if err != nil {
		return nil, &tuya.TransportError{Op: "status", Err: err}
	}
	dps, err := dataPoints(resp.DPS)
	if err != nil {
		return nil, &tuya.TransportError{Op: "status", Err: err}
	}
	return dps, nil
}

// SetDataPoint writes one data point.
func (s *session) SetDataPoint(ctx context.Context, dp int, value any) error {
	if err := s.usable(); err != nil {
		return &tuya.TransportError{Op: "set", Err: err}
	}
	if _, err := s.transport.request(ctx, s.deviceID, Request{Action: ActionSet, DP: dp, Value: value}, 0); err != nil {
		return &tuya.TransportError{Op: "set", Err: err}
	}
	return nil
}

// Alive is false once the session was closed or dropped, or while the
// broker link is down.
func (s *session) Alive() bool {
	return s.usable() == nil && s.transport.client.IsConnected()
}

// Close releases the session and tells the gateway to drop it.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasDropped := s.dropped
	s.mu.Unlock()

	s.transport.forget(s)
	if wasDropped {
		return nil
	}
	if err := s.transport.notify(s.deviceID, Request{Action: ActionClose}); err != nil && !errors.Is(err, ErrBrokerDisconnected) {
		return &tuya.TransportError{Op: "close", Err: err}
	}
	return nil
}

func (s *session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.dropped {
		return ErrSessionClosed
	}
	return nil
}

// markDropped reports whether this call changed the session state.
func (s *session) markDropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped || s.closed {
		return false
	}
	s.dropped = true
	return true
}

func (s *session) deliverStatus(dps tuya.DataPoints) {
	if s.usable() != nil {
		return
	}
	s.listener.OnStatus(dps)
}
