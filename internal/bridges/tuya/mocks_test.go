package tuya

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fastTiming keeps supervisor delays short in tests.
var fastTiming = SupervisorTiming{
	ConnectTimeout:   time.Second,
	RetryDelay:       10 * time.Millisecond,
	LivenessInterval: time.Hour,
	GracePeriod:      10 * time.Millisecond,
}

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
	connected bool
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(c bool) {
	m.mu.Lock()
	m.connected = c
	m.mu.Unlock()
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

// PublishedOn returns the messages published on topic.
func (m *MockMQTTClient) PublishedOn(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers a message to the subscription whose filter
// matches topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	var handler func(string, []byte)
	for filter, h := range m.handlers {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	m.mu.Unlock()
	if handler != nil {
		handler(topic, payload)
	}
}

func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	if len(fp) != len(tp) {
		return false
	}
	for i := range fp {
		if fp[i] != "+" && fp[i] != tp[i] {
			return false
		}
	}
	return true
}

// mockSession implements Session.
type mockSession struct {
	mu        sync.Mutex
	status    DataPoints
	statusErr error
	setErr    error
	writes    []dpWrite
	alive     bool
	closed    bool

	// gate, when set, holds every SetDataPoint until it is closed.
	gate chan struct{}
}

type dpWrite struct {
	DP    int
	Value any
}

func newMockSession(status DataPoints) *mockSession {
	return &mockSession{status: status, alive: true}
}

func (s *mockSession) Status(context.Context) (DataPoints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	out := make(DataPoints, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out, nil
}

func (s *mockSession) SetDataPoint(ctx context.Context, dp int, value any) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.writes = append(s.writes, dpWrite{DP: dp, Value: value})
	return nil
}

func (s *mockSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.closed
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSession) SetAlive(alive bool) {
	s.mu.Lock()
	s.alive = alive
	s.mu.Unlock()
}

func (s *mockSession) SetGate(gate chan struct{}) {
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
}

func (s *mockSession) Writes() []dpWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dpWrite(nil), s.writes...)
}

func (s *mockSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockTransport implements Transport. The first failFirst attempts fail;
// alwaysFail fails every attempt. When block is set, Connect waits for it.
type mockTransport struct {
	mu         sync.Mutex
	attempts   int
	failFirst  int
	alwaysFail bool
	block      chan struct{}
	status     DataPoints
	sessions   []*mockSession
	listeners  []Listener
	params     []ConnectParams
}

func newMockTransport(status DataPoints) *mockTransport {
	return &mockTransport{status: status}
}

func (m *mockTransport) Connect(ctx context.Context, params ConnectParams, listener Listener) (Session, error) {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	block := m.block
	fail := m.alwaysFail || attempt <= m.failFirst
	m.params = append(m.params, params)
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	sess := newMockSession(m.status)
	m.mu.Lock()
	m.sessions = append(m.sessions, sess)
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
	return sess, nil
}

func (m *mockTransport) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *mockTransport) Sessions() []*mockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockSession(nil), m.sessions...)
}

func (m *mockTransport) LastSession() *mockSession {
	s := m.Sessions()
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

func (m *mockTransport) Listener(i int) Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners[i]
}

// mockCloud implements CloudClient.
type mockCloud struct {
	mu        sync.Mutex
	spec      RawSpecification
	specErr   error
	info      map[string]any
	infoErr   error
	desc      map[string]string
	descErr   error
	devices   []DeviceSummary
	listErr   error
	specCalls int
}

func (c *mockCloud) DeviceSpecification(context.Context, string) (RawSpecification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specCalls++
	return c.spec, c.specErr
}

func (c *mockCloud) DeviceInfo(context.Context, string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.infoErr
}

func (c *mockCloud) FunctionDescriptions(context.Context, string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desc, c.descErr
}

func (c *mockCloud) ListDevices(context.Context, bool) ([]DeviceSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DeviceSummary(nil), c.devices...), c.listErr
}

func (c *mockCloud) SpecCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.specCalls
}

// mockAttributes implements AttributeStore.
type mockAttributes struct {
	mu    sync.Mutex
	attrs map[string]map[string]string
}

func newMockAttributes() *mockAttributes {
	return &mockAttributes{attrs: make(map[string]map[string]string)}
}

func (a *mockAttributes) GetAttribute(_ context.Context, deviceID, name, def string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.attrs[deviceID][name]; ok {
		return v, nil
	}
	return def, nil
}

func (a *mockAttributes) SetAttribute(_ context.Context, deviceID, name, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attrs[deviceID] == nil {
		a.attrs[deviceID] = make(map[string]string)
	}
	a.attrs[deviceID][name] = value
	return nil
}

func (a *mockAttributes) Get(deviceID, name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attrs[deviceID][name]
}

// recordingSink implements ReadingSink and keeps every batch, without
// change suppression.
type recordingSink struct {
	mu      sync.Mutex
	open    map[string]map[string]any
	batches []recordedBatch
}

type recordedBatch struct {
	DeviceID string
	Readings map[string]any
}

func newRecordingSink() *recordingSink {
	return &recordingSink{open: make(map[string]map[string]any)}
}

func (s *recordingSink) BeginBatch(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[deviceID] = make(map[string]any)
}

func (s *recordingSink) PublishIfChanged(deviceID, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.open[deviceID]; ok {
		b[name] = value
		return nil
	}
	s.batches = append(s.batches, recordedBatch{DeviceID: deviceID, Readings: map[string]any{name: value}})
	return nil
}

func (s *recordingSink) EndBatch(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.open[deviceID]
	if !ok {
		return errors.New("no open batch")
	}
	delete(s.open, deviceID)
	s.batches = append(s.batches, recordedBatch{DeviceID: deviceID, Readings: b})
	return nil
}

func (s *recordingSink) Batches() []recordedBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedBatch(nil), s.batches...)
}

func (s *recordingSink) Last() recordedBatch {
	b := s.Batches()
	if len(b) == 0 {
		return recordedBatch{}
	}
	return b[len(b)-1]
}

// mockMetricWriter implements MetricWriter.
type mockMetricWriter struct {
	mu     sync.Mutex
	points map[string]float64
}

func newMockMetricWriter() *mockMetricWriter {
	return &mockMetricWriter{points: make(map[string]float64)}
}

func (w *mockMetricWriter) WriteDeviceMetric(deviceID, measurement string, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points[deviceID+"/"+measurement] = value
}

func (w *mockMetricWriter) Get(key string) (float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.points[key]
	return v, ok
}
