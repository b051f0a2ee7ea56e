package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"testing"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "tuyabridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// newOfflineClient returns a client that was never connected.
func newOfflineClient() *Client {
	return &Client{
		cfg:           testConfig(),
		subscriptions: make(map[string]subscription),
	}
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *mockLogger) Info(msg string, _ ...any) {
	l.mu.Lock()
	l.infos = append(l.infos, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) counts() (warns, errs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns), len(l.errors)
}

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// =============================================================================
// Options
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.MQTTConfig)
		wantBroker string
		wantUser   string
		wantTLS    bool
	}{
		{
			name:       "plain",
			mutate:     func(*config.MQTTConfig) {},
			wantBroker: "tcp://127.0.0.1:1883",
		},
		{
			name: "tls with credentials",
			mutate: func(c *config.MQTTConfig) {
				c.Broker.TLS = true
				c.Broker.Port = 8883
				c.Auth = config.MQTTAuthConfig{Username: "bridge", Password: "pw"}
			},
			wantBroker: "ssl://127.0.0.1:8883",
			wantUser:   "bridge",
			wantTLS:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			opts := buildClientOptions(cfg)

			if len(opts.Servers) != 1 || opts.Servers[0].String() != tt.wantBroker {
				t.Errorf("Servers = %v, want %s", opts.Servers, tt.wantBroker)
			}
			if opts.ClientID != "tuyabridge-test" {
				t.Errorf("ClientID = %q", opts.ClientID)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("Username = %q, want %q", opts.Username, tt.wantUser)
			}
			if !opts.CleanSession || !opts.AutoReconnect {
				t.Error("expected clean session with auto-reconnect")
			}
			if tt.wantTLS {
				if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tls.VersionTLS12 {
					t.Errorf("TLSConfig = %+v", opts.TLSConfig)
				}
			}
		})
	}
}

func TestApplyWill(t *testing.T) {
	opts := buildClientOptions(testConfig())
	if err := applyWill(opts, nil); err != nil || opts.WillEnabled {
		t.Fatalf("nil will: err=%v enabled=%v", err, opts.WillEnabled)
	}

	will := Will{Topic: "graylogic/health/tuya", Payload: []byte(`{"status":"offline"}`), QoS: 1, Retained: true}
	if err := applyWill(opts, &will); err != nil {
		t.Fatalf("applyWill() error = %v", err)
	}
	if !opts.WillEnabled || opts.WillTopic != will.Topic || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will options = enabled:%v topic:%q retained:%v qos:%d",
			opts.WillEnabled, opts.WillTopic, opts.WillRetained, opts.WillQos)
	}
	if !bytes.Equal(opts.WillPayload, will.Payload) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}

	if err := applyWill(opts, &Will{}); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := applyWill(opts, &Will{Topic: "x", QoS: 3}); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
}

func TestConnect_InvalidWill(t *testing.T) {
	_, err := Connect(testConfig(), WithWill(Will{}))
	if !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Connect() error = %v, want ErrInvalidTopic", err)
	}
}

// =============================================================================
// Validation without a broker
// =============================================================================

func TestPublish_Validation(t *testing.T) {
	c := newOfflineClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"invalid qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"payload too large", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "a/b", []byte("x"), 1, ErrNotConnected},
		{"nil payload not connected", "a/b", nil, 0, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}

	if err := c.PublishRetained("a/b", []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishRetained() error = %v", err)
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newOfflineClient()
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		want    error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"invalid qos", "a/+", 3, noop, ErrInvalidQoS},
		{"nil handler", "a/+", 1, nil, ErrSubscribeFailed},
		{"not connected", "a/+", 1, noop, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Subscribe(tt.topic, tt.qos, tt.handler); !errors.Is(err, tt.want) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.want)
			}
		})
	}

	if c.SubscriptionCount() != 0 || c.HasSubscription("a/+") {
		t.Error("failed subscriptions must not be tracked")
	}

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
	if err := c.Unsubscribe("a/+"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
}

func TestHealthCheck_Offline(t *testing.T) {
	c := newOfflineClient()

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}
}

// =============================================================================
// Callbacks and handler wrapping
// =============================================================================

func TestConnectionCallbacks(t *testing.T) {
	c := newOfflineClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	var connects int
	var lost error
	c.SetOnConnect(func() { connects++ })
	c.SetOnDisconnect(func(err error) { lost = err })

	c.handleConnect()
	if connects != 1 {
		t.Errorf("onConnect calls = %d, want 1", connects)
	}

	c.handleDisconnect(errors.New("broker gone"))
	if lost == nil || lost.Error() != "broker gone" {
		t.Errorf("onDisconnect error = %v", lost)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
	if warns, _ := logger.counts(); warns != 1 {
		t.Errorf("warnings = %d, want 1", warns)
	}
}

func TestWrapHandler(t *testing.T) {
	c := newOfflineClient()
	logger := &mockLogger{}
	c.SetLogger(logger)

	var gotTopic string
	var gotPayload []byte
	ok := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, payload
		return nil
	})
	ok(nil, fakeMessage{topic: "graylogic/command/tuya/bf12", payload: []byte(`{"command":"on"}`)})
	if gotTopic != "graylogic/command/tuya/bf12" || string(gotPayload) != `{"command":"on"}` {
		t.Errorf("handler got %q %s", gotTopic, gotPayload)
	}

	failing := c.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })
	failing(nil, fakeMessage{topic: "t"})

	panicking := c.wrapHandler(func(string, []byte) error { panic("boom") })
	panicking(nil, fakeMessage{topic: "t"})

	warns, errs := logger.counts()
	if warns != 1 || errs != 1 {
		t.Errorf("warns=%d errors=%d, want 1 and 1", warns, errs)
	}

	// Without a logger a panic is still contained.
	c.SetLogger(nil)
	panicking(nil, fakeMessage{topic: "t"})
}

var _ pahomqtt.Message = fakeMessage{}

// =============================================================================
// Gateway topics
// =============================================================================

func TestGatewayTopics(t *testing.T) {
	topics := GatewayTopics{Prefix: "tuya/gateway"}

	tests := []struct {
		got, want string
	}{
		{topics.Request("bf12"), "tuya/gateway/request/bf12"},
		{topics.Response("bf12"), "tuya/gateway/response/bf12"},
		{topics.Event("bf12"), "tuya/gateway/event/bf12"},
		{topics.AllResponses(), "tuya/gateway/response/+"},
		{topics.AllEvents(), "tuya/gateway/event/+"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}

	idTests := []struct {
		topic  string
		wantID string
		wantOK bool
	}{
		{"tuya/gateway/response/bf12", "bf12", true},
		{"tuya/gateway/event/bf12", "bf12", true},
		{"tuya/gateway/request/bf12", "", false},
		{"tuya/gateway/event/", "", false},
		{"tuya/gateway/event/a/b", "", false},
		{"other/event/bf12", "", false},
	}
	for _, tt := range idTests {
		id, ok := topics.DeviceID(tt.topic)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("DeviceID(%q) = %q, %v; want %q, %v", tt.topic, id, ok, tt.wantID, tt.wantOK)
		}
	}
	if strings.Contains(topics.Request("x"), "//") {
		t.Error("double slash in topic")
	}
}
