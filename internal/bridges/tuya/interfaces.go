package tuya

import (
	"context"
	"time"
)

// DataPoints maps data-point ids to raw values as delivered by the device.
type DataPoints map[int]any

// ConnectParams identifies one device session on the local network.
type ConnectParams struct {
	Address  string
	DeviceID string
	LocalKey string
	Version  string
	Timeout  time.Duration
}

// Transport opens device sessions. The wire protocol lives behind it.
//
// Implementations must deliver Listener callbacks without blocking on the
// session's own requests: a callback that waits for a Status or
// SetDataPoint answer on the same delivery path deadlocks.
type Transport interface {
	// Connect opens a session and registers listener for its lifetime.
	//
	// Parameters:
	//   - ctx: Bounds the connect handshake only
	//   - params: Address, credentials and protocol version of the device
	//   - listener: Receives status pushes and the disconnect event
	//
	// Returns:
	//   - Session: Open session; the caller owns it and must Close it
	//   - error: A *TransportError when the device cannot be reached
	Connect(ctx context.Context, params ConnectParams, listener Listener) (Session, error)
}

// Session is one open device connection.
type Session interface {
	// Status reads every data point the device reports.
	Status(ctx context.Context) (DataPoints, error)

	// SetDataPoint writes a raw value to one data point.
	SetDataPoint(ctx context.Context, dp int, value any) error

	// Alive reports whether the underlying transport is still usable.
	Alive() bool

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Listener receives asynchronous session events from the transport.
// OnDisconnected is called at most once per session, and no OnStatus
// follows it. Neither call may block.
type Listener interface {
	OnStatus(update DataPoints)
	OnDisconnected()
}

// CloudClient is the cloud account API used for specification retrieval and
// device discovery.
type CloudClient interface {
	DeviceSpecification(ctx context.Context, deviceID string) (RawSpecification, error)
	DeviceInfo(ctx context.Context, deviceID string) (map[string]any, error)
	FunctionDescriptions(ctx context.Context, deviceID string) (map[string]string, error)
	ListDevices(ctx context.Context, verbose bool) ([]DeviceSummary, error)
}

// DeviceSummary is one entry of the cloud device listing.
type DeviceSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	LocalKey  string `json:"local_key"`
	ProductID string `json:"product_id"`
	Category  string `json:"category"`
	Icon      string `json:"icon"`
	IP        string `json:"ip"`
	Sub       bool   `json:"sub"`
	Online    bool   `json:"online"`
}

// ReadingSink receives readings grouped into atomic batches per device.
// Every BeginBatch is paired with exactly one EndBatch for the same device;
// readings published in between are flushed together.
type ReadingSink interface {
	BeginBatch(deviceID string)
	PublishIfChanged(deviceID, name string, value any) error
	EndBatch(deviceID string) error
}

// AttributeStore persists per-device string attributes: the stored
// specification ("spec_functions", "spec_status") and the slot bindings
// ("dp_NN"). GetAttribute returns def when the attribute is unset.
type AttributeStore interface {
	GetAttribute(ctx context.Context, deviceID, name, def string) (string, error)
	SetAttribute(ctx context.Context, deviceID, name, value string) error
}

// Logger is the structured logger used by this package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
