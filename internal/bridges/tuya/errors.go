package tuya

import (
	"errors"
	"fmt"
)

// Domain errors for the Tuya bridge package.
var (
	// ErrSpecification is matched by every *SpecificationError.
	ErrSpecification = errors.New("tuya: invalid specification")

	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("tuya: transport failure")

	// ErrCloud is matched by every *CloudError.
	ErrCloud = errors.New("tuya: cloud request failed")

	// ErrDecodeAnomaly is matched by every *DecodeAnomaly.
	ErrDecodeAnomaly = errors.New("tuya: decode anomaly")

	// ErrUnknownCommand is returned when a command name is not in the
	// device's current command table.
	ErrUnknownCommand = errors.New("tuya: unknown command")

	// ErrUnknownCode is returned when resolving a slot to a code that the
	// specification does not contain.
	ErrUnknownCode = errors.New("tuya: unknown field code")

	// ErrInvalidArgument is returned when a command argument cannot be
	// encoded for its field.
	ErrInvalidArgument = errors.New("tuya: invalid argument")

	// ErrNotConnected is returned when a command needs a session but the
	// device is not connected.
	ErrNotConnected = errors.New("tuya: device not connected")

	// ErrNeedsConfiguration is returned when a device has neither cloud
	// credentials nor a known static schema.
	ErrNeedsConfiguration = errors.New("tuya: device needs configuration")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("tuya: device closed")

	// ErrUnknownDevice is returned when a device id is not managed by the bridge.
	ErrUnknownDevice = errors.New("tuya: unknown device")

	// ErrNoCloud is returned by operations that need the cloud account when
	// no credentials are configured.
	ErrNoCloud = errors.New("tuya: cloud credentials not configured")
)

// SpecificationError reports a malformed or empty specification.
// It is fatal for the bootstrap of the affected device.
type SpecificationError struct {
	DeviceID string
	Reason   string
	Err      error
}

func (e *SpecificationError) Error() string {
	msg := "tuya: invalid specification"
	if e.DeviceID != "" {
		msg += " for " + e.DeviceID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SpecificationError) Unwrap() error { return e.Err }

// Is reports whether target is ErrSpecification.
func (e *SpecificationError) Is(target error) bool { return target == ErrSpecification }

// TransportError wraps a connect, send or receive failure from the transport.
// Transport errors are recoverable; the supervisor retries forever.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("tuya: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// CloudError wraps a cloud account API failure.
type CloudError struct {
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *CloudError) Error() string {
	msg := "tuya: cloud " + e.Op
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CloudError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCloud.
func (e *CloudError) Is(target error) bool { return target == ErrCloud }

// DecodeAnomaly reports a data-point value that could not be decoded for its
// field. It never aborts a telemetry batch.
type DecodeAnomaly struct {
	DP     int
	Code   string
	Reason string
}

func (e *DecodeAnomaly) Error() string {
	return fmt.Sprintf("tuya: decode dp %d (%s): %s", e.DP, e.Code, e.Reason)
}

// Is reports whether target is ErrDecodeAnomaly.
func (e *DecodeAnomaly) Is(target error) bool { return target == ErrDecodeAnomaly }

func specErr(reason string, args ...any) *SpecificationError {
	return &SpecificationError{Reason: fmt.Sprintf(reason, args...)}
}
