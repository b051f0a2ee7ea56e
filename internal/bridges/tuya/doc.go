// Package tuya implements the Tuya device bridge for Gray Logic.
//
// A Tuya device describes itself with a capability specification: a list of
// data points (dp), each with a code, a primitive type and constraints. The
// bridge turns that specification into a command table and a codec between
// raw data-point values and typed readings, and keeps one long-lived session
// per device open through a local gateway.
//
// # Architecture
//
//	┌──────────────┐  MQTT   ┌────────────────────────────┐  gateway   ┌────────┐
//	│  Gray Logic  │◄───────►│ Bridge ─► Device           │◄──────────►│ Device │
//	│     Core     │         │   Snapshot ─► Commands     │            └────────┘
//	└──────────────┘         │   Supervisor ─► Telemetry  │
//	                         └────────────────────────────┘
//
// Each Device owns:
//
//   - a Snapshot: the normalized specification (NormalizeStatic, NormalizeCloud)
//   - a command table derived from the snapshot (Generate)
//   - a Supervisor holding the session, with unbounded retry and a liveness check
//   - a TelemetrySync mapping data-point updates to readings (Apply)
//
// Specifications come either from the cloud account (when credentials are
// configured) or from a SchemaRegistry of statically known product schemas.
//
// # Data points and slots
//
// Cloud specifications advertise data-point ids that are not trusted until an
// operator (or auto-resolution on first contact) binds a slot "dp_NN" to a
// field code. Unbound fields are pending: they produce no commands and never
// match telemetry.
//
// # Energy meters and Json fields
//
// Json status fields publish nothing by themselves. A SubDecoders registry,
// shared by the devices of one bridge, expands known (category, dp) pairs
// into sub-readings; the built-in entry decodes the phase report of "zndb"
// meters into voltage, current and power.
//
// # Thread Safety
//
// All exported types are safe for concurrent use unless stated otherwise.
// Codec and command generation functions are pure.
//
// MQTT handlers run on the client's single router goroutine. Commands and
// requests are handed to their own goroutine there, because executing them
// waits on gateway responses delivered by that same router.
package tuya
