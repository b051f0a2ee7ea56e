// Package device persists what the Tuya bridge must remember about its
// devices across restarts.
//
// Two SQLite repositories live here:
//
//   - AttributeRepository stores per-device string attributes. The bridge
//     keeps the downloaded capability specification under spec_functions
//     and spec_status, and every data-point slot resolution under dp_NN.
//     It implements tuya.AttributeStore.
//   - RuntimeRepository stores devices created at runtime through the
//     setup API, so they are recreated on the next start.
//
// Both take an open *sql.DB whose schema was created by the embedded
// migrations (see package migrations).
//
// Usage:
//
//	attrs := device.NewAttributeRepository(db.DB)
//	runtime := device.NewRuntimeRepository(db.DB)
//
//	cfgs, err := runtime.List(ctx)
package device
