package tuya

import (
	"context"
	"errors"
	"sort"
)

// Reading names with fixed meaning.
const (
	ReadingState  = "state"
	ReadingOnline = "online"

	// StateReady is published when an update carries no primary state.
	StateReady = "ready"
)

// primaryStateCode is the field whose value becomes the "state" reading.
const primaryStateCode = "switch_1"

// TelemetrySync maps data-point updates onto readings for one device.
//
// Thread Safety: Apply, Offline and the Publish methods may be called
// concurrently; the sink serialises batches per device. SetMetrics and
// SetSubDecoders must be called before first use.
type TelemetrySync struct {
	loggerHolder

	deviceID string
	sink     ReadingSink
	snapshot func() *Snapshot
	decoders *SubDecoders
	metrics  *Metrics
}

// NewTelemetrySync creates a TelemetrySync with the built-in sub-decoders.
// snapshot is called once per update and must return the current
// capability snapshot (nil is allowed).
func NewTelemetrySync(deviceID string, sink ReadingSink, snapshot func() *Snapshot) *TelemetrySync {
	return &TelemetrySync{
		deviceID: deviceID,
		sink:     sink,
		snapshot: snapshot,
		decoders: NewSubDecoders(),
	}
}

// SetSubDecoders replaces the sub-decoder registry used for Json fields.
// nil leaves Json fields without sub-readings.
func (t *TelemetrySync) SetSubDecoders(r *SubDecoders) { t.decoders = r }

// SetMetrics attaches metrics; nil disables them.
func (t *TelemetrySync) SetMetrics(m *Metrics) { t.metrics = m }

// Apply publishes one batch of readings for update.
//
// Data points are processed in ascending order. Known status fields publish
// their decoded value under the field code ("state" for switch_1); Json
// fields publish their sub-decoded parts; unknown data points publish the
// raw value as "dp_NN". When no primary state was seen the batch also
// carries online=1, and when no state reading was produced, state=ready.
//
// Parameters:
//   - ctx: A cancelled context drops the update without publishing
//   - update: Raw data-point values keyed by id
//
// Decode anomalies are logged and counted; the raw value is published in
// place of the decoded one.
func (t *TelemetrySync) Apply(ctx context.Context, update DataPoints) {
	if ctx.Err() != nil {
		return
	}

	snap := t.snapshot()
	category := ""
	if snap != nil {
		category = snap.Category
	}

	b := t.begin()
	defer b.end()

	stateUsed, stateSet := false, false
	for _, dp := range sortedDPs(update) {
		raw := update[dp]

		f, ok := snap.StatusField(dp)
		if !ok {
			b.publish(SlotAttribute(dp), raw)
			continue
		}

		name := f.Code
		if f.Code == primaryStateCode {
			name = ReadingState
			stateUsed = true
		}

		if f.Kind == KindJSON {
			t.applyJSON(b, category, f, name, raw)
			continue
		}

		value, err := Decode(f, raw)
		if err != nil {
			t.anomaly(err)
			value = raw
		}
		if name == ReadingState {
			stateSet = true
		}
		b.publish(name, value)
	}

	if !stateUsed {
		b.publish(ReadingOnline, 1)
	}
	if !stateSet {
		b.publish(ReadingState, StateReady)
	}
}

func (t *TelemetrySync) applyJSON(b *batch, category string, f FieldSpec, name string, raw any) {
	dec, ok := t.decoders.Lookup(category, f.DP)
	if !ok {
		return
	}
	parts, err := dec(raw)
	if err != nil {
		t.anomaly(&DecodeAnomaly{DP: f.DP, Code: f.Code, Reason: err.Error()})
		b.publish(name, raw)
		return
	}
	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.publish(name+"_"+k, parts[k])
	}
}

// Offline publishes online=0.
func (t *TelemetrySync) Offline() {
	b := t.begin()
	b.publish(ReadingOnline, 0)
	b.end()
}

// PublishState publishes a single state reading.
func (t *TelemetrySync) PublishState(state string) {
	b := t.begin()
	b.publish(ReadingState, state)
	b.end()
}

// PublishInfo publishes device info attributes as one batch. The nested
// "status" entry is skipped.
func (t *TelemetrySync) PublishInfo(info map[string]any) {
	keys := make([]string, 0, len(info))
	for k := range info {
		if k != "status" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	b := t.begin()
	for _, k := range keys {
		b.publish(k, info[k])
	}
	b.end()
}

func (t *TelemetrySync) anomaly(err error) {
	var a *DecodeAnomaly
	if errors.As(err, &a) {
		t.logDebug("decode anomaly, publishing raw value",
			"device_id", t.deviceID, "dp", a.DP, "code", a.Code, "reason", a.Reason)
	}
	t.metrics.decodeAnomaly(t.deviceID)
}

// batch is one begin/end reading group. Publish errors are logged and do not
// stop the group.
type batch struct {
	t *TelemetrySync
}

func (t *TelemetrySync) begin() *batch {
	t.sink.BeginBatch(t.deviceID)
	return &batch{t: t}
}

func (b *batch) publish(name string, value any) {
	if err := b.t.sink.PublishIfChanged(b.t.deviceID, name, value); err != nil {
		b.t.logError("failed to publish reading", err, "device_id", b.t.deviceID, "reading", name)
	}
}

func (b *batch) end() {
	if err := b.t.sink.EndBatch(b.t.deviceID); err != nil {
		b.t.logError("failed to end reading batch", err, "device_id", b.t.deviceID)
	}
}

func sortedDPs(update DataPoints) []int {
	dps := make([]int, 0, len(update))
	for dp := range update {
		dps = append(dps, dp)
	}
	sort.Ints(dps)
	return dps
}
