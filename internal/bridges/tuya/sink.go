package tuya

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MetricWriter stores numeric readings as time series.
// Satisfied by *influxdb.Client.
type MetricWriter interface {
	WriteDeviceMetric(deviceID, measurement string, value float64)
}

// StatePublisher publishes state messages, typically the MQTT client.
type StatePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// ReadingObserver is notified with the changed readings of every non-empty
// batch. Observers must not block.
type ReadingObserver func(deviceID string, changed map[string]any)

// StateSink is the ReadingSink of the bridge. It suppresses unchanged
// readings, groups a batch into one retained state message, writes numeric
// readings to the metric writer and notifies observers.
//
// Between BeginBatch and EndBatch the device's batch is held exclusively, so
// two batches of one device never interleave.
//
// Thread Safety: All methods are safe for concurrent use. Observers are
// called without the sink lock held.
type StateSink struct {
	loggerHolder

	publisher StatePublisher
	metrics   MetricWriter

	mu        sync.Mutex
	latest    map[string]map[string]any
	pending   map[string]map[string]any
	batchLock map[string]*sync.Mutex
	observers []ReadingObserver
}

// NewStateSink creates a sink. publisher and metrics may be nil.
func NewStateSink(publisher StatePublisher, metrics MetricWriter) *StateSink {
	return &StateSink{
		publisher: publisher,
		metrics:   metrics,
		latest:    make(map[string]map[string]any),
		pending:   make(map[string]map[string]any),
		batchLock: make(map[string]*sync.Mutex),
	}
}

// Observe registers an observer.
func (s *StateSink) Observe(fn ReadingObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// BeginBatch opens a batch for deviceID, waiting for any open batch of the
// same device to end.
func (s *StateSink) BeginBatch(deviceID string) {
	s.deviceLock(deviceID).Lock()

	s.mu.Lock()
	s.pending[deviceID] = make(map[string]any)
	s.mu.Unlock()
}

// PublishIfChanged records a reading when it differs from the last value.
// Outside a batch the reading is flushed on its own.
//
// Parameters:
//   - deviceID: Device the reading belongs to
//   - name: Reading name, e.g. "state" or a field code
//   - value: Decoded value; compared with the last published value
//
// Returns:
//   - error: If publishing a single reading fails
func (s *StateSink) PublishIfChanged(deviceID, name string, value any) error {
	s.mu.Lock()
	if s.unchanged(deviceID, name, value) {
		s.mu.Unlock()
		return nil
	}
	batch, open := s.pending[deviceID]
	if open {
		batch[name] = value
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.flush(deviceID, map[string]any{name: value})
}

// EndBatch closes the batch and flushes its readings as one state message.
// An empty batch publishes nothing.
//
// Returns:
//   - error: ErrInvalidArgument when no batch is open, or the publish error
func (s *StateSink) EndBatch(deviceID string) error {
	s.mu.Lock()
	batch, open := s.pending[deviceID]
	delete(s.pending, deviceID)
	lock := s.batchLock[deviceID]
	s.mu.Unlock()

	if !open {
		return fmt.Errorf("%w: no open batch for %s", ErrInvalidArgument, deviceID)
	}
	defer lock.Unlock()
	return s.flush(deviceID, batch)
}

// Readings returns a copy of the latest readings of a device.
func (s *StateSink) Readings(deviceID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.latest[deviceID]))
	for k, v := range s.latest[deviceID] {
		out[k] = v
	}
	return out
}

// Forget drops the cached readings of a device.
func (s *StateSink) Forget(deviceID string) {
	s.mu.Lock()
	delete(s.latest, deviceID)
	s.mu.Unlock()
}

func (s *StateSink) flush(deviceID string, readings map[string]any) error {
	if len(readings) == 0 {
		return nil
	}

	if s.metrics != nil {
		names := make([]string, 0, len(readings))
		for name := range readings {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if v, ok := numericReading(readings[name]); ok {
				s.metrics.WriteDeviceMetric(deviceID, name, v)
			}
		}
	}

	s.mu.Lock()
	observers := append([]ReadingObserver(nil), s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(deviceID, readings)
	}

	if s.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(NewStateMessage(deviceID, readings))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.publisher.Publish(StateTopic(deviceID), payload, 1, true); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	return nil
}

// unchanged reports whether value equals the cached reading, caching it
// otherwise. Callers hold s.mu.
func (s *StateSink) unchanged(deviceID, name string, value any) bool {
	if s.latest[deviceID] == nil {
		s.latest[deviceID] = make(map[string]any)
	}
	cached, seen := s.latest[deviceID][name]
	if seen && valuesEqual(cached, value) {
		return true
	}
	s.latest[deviceID][name] = value
	return false
}

func (s *StateSink) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.batchLock[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.batchLock[deviceID] = l
	}
	return l
}

// valuesEqual compares two readings. Readings are scalars, so == is safe
// once both sides hold comparable dynamic types.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch a.(type) {
	case bool, string, float64, float32, int, int64, int32, uint8, uint32, uint64:
		return a == b
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// numericReading converts readings that belong in a time series.
func numericReading(v any) (float64, bool) {
	switch n := v.(type) {
	case string:
		switch n {
		case On:
			return 1, true
		case Off:
			return 0, true
		}
		return 0, false
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return toFloat(v)
}
