package tuya

import (
	"fmt"
	"sync"
)

// SubDecoder expands one Json data-point value into named sub-readings.
// An empty result is not an error.
type SubDecoder func(raw any) (map[string]any, error)

type subDecoderKey struct {
	category string
	dp       int
}

// SubDecoders maps a (category, data point) pair to the SubDecoder that
// expands its Json value. One registry is shared by every device of a
// bridge.
//
// Thread Safety: All methods are safe for concurrent use.
type SubDecoders struct {
	mu       sync.RWMutex
	decoders map[subDecoderKey]SubDecoder
}

// NewSubDecoders creates a registry holding the built-in decoders: the
// phase report of energy meters ("zndb", data point 6).
func NewSubDecoders() *SubDecoders {
	return &SubDecoders{
		decoders: map[subDecoderKey]SubDecoder{
			{category: "zndb", dp: 6}: decodeEnergyFrame,
		},
	}
}

// Register installs a sub-decoder for a data point of a device category,
// replacing any previous one.
func (r *SubDecoders) Register(category string, dp int, dec SubDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[subDecoderKey{category: category, dp: dp}] = dec
}

// Lookup returns the sub-decoder for a category and data point.
func (r *SubDecoders) Lookup(category string, dp int) (SubDecoder, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	dec, ok := r.decoders[subDecoderKey{category: category, dp: dp}]
	return dec, ok
}

// energyFrameMinUnits is the number of 4-bit units needed for the three
// measurements.
const energyFrameMinUnits = 16

// decodeEnergyFrame decodes the phase report of an energy meter.
// The payload is a string in a base64-like alphabet; every pair of 6-bit
// symbols unpacks into three 4-bit units, and the measurements are 12-bit
// big-endian values at units 1-3 (voltage, 0.1 V), 7-9 (current, mA) and
// 13-15 (power, W).
func decodeEnergyFrame(raw any) (map[string]any, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("energy frame: expected string, got %T", raw)
	}
	n := unpackNibbles(s)
	if len(n) < energyFrameMinUnits {
		return map[string]any{}, nil
	}
	return map[string]any{
		"voltage": float64(n[1]<<8|n[2]<<4|n[3]) / 10,
		"current": float64(n[7]<<8|n[8]<<4|n[9]) / 1000,
		"power":   float64(n[13]<<8 | n[14]<<4 | n[15]),
	}, nil
}

// unpackNibbles decodes s symbol by symbol and splits each symbol pair into
// three 4-bit units. A trailing unpaired symbol is ignored.
func unpackNibbles(s string) []int {
	symbols := make([]int, 0, len(s))
	for _, r := range s {
		symbols = append(symbols, alphabetValue(r))
	}
	out := make([]int, 0, len(symbols)/2*3)
	for i := 0; i+1 < len(symbols); i += 2 {
		a, b := symbols[i], symbols[i+1]
		out = append(out, a>>2, (a&0x03)<<2|(b&0x30)>>4, b&0x0F)
	}
	return out
}

func alphabetValue(r rune) int {
	switch {
	case r >= 'A' && r <= 'Z':
		return int(r - 'A')
	case r >= 'a' && r <= 'z':
		return int(r-'a') + 26
	case r >= '0' && r <= '9':
		return int(r-'0') + 52
	case r == '/':
		return 62
	}
	return int(r)
}
