package gateway

import (
	"fmt"
	"strconv"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
)

// Request actions.
const (
	ActionConnect = "connect"
	ActionStatus  = "status"
	ActionSet     = "set"
	ActionClose   = "close"
)

// Event types.
const (
	EventStatus       = "status"
	EventDisconnected = "disconnected"
)

// Request is sent to {prefix}/request/{device_id}.
type Request struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Address   string `json:"address,omitempty"`
	LocalKey  string `json:"local_key,omitempty"` //nolint:gosec // G117: forwarded to the local daemon only
	Version   string `json:"version,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	DP        int    `json:"dp,omitempty"`
	Value     any    `json:"value,omitempty"`
}

// Response arrives on {prefix}/response/{device_id}.
type Response struct {
	ID    string         `json:"id"`
	OK    bool           `json:"ok"`
	Error string         `json:"error,omitempty"`
	DPS   map[string]any `json:"dps,omitempty"`
}

// Event arrives on {prefix}/event/{device_id}.
type Event struct {
	Type string         `json:"type"`
	DPS  map[string]any `json:"dps,omitempty"`
}

// dataPoints converts the wire map (string keys) to tuya.DataPoints.
func dataPoints(dps map[string]any) (tuya.DataPoints, error) {
	out := make(tuya.DataPoints, len(dps))
	for k, v := range dps {
		dp, err := strconv.Atoi(k)
		if err != nil || dp <= 0 {
			return nil, fmt.Errorf("invalid data point id %q", k)
		}
		out[dp] = v
	}
	return out, nil
}
