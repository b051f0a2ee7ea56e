package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/gateway"
)

// SystemStatus is the response of GET /api/v1/system.
type SystemStatus struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Operator      string         `json:"operator,omitempty"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          MQTTMetrics    `json:"mqtt"`
	Devices       DeviceMetrics  `json:"devices"`

	Gateway *gateway.DaemonStats `json:"gateway_daemon,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics counts managed devices by phase and connection state.
type DeviceMetrics struct {
	Total        int                          `json:"total"`
	Connected    int                          `json:"connected"`
	ByPhase      map[tuya.Phase]int           `json:"by_phase"`
	ByConnection map[tuya.ConnectionState]int `json:"by_connection"`
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	status := SystemStatus{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Devices: DeviceMetrics{
			ByPhase:      make(map[tuya.Phase]int),
			ByConnection: make(map[tuya.ConnectionState]int),
		},
	}
	if claims := claimsFromContext(r.Context()); claims != nil {
		status.Operator = claims.Subject
	}
	if s.mqtt != nil {
		status.MQTT.Connected = s.mqtt.IsConnected()
	}
	if s.daemon != nil {
		stats := s.daemon.Stats()
		status.Gateway = &stats
	}

	for _, d := range s.bridge.Devices() {
		info := d.Info()
		status.Devices.Total++
		status.Devices.ByPhase[info.Phase]++
		status.Devices.ByConnection[info.Connection]++
		if info.Connection == tuya.StateConnected {
			status.Devices.Connected++
		}
	}

	writeJSON(w, http.StatusOK, status)
}
