package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ReadingsMeasurement is the measurement holding device reading history.
const ReadingsMeasurement = "device_readings"

// WriteDeviceMetric records one numeric reading of a device, tagged with
// the device id and the reading name (e.g. "cur_power", "switch_1").
//
//	client.WriteDeviceMetric("bf12", "power", 345.0)
func (c *Client) WriteDeviceMetric(deviceID, reading string, value float64) {
	c.WriteDeviceMetricAt(deviceID, reading, value, time.Now())
}

// WriteDeviceMetricAt is WriteDeviceMetric with an explicit timestamp.
func (c *Client) WriteDeviceMetricAt(deviceID, reading string, value float64, at time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		ReadingsMeasurement,
		map[string]string{
			"device_id": deviceID,
			"reading":   reading,
		},
		map[string]any{
			"value": value,
		},
		at,
	)
	c.writeAPI.WritePoint(point)
}
