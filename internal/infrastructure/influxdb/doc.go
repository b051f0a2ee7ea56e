// Package influxdb records the numeric reading history of Tuya devices in
// InfluxDB v2.
//
// The bridge's reading sink writes every numeric reading (power, voltage,
// brightness, on/off as 1/0) as one point of the device_readings
// measurement, tagged with device_id and reading.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without history
//	}
//	defer client.Close()
//
//	client.WriteDeviceMetric("bf12", "power", 345.0)
package influxdb
