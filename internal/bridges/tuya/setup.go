package tuya

import (
	"context"
	"fmt"
	"strings"
)

// IconBaseURL prefixes the relative icon paths of the cloud device listing.
const IconBaseURL = "https://images.tuyaeu.com/"

// Scan lists the devices of the cloud account and publishes one batch of
// readings per device under setupID, followed by a "found N devices" state.
//
// Parameters:
//   - ctx: Bounds the cloud listing
//   - cloud: Cloud client; nil returns ErrNoCloud
//   - sink: Receives the per-device readings
//   - setupID: Pseudo-device id the readings are published under
//
// Returns:
//   - []DeviceSummary: Devices with trimmed names and local keys
//   - error: ErrNoCloud or a *CloudError
func Scan(ctx context.Context, cloud CloudClient, sink ReadingSink, setupID string) ([]DeviceSummary, error) {
	if cloud == nil {
		return nil, ErrNoCloud
	}
	devices, err := cloud.ListDevices(ctx, true)
	if err != nil {
		return nil, asCloudError("list devices", err)
	}

	t := NewTelemetrySync(setupID, sink, func() *Snapshot { return nil })
	for i := range devices {
		d := &devices[i]
		d.Name = strings.TrimSpace(d.Name)

		b := t.begin()
		b.publish(d.ID+"_name", d.Name)
		b.publish(d.ID+"_id", d.ID)
		b.publish(d.ID+"_localkey", d.LocalKey)
		b.publish(d.ID+"_productid", d.ProductID)
		b.publish(d.ID+"_icon", IconBaseURL+d.Icon)
		b.end()
	}
	t.PublishState(fmt.Sprintf("found %d devices", len(devices)))
	return devices, nil
}

// ConfigFromSummary builds a device config from a cloud listing entry.
// address is the local network address of the device.
func ConfigFromSummary(s DeviceSummary, address string) DeviceConfig {
	return DeviceConfig{
		ID:        s.ID,
		Name:      s.Name,
		ProductID: s.ProductID,
		Address:   address,
		LocalKey:  s.LocalKey,
		Version:   DefaultProtocolVersion,
	}
}
