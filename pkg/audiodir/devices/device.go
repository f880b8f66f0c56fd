package devices

import "fmt"

// Device is a single audio rendering endpoint tracked by a DeviceDirectory
type Device struct {
	id     string
	record DeviceRecord
}

func newDevice(record DeviceRecord) *Device {
	return &Device{
		id:     record.ID(),
		record: record,
	}
}

// ID returns the OS assigned endpoint id
func (d *Device) ID() string {
	return d.id
}

// DisplayName returns the endpoint's friendly name, falling back to its id
func (d *Device) DisplayName() string {
	if name := d.record.FriendlyName(); name != "" {
		return name
	}
	return d.id
}

// Record returns the OS handle backing this device
func (d *Device) Record() DeviceRecord {
	return d.record
}

func (d *Device) refresh(record DeviceRecord) {
	old := d.record
	d.record = record
	if old != nil && old != record {
		old.Release()
	}
}

func (d *Device) release() {
	if d.record != nil {
		d.record.Release()
	}
}

func (d *Device) String() string {
	return fmt.Sprintf("<device %s (%s)>", d.id, d.DisplayName())
}

func deviceID(d *Device) string {
	if d == nil {
		return ""
	}
	return d.id
}
