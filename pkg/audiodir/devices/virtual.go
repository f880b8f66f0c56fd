package devices

// VirtualDevice is a stand-in that always refers to whatever the current
// default playback device is.
type VirtualDevice interface {
	// Device returns the device currently backing the facade, or nil
	Device() *Device
	ID() string
	DisplayName() string
}

// VirtualDeviceFactory builds the facade for a directory
type VirtualDeviceFactory func(dir *DeviceDirectory) VirtualDevice

const virtualDefaultDisplayName = "Default device"

type virtualDefaultDevice struct {
	dir *DeviceDirectory
}

// NewVirtualDefaultDevice is the stock VirtualDeviceFactory
func NewVirtualDefaultDevice(dir *DeviceDirectory) VirtualDevice {
	return &virtualDefaultDevice{dir: dir}
}

func (v *virtualDefaultDevice) Device() *Device {
	return v.dir.DefaultPlaybackDevice()
}

func (v *virtualDefaultDevice) ID() string {
	return deviceID(v.Device())
}

func (v *virtualDefaultDevice) DisplayName() string {
	if d := v.Device(); d != nil {
		return d.DisplayName()
	}
	return virtualDefaultDisplayName
}
