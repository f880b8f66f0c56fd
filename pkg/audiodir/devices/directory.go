package devices

import (
	"context"
	"errors"
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.uber.org/zap"
)

// ErrNilDevice is returned when a default is requested for a nil device
var ErrNilDevice = errors.New("nil device")

// DirectoryConfig holds the collaborators of a DeviceDirectory
type DirectoryConfig struct {
	Logger     *zap.SugaredLogger
	Dispatcher *Dispatcher
	Provider   EndpointProvider
	Policy     *PolicyClient

	// VirtualDevice builds the default device facade; NewVirtualDefaultDevice when nil
	VirtualDevice VirtualDeviceFactory

	// Bus receives the directory's events; a new one is created when nil
	Bus *Bus
}

type roleDefault struct {
	role   Role
	device *Device

	// reported by the OS but not tracked (yet)
	pending string
}

// DeviceDirectory tracks the active render endpoints and the default
// endpoint for each role. Apart from Snapshot, its methods must be called
// on the dispatcher's goroutine.
type DeviceDirectory struct {
	logger     *zap.SugaredLogger
	dispatcher *Dispatcher
	provider   EndpointProvider
	policy     *PolicyClient
	events     *Bus

	devices *orderedmap.OrderedMap[string, *Device]

	defaultPlayback       roleDefault
	defaultCommunications roleDefault

	virtualDefault VirtualDevice
}

// NewDeviceDirectory subscribes to endpoint notifications, enumerates the
// active render endpoints and resolves both role defaults. It must run on
// the dispatcher's goroutine, e.g. inside Dispatcher.Invoke.
func NewDeviceDirectory(cfg DirectoryConfig) (*DeviceDirectory, error) {
	if cfg.Dispatcher == nil || cfg.Provider == nil || cfg.Policy == nil {
		return nil, errors.New("directory needs a dispatcher, provider and policy client")
	}

	logger := cfg.Logger.Named("directory")

	events := cfg.Bus
	if events == nil {
		events = NewBus(logger)
	}

	dir := &DeviceDirectory{
		logger:                logger,
		dispatcher:            cfg.Dispatcher,
		provider:              cfg.Provider,
		policy:                cfg.Policy,
		events:                events,
		devices:               orderedmap.New[string, *Device](),
		defaultPlayback:       roleDefault{role: RoleMultimedia},
		defaultCommunications: roleDefault{role: RoleCommunications},
	}

	// subscribe first: anything that changes while we enumerate is queued
	// behind us and replayed idempotently
	if err := dir.provider.Subscribe(&notificationClient{dir: dir}); err != nil {
		logger.Warnw("Failed to subscribe to endpoint notifications", "error", err)
		return nil, fmt.Errorf("subscribe to endpoint notifications: %w", err)
	}

	ids, err := dir.provider.EnumerateActiveRenderEndpoints()
	if err != nil {
		logger.Warnw("Failed to enumerate render endpoints", "error", err)
		if uerr := dir.provider.Unsubscribe(); uerr != nil {
			logger.Warnw("Failed to unsubscribe from endpoint notifications", "error", uerr)
		}
		return nil, fmt.Errorf("enumerate render endpoints: %w", err)
	}

	for _, id := range ids {
		dir.addDevice(id)
	}

	dir.resolveDefaults()

	newVirtual := cfg.VirtualDevice
	if newVirtual == nil {
		newVirtual = NewVirtualDefaultDevice
	}
	dir.virtualDefault = newVirtual(dir)

	logger.Infow("Created device directory",
		"devices", dir.devices.Len(),
		"defaultPlayback", deviceID(dir.defaultPlayback.device),
		"defaultCommunications", deviceID(dir.defaultCommunications.device))

	return dir, nil
}

// Events returns the bus the directory publishes on
func (dir *DeviceDirectory) Events() *Bus {
	return dir.events
}

// Devices returns the tracked devices in insertion order
func (dir *DeviceDirectory) Devices() []*Device {
	result := make([]*Device, 0, dir.devices.Len())
	for pair := dir.devices.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Device looks up a tracked device by id
func (dir *DeviceDirectory) Device(id string) (*Device, bool) {
	return dir.devices.Get(id)
}

// DefaultPlaybackDevice returns the multimedia default, nil when there is none
func (dir *DeviceDirectory) DefaultPlaybackDevice() *Device {
	return dir.defaultPlayback.device
}

// DefaultCommunicationsDevice returns the communications default, nil when there is none
func (dir *DeviceDirectory) DefaultCommunicationsDevice() *Device {
	return dir.defaultCommunications.device
}

// VirtualDefaultDevice returns the facade that follows the playback default
func (dir *DeviceDirectory) VirtualDefaultDevice() VirtualDevice {
	return dir.virtualDefault
}

// SetDefaultPlaybackDevice asks the OS to make device the multimedia default.
// The cached default only changes once the OS reports it.
func (dir *DeviceDirectory) SetDefaultPlaybackDevice(device *Device) error {
	return dir.setDefault(&dir.defaultPlayback, device)
}

// SetDefaultCommunicationsDevice asks the OS to make device the communications default
func (dir *DeviceDirectory) SetDefaultCommunicationsDevice(device *Device) error {
	return dir.setDefault(&dir.defaultCommunications, device)
}

// DirectorySnapshot is a copy of the directory state taken on the owner goroutine
type DirectorySnapshot struct {
	Devices               []*Device
	DefaultPlayback       *Device
	DefaultCommunications *Device
}

// Snapshot reads the directory state from any goroutine
func (dir *DeviceDirectory) Snapshot(ctx context.Context) (DirectorySnapshot, error) {
	var snapshot DirectorySnapshot

	err := dir.dispatcher.Invoke(ctx, func() {
		snapshot = DirectorySnapshot{
			Devices:               dir.Devices(),
			DefaultPlayback:       dir.defaultPlayback.device,
			DefaultCommunications: dir.defaultCommunications.device,
		}
	})
	if err != nil {
		return DirectorySnapshot{}, fmt.Errorf("snapshot directory: %w", err)
	}

	return snapshot, nil
}

// Close unsubscribes from notifications and releases every device
func (dir *DeviceDirectory) Close() error {
	err := dir.provider.Unsubscribe()
	if err != nil {
		dir.logger.Warnw("Failed to unsubscribe from endpoint notifications", "error", err)
		err = fmt.Errorf("unsubscribe from endpoint notifications: %w", err)
	}

	for pair := dir.devices.Oldest(); pair != nil; pair = pair.Next() {
		pair.Value.release()
	}
	dir.devices = orderedmap.New[string, *Device]()
	dir.defaultPlayback.device = nil
	dir.defaultCommunications.device = nil

	dir.logger.Debug("Closed device directory")
	return err
}

func (dir *DeviceDirectory) setDefault(state *roleDefault, device *Device) error {
	if device == nil {
		return ErrNilDevice
	}

	if device.ID() == deviceID(state.device) {
		dir.logger.Debugw("Device is already the default, not changing it",
			"device", device.ID(),
			"role", state.role)
		return nil
	}

	if err := dir.policy.SetDefaultEndpoint(device.ID(), state.role); err != nil {
		dir.logger.Warnw("Failed to set default device",
			"device", device.ID(),
			"role", state.role,
			"error", err)
		return err
	}

	dir.logger.Infow("Requested default device change", "device", device.ID(), "role", state.role)
	return nil
}

func (dir *DeviceDirectory) addDevice(id string) {
	if _, ok := dir.devices.Get(id); ok {
		return
	}

	record, err := dir.provider.GetEndpoint(id)
	if err != nil {
		// this could just mean the device is already gone again
		dir.logger.Warnw("Failed to get endpoint for new device, dropping it", "device", id, "error", err)
		return
	}

	if record.DataFlow() != FlowRender {
		dir.logger.Debugw("Ignoring non-render endpoint", "device", id, "dataFlow", record.DataFlow())
		record.Release()
		return
	}

	device := newDevice(record)
	dir.devices.Set(id, device)
	dir.logger.Debugw("Device added", "device", device)
	dir.events.Publish(DeviceAdded{Device: device})

	dir.watchSessions(id, record)

	for _, state := range []*roleDefault{&dir.defaultPlayback, &dir.defaultCommunications} {
		if state.device == nil && state.pending == id {
			dir.logger.Debugw("Adopting pending default", "device", id, "role", state.role)
			dir.updateDefault(state, device)
		}
	}
}

func (dir *DeviceDirectory) removeDevice(id string) {
	device, ok := dir.devices.Delete(id)
	if !ok {
		return
	}

	// never leave a default pointing at a device that left the collection
	for _, state := range []*roleDefault{&dir.defaultPlayback, &dir.defaultCommunications} {
		if state.device == device {
			dir.updateDefault(state, nil)
			state.pending = id
		}
	}

	dir.logger.Debugw("Device removed", "device", device)
	dir.events.Publish(DeviceRemoved{Device: device})

	device.release()
}

func (dir *DeviceDirectory) resolveDefaults() {
	dir.resolveDefault(&dir.defaultPlayback)
	dir.resolveDefault(&dir.defaultCommunications)
}

func (dir *DeviceDirectory) resolveDefault(state *roleDefault) {
	newID := ""

	record, err := dir.provider.GetDefaultEndpoint(state.role)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		dir.logger.Warnw("Failed to get default endpoint", "role", state.role, "error", err)
		return
	default:
		newID = record.ID()
		record.Release()
	}

	if newID == deviceID(state.device) {
		state.pending = ""
		return
	}

	device, ok := dir.devices.Get(newID)
	if !ok {
		device = nil
		state.pending = newID
	} else {
		state.pending = ""
	}

	dir.updateDefault(state, device)
}

func (dir *DeviceDirectory) updateDefault(state *roleDefault, device *Device) {
	if state.device == device {
		return
	}

	state.device = device

	dir.logger.Infow("Default device changed", "role", state.role, "device", deviceID(device))

	// only the playback default is announced publicly
	if state.role == RoleMultimedia {
		dir.events.Publish(DefaultPlaybackChanged{Device: device})
	}
}

func (dir *DeviceDirectory) updateProperty(id string, key PropertyKey) {
	device, ok := dir.devices.Get(id)
	if !ok || key != PropertyKeyEndpointInterface {
		return
	}

	record, err := dir.provider.GetEndpoint(id)
	if err != nil {
		dir.logger.Warnw("Failed to refresh endpoint after interface change", "device", id, "error", err)
		return
	}

	device.refresh(record)
	dir.watchSessions(id, record)
	dir.logger.Debugw("Device refreshed", "device", device)
	dir.events.Publish(DeviceUpdated{Device: device})
}

func (dir *DeviceDirectory) watchSessions(id string, record DeviceRecord) {
	watcher, ok := record.(SessionWatcher)
	if !ok {
		return
	}

	err := watcher.WatchSessions(func(session Session) {
		dir.dispatcher.Dispatch(func() {
			dir.sessionCreated(id, session)
		})
	})
	if err != nil {
		dir.logger.Warnw("Failed to watch sessions for device", "device", id, "error", err)
	}
}

func (dir *DeviceDirectory) sessionCreated(id string, session Session) {
	device, ok := dir.devices.Get(id)
	if !ok {
		dir.logger.Debugw("Session created on untracked device", "device", id, "session", session.Key())
		return
	}

	dir.events.Publish(SessionCreated{Device: device, Session: session})
}

// notificationClient marshals every provider callback onto the owner goroutine
type notificationClient struct {
	dir *DeviceDirectory
}

func (n *notificationClient) DeviceAdded(id string) {
	n.dir.dispatcher.Dispatch(func() { n.dir.addDevice(id) })
}

func (n *notificationClient) DeviceRemoved(id string) {
	n.dir.dispatcher.Dispatch(func() { n.dir.removeDevice(id) })
}

func (n *notificationClient) DeviceStateChanged(id string, state DeviceState) {
	n.dir.dispatcher.Dispatch(func() {
		switch state {
		case StateActive:
			n.dir.addDevice(id)
		case StateDisabled, StateNotPresent, StateUnplugged:
			n.dir.removeDevice(id)
		default:
			n.dir.logger.Warnw("Unknown device state, ignoring", "device", id, "state", state)
		}
	})
}

func (n *notificationClient) DefaultDeviceChanged(flow DataFlow, role Role, id string) {
	if flow != FlowRender {
		return
	}

	n.dir.dispatcher.Dispatch(func() {
		n.dir.logger.Debugw("Default device changed notification", "role", role, "device", id)
		n.dir.resolveDefaults()
	})
}

func (n *notificationClient) PropertyValueChanged(id string, key PropertyKey) {
	n.dir.dispatcher.Dispatch(func() { n.dir.updateProperty(id, key) })
}
