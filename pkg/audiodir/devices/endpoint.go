package devices

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by an EndpointProvider when the requested endpoint
// (or the default endpoint for a role) does not exist. It is an expected outcome.
var ErrNotFound = errors.New("endpoint not found")

// DataFlow is the direction of an audio endpoint
type DataFlow int

const (
	FlowRender DataFlow = iota
	FlowCapture
	FlowAll
)

func (f DataFlow) String() string {
	switch f {
	case FlowRender:
		return "render"
	case FlowCapture:
		return "capture"
	case FlowAll:
		return "all"
	}
	return fmt.Sprintf("flow(%d)", int(f))
}

// Role selects which default endpoint is meant
type Role int

const (
	// RoleMultimedia is the general purpose default (games, media, system sounds)
	RoleMultimedia Role = iota
	// RoleCommunications is the default used by voice chat applications
	RoleCommunications
)

func (r Role) String() string {
	switch r {
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a user-facing role name to a Role
func ParseRole(s string) (Role, error) {
	switch s {
	case "multimedia", "console", "":
		return RoleMultimedia, nil
	case "communications", "comms":
		return RoleCommunications, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// DeviceState mirrors the endpoint states an OS reports
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateActive
	StateDisabled
	StateNotPresent
	StateUnplugged
)

func (s DeviceState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	case StateNotPresent:
		return "not_present"
	case StateUnplugged:
		return "unplugged"
	}
	return "unknown"
}

// PropertyKey identifies an endpoint property
type PropertyKey struct {
	FmtID string
	PID   uint32
}

// PropertyKeyEndpointInterface changes when the driver interface backing an
// endpoint is replaced; the device has to re-read its record.
var PropertyKeyEndpointInterface = PropertyKey{FmtID: "{a45c254e-df1c-4efd-8020-67d146a850e0}", PID: 2}

// DeviceRecord is the OS handle for a single endpoint
type DeviceRecord interface {
	ID() string
	DataFlow() DataFlow
	FriendlyName() string

	Release()
}

// Session is an audio session created on some endpoint
type Session interface {
	Key() string
}

// SessionWatcher is implemented by records that can report new audio sessions
type SessionWatcher interface {
	WatchSessions(onCreated func(Session)) error
}

// NotificationSink receives endpoint change notifications. Providers call it
// from arbitrary goroutines.
type NotificationSink interface {
	DeviceAdded(id string)
	DeviceRemoved(id string)
	DeviceStateChanged(id string, state DeviceState)
	DefaultDeviceChanged(flow DataFlow, role Role, id string)
	PropertyValueChanged(id string, key PropertyKey)
}

// EndpointProvider represents an entity that can enumerate and watch audio endpoints
type EndpointProvider interface {
	EnumerateActiveRenderEndpoints() ([]string, error)

	GetEndpoint(id string) (DeviceRecord, error)

	// GetDefaultEndpoint returns ErrNotFound when no default exists for role
	GetDefaultEndpoint(role Role) (DeviceRecord, error)

	Subscribe(sink NotificationSink) error
	Unsubscribe() error
}

// PolicyConfig is the privileged capability that changes OS defaults
type PolicyConfig interface {
	SetDefaultEndpoint(id string, role Role) error
}

// ProviderOptions carries backend specific settings
type ProviderOptions struct {
	// PulseServer is the PulseAudio server address, empty for the default one
	PulseServer string
}
