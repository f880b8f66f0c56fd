package devices

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"go.uber.org/zap"
)

var (
	CLSID_PolicyConfigClient = ole.NewGUID("{870AF99C-171D-4F9E-AF0D-E63DF40C2BC9}")
	IID_IPolicyConfig        = ole.NewGUID("{F8679F50-850A-41CF-9C72-430F290290C8}")
)

// ERole values as understood by IPolicyConfig
const (
	eConsole        = 0
	eMultimedia     = 1
	eCommunications = 2
)

type IPolicyConfig struct {
	ole.IUnknown
}

type IPolicyConfigVtbl struct {
	ole.IUnknownVtbl
	GetMixFormat          uintptr
	GetDeviceFormat       uintptr
	ResetDeviceFormat     uintptr
	SetDeviceFormat       uintptr
	GetProcessingPeriod   uintptr
	SetProcessingPeriod   uintptr
	GetShareMode          uintptr
	SetShareMode          uintptr
	GetPropertyValue      uintptr
	SetPropertyValue      uintptr
	SetDefaultEndpoint    uintptr
	SetEndpointVisibility uintptr
}

func (v *IPolicyConfig) VTable() *IPolicyConfigVtbl {
	return (*IPolicyConfigVtbl)(unsafe.Pointer(v.RawVTable))
}

func (v *IPolicyConfig) SetDefaultEndpoint(deviceID string, role uint32) error {
	id, err := syscall.UTF16PtrFromString(deviceID)
	if err != nil {
		return err
	}

	hr, _, _ := syscall.SyscallN(
		v.VTable().SetDefaultEndpoint,
		uintptr(unsafe.Pointer(v)),
		uintptr(unsafe.Pointer(id)),
		uintptr(role),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

type wcaPolicyConfig struct {
	logger *zap.SugaredLogger
	pc     *IPolicyConfig
}

// NewPolicyConfig creates the undocumented PolicyConfig COM object used by the
// Windows sound panel to switch default endpoints. COM must already be
// initialized on the calling thread.
func NewPolicyConfig(logger *zap.SugaredLogger, _ ProviderOptions) (PolicyConfig, error) {
	unk, err := ole.CreateInstance(CLSID_PolicyConfigClient, IID_IPolicyConfig)
	if err != nil {
		return nil, fmt.Errorf("create PolicyConfig instance: %w", err)
	}

	return &wcaPolicyConfig{
		logger: logger.Named("policy"),
		pc:     (*IPolicyConfig)(unsafe.Pointer(unk)),
	}, nil
}

// SetDefaultEndpoint sets the default for a role. The multimedia role covers
// both eConsole and eMultimedia, matching what the sound panel does.
func (c *wcaPolicyConfig) SetDefaultEndpoint(id string, role Role) error {
	var roles []uint32
	switch role {
	case RoleCommunications:
		roles = []uint32{eCommunications}
	default:
		roles = []uint32{eConsole, eMultimedia}
	}

	for _, r := range roles {
		if err := c.pc.SetDefaultEndpoint(id, r); err != nil {
			c.logger.Warnw("Failed to set default endpoint", "device", id, "erole", r, "error", err)
			return fmt.Errorf("set default endpoint (erole %d): %w", r, err)
		}
	}

	c.logger.Debugw("Set default endpoint", "device", id, "role", role)
	return nil
}

func (c *wcaPolicyConfig) Release() error {
	c.pc.Release()
	return nil
}
