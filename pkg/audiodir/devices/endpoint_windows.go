package devices

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/diegosz/go-wca/pkg/wca"
	"github.com/go-ole/go-ole"
	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

const (
	// HRESULT_FROM_WIN32(ERROR_NOT_FOUND), returned when a role has no default endpoint
	eNotFound = 0x80070490

	// AUDCLNT_S_NO_CURRENT_PROCESS, in decimal, as it shows up in error strings
	audclntNoCurrentProcess = "143196173"

	systemSessionKey = "system"

	// EDataFlow values
	eRender  = 0
	eCapture = 1
)

type wcaEndpointProvider struct {
	logger *zap.SugaredLogger

	mmDeviceEnumerator   *wca.IMMDeviceEnumerator
	mmNotificationClient *wca.IMMNotificationClient
}

type wcaRecord struct {
	logger *zap.SugaredLogger

	mmDevice *wca.IMMDevice
	id       string
	flow     DataFlow
	name     string

	mu                  sync.Mutex
	sessionManager      *wca.IAudioSessionManager2
	sessionNotification *wca.IAudioSessionNotification
}

type wcaSession struct {
	pid uint32
	key string
}

func (s *wcaSession) Key() string {
	return s.key
}

// NewEndpointProvider creates a Core Audio backed provider. Call it on the
// dispatcher's goroutine so COM is initialized on the owner thread.
func NewEndpointProvider(logger *zap.SugaredLogger, _ ProviderOptions) (EndpointProvider, error) {
	p := &wcaEndpointProvider{
		logger: logger.Named("endpoints"),
	}

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// E_FALSE means that the call was redundant.
		const eFalse = 1
		oleError := &ole.OleError{}

		if errors.As(err, &oleError) && oleError.Code() == eFalse {
			p.logger.Warn("CoInitializeEx failed with E_FALSE due to redundant invocation")
		} else {
			p.logger.Warnw("Failed to call CoInitializeEx", "error", err)
			return nil, fmt.Errorf("call CoInitializeEx: %w", err)
		}
	}

	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&p.mmDeviceEnumerator,
	); err != nil {
		p.logger.Warnw("Failed to call CoCreateInstance", "error", err)
		return nil, fmt.Errorf("call CoCreateInstance: %w", err)
	}

	p.logger.Debug("Created WCA endpoint provider instance")
	return p, nil
}

func (p *wcaEndpointProvider) EnumerateActiveRenderEndpoints() ([]string, error) {
	var deviceCollection *wca.IMMDeviceCollection

	if err := p.mmDeviceEnumerator.EnumAudioEndpoints(wca.ERender, wca.DEVICE_STATE_ACTIVE, &deviceCollection); err != nil {
		p.logger.Warnw("Failed to enumerate active audio endpoints", "error", err)
		return nil, fmt.Errorf("enumerate active audio endpoints: %w", err)
	}
	defer deviceCollection.Release()

	var deviceCount uint32

	if err := deviceCollection.GetCount(&deviceCount); err != nil {
		p.logger.Warnw("Failed to get device count from device collection", "error", err)
		return nil, fmt.Errorf("get device count from device collection: %w", err)
	}

	ids := make([]string, 0, deviceCount)

	for deviceIdx := uint32(0); deviceIdx < deviceCount; deviceIdx++ {
		var endpoint *wca.IMMDevice

		if err := deviceCollection.Item(deviceIdx, &endpoint); err != nil {
			// the device may have gone away since the collection was built
			p.logger.Warnw("Failed to get device from device collection",
				"deviceIdx", deviceIdx,
				"error", err)
			continue
		}

		var endpointID string
		err := endpoint.GetId(&endpointID)
		endpoint.Release()
		if err != nil {
			p.logger.Warnw("Failed to get endpointID of device", "deviceIdx", deviceIdx, "error", err)
			continue
		}

		ids = append(ids, endpointID)
	}

	return ids, nil
}

func (p *wcaEndpointProvider) GetEndpoint(id string) (DeviceRecord, error) {
	var endpoint *wca.IMMDevice

	if err := p.mmDeviceEnumerator.GetDevice(id, &endpoint); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get device %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}

	record, err := p.newRecord(endpoint)
	if err != nil {
		endpoint.Release()
		return nil, err
	}

	return record, nil
}

func (p *wcaEndpointProvider) GetDefaultEndpoint(role Role) (DeviceRecord, error) {
	var endpoint *wca.IMMDevice
	var err error

	switch role {
	case RoleCommunications:
		err = p.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.ECommunications, &endpoint)
	default:
		err = p.mmDeviceEnumerator.GetDefaultAudioEndpoint(wca.ERender, wca.EMultimedia, &endpoint)
	}

	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		p.logger.Warnw("Failed to call GetDefaultAudioEndpoint", "role", role, "error", err)
		return nil, fmt.Errorf("call GetDefaultAudioEndpoint (%s): %w", role, err)
	}

	record, err := p.newRecord(endpoint)
	if err != nil {
		endpoint.Release()
		return nil, err
	}

	return record, nil
}

func (p *wcaEndpointProvider) Subscribe(sink NotificationSink) error {
	// the callbacks run on an OS thread pool; returning an error from them
	// would stop further notifications, so they always return nil
	callback := wca.IMMNotificationClientCallback{
		OnDeviceAdded: func(pwstrDeviceId string) error {
			sink.DeviceAdded(pwstrDeviceId)
			return nil
		},
		OnDeviceRemoved: func(pwstrDeviceId string) error {
			sink.DeviceRemoved(pwstrDeviceId)
			return nil
		},
		OnDeviceStateChanged: func(pwstrDeviceId string, dwNewState uint32) error {
			sink.DeviceStateChanged(pwstrDeviceId, wcaDeviceState(dwNewState))
			return nil
		},
		OnDefaultDeviceChanged: func(flow wca.EDataFlow, role wca.ERole, pwstrDeviceId string) error {
			sink.DefaultDeviceChanged(wcaDataFlow(uint32(flow)), wcaRole(uint32(role)), pwstrDeviceId)
			return nil
		},
	}

	p.mmNotificationClient = wca.NewIMMNotificationClient(callback)

	if err := p.mmDeviceEnumerator.RegisterEndpointNotificationCallback(p.mmNotificationClient); err != nil {
		p.logger.Warnw("Failed to call RegisterEndpointNotificationCallback", "error", err)
		p.mmNotificationClient = nil
		return fmt.Errorf("call RegisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

func (p *wcaEndpointProvider) Unsubscribe() error {
	if p.mmNotificationClient == nil {
		return nil
	}

	err := p.mmDeviceEnumerator.UnregisterEndpointNotificationCallback(p.mmNotificationClient)
	p.mmNotificationClient = nil
	if err != nil {
		return fmt.Errorf("call UnregisterEndpointNotificationCallback: %w", err)
	}

	return nil
}

// Release frees the enumerator and uninitializes COM
func (p *wcaEndpointProvider) Release() error {
	_ = p.Unsubscribe()

	if p.mmDeviceEnumerator != nil {
		p.mmDeviceEnumerator.Release()
	}

	ole.CoUninitialize()

	p.logger.Debug("Released WCA endpoint provider instance")
	return nil
}

func (p *wcaEndpointProvider) newRecord(endpoint *wca.IMMDevice) (*wcaRecord, error) {
	var endpointID string
	if err := endpoint.GetId(&endpointID); err != nil {
		return nil, fmt.Errorf("get endpointID: %w", err)
	}

	// get its IMMEndpoint instance to figure out if it's an output device
	dispatch, err := endpoint.QueryInterface(wca.IID_IMMEndpoint)
	if err != nil {
		p.logger.Warnw("Failed to query IMMEndpoint for device", "device", endpointID, "error", err)
		return nil, fmt.Errorf("query device %s IMMEndpoint: %w", endpointID, err)
	}

	// receive a useful object instead of our dispatch
	endpointType := (*wca.IMMEndpoint)(dispatch) //unsafe.Pointer
	defer endpointType.Release()

	var dataFlow uint32
	if err := endpointType.GetDataFlow(&dataFlow); err != nil {
		p.logger.Warnw("Failed to get data flow for endpoint", "device", endpointID, "error", err)
		return nil, fmt.Errorf("get device %s data flow: %w", endpointID, err)
	}

	friendlyName, err := p.getFriendlyName(endpoint)
	if err != nil {
		return nil, err
	}

	return &wcaRecord{
		logger:   p.logger.Named("sessions"),
		mmDevice: endpoint,
		id:       endpointID,
		flow:     wcaDataFlow(dataFlow),
		name:     friendlyName,
	}, nil
}

func (p *wcaEndpointProvider) getFriendlyName(endpoint *wca.IMMDevice) (string, error) {
	var propertyStore *wca.IPropertyStore

	if err := endpoint.OpenPropertyStore(wca.STGM_READ, &propertyStore); err != nil {
		p.logger.Warnw("Failed to open property store for endpoint", "error", err)
		return "", fmt.Errorf("open endpoint property store: %w", err)
	}
	defer propertyStore.Release()

	value := &wca.PROPVARIANT{}

	if err := propertyStore.GetValue(&wca.PKEY_Device_FriendlyName, value); err != nil {
		p.logger.Warnw("Failed to get friendly name for device", "error", err)
		return "", fmt.Errorf("get device friendly name: %w", err)
	}

	// i.e. "Headphones (Realtek Audio)"
	return value.String(), nil
}

func (r *wcaRecord) ID() string           { return r.id }
func (r *wcaRecord) DataFlow() DataFlow   { return r.flow }
func (r *wcaRecord) FriendlyName() string { return r.name }

func (r *wcaRecord) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionManager != nil {
		if r.sessionNotification != nil {
			_ = r.sessionManager.UnregisterSessionNotification(r.sessionNotification)
		}
		r.sessionManager.Release()
		r.sessionManager = nil
		r.sessionNotification = nil
	}

	if r.mmDevice != nil {
		r.mmDevice.Release()
		r.mmDevice = nil
	}
}

// WatchSessions reports every audio session created on this endpoint
func (r *wcaRecord) WatchSessions(onCreated func(Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessionManager != nil {
		return nil
	}

	var audioSessionManager2 *wca.IAudioSessionManager2

	if err := r.mmDevice.Activate(
		wca.IID_IAudioSessionManager2,
		wca.CLSCTX_ALL,
		nil,
		&audioSessionManager2,
	); err != nil {
		r.logger.Warnw("Failed to activate endpoint as IAudioSessionManager2", "device", r.id, "error", err)
		return fmt.Errorf("activate endpoint: %w", err)
	}

	callback := wca.IAudioSessionNotificationCallback{
		OnSessionCreated: func(pNewSession *wca.IAudioSessionControl) error {
			session, err := r.describeSession(pNewSession)
			if err != nil {
				r.logger.Warnw("Failed to process new session from OnSessionCreated", "device", r.id, "error", err)
				// don't return the error, otherwise the callback will fail, and we won't get any more notifications
				return nil
			}

			onCreated(session)
			return nil
		},
	}
	asn := wca.NewIAudioSessionNotification(callback)
	if err := audioSessionManager2.RegisterSessionNotification(asn); err != nil {
		audioSessionManager2.Release()
		return fmt.Errorf("register session notification: %w", err)
	}

	// keep references so they don't get GC'd
	r.sessionManager = audioSessionManager2
	r.sessionNotification = asn

	return nil
}

func (r *wcaRecord) describeSession(audioSessionControl *wca.IAudioSessionControl) (*wcaSession, error) {
	dispatch, err := audioSessionControl.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		return nil, fmt.Errorf("query session's IAudioSessionControl2: %w", err)
	}

	audioSessionControl2 := (*wca.IAudioSessionControl2)(unsafe.Pointer(dispatch))
	defer audioSessionControl2.Release()

	var pid uint32
	if err := audioSessionControl2.GetProcessId(&pid); err != nil {
		// the system sounds session (and UWP apps) fail with AUDCLNT_S_NO_CURRENT_PROCESS
		isSystemSoundsErr := audioSessionControl2.IsSystemSoundsSession()
		if isSystemSoundsErr != nil && !strings.Contains(err.Error(), audclntNoCurrentProcess) {
			return nil, fmt.Errorf("query session's pid: %w", err)
		}
	}

	if pid == 0 {
		return &wcaSession{key: systemSessionKey}, nil
	}

	process, err := ps.FindProcess(int(pid))
	if err != nil || process == nil {
		// the process may have exited already; keep the session addressable by pid
		return &wcaSession{pid: pid, key: fmt.Sprintf("pid.%d", pid)}, nil
	}

	return &wcaSession{pid: pid, key: strings.ToLower(process.Executable())}, nil
}

func isNotFound(err error) bool {
	oleError := &ole.OleError{}
	return errors.As(err, &oleError) && oleError.Code() == eNotFound
}

func wcaDataFlow(flow uint32) DataFlow {
	switch flow {
	case eRender:
		return FlowRender
	case eCapture:
		return FlowCapture
	}
	return FlowAll
}

func wcaRole(role uint32) Role {
	if role == eCommunications {
		return RoleCommunications
	}
	// eConsole and eMultimedia are both the general purpose default
	return RoleMultimedia
}

func wcaDeviceState(state uint32) DeviceState {
	switch state {
	case wca.DEVICE_STATE_ACTIVE:
		return StateActive
	case wca.DEVICE_STATE_DISABLED:
		return StateDisabled
	case wca.DEVICE_STATE_NOTPRESENT:
		return StateNotPresent
	case wca.DEVICE_STATE_UNPLUGGED:
		return StateUnplugged
	}
	return StateUnknown
}
