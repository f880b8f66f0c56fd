package audiodir

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/audiodir/pkg/audiodir/devices"
)

type stubRecord struct {
	id   string
	name string
}

func (r *stubRecord) ID() string                 { return r.id }
func (r *stubRecord) DataFlow() devices.DataFlow { return devices.FlowRender }
func (r *stubRecord) FriendlyName() string       { return r.name }
func (r *stubRecord) Release()                   {}

// stubProvider is an in-memory sound system with a fixed set of endpoints
type stubProvider struct {
	mu       sync.Mutex
	order    []string
	names    map[string]string
	defaults map[devices.Role]string
	sink     devices.NotificationSink
	released bool
}

func newStubProvider() *stubProvider {
	return &stubProvider{names: map[string]string{}, defaults: map[devices.Role]string{}}
}

func (p *stubProvider) add(id, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, id)
	p.names[id] = name
}

func (p *stubProvider) EnumerateActiveRenderEndpoints() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...), nil
}

func (p *stubProvider) GetEndpoint(id string) (devices.DeviceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.names[id]
	if !ok {
		return nil, devices.ErrNotFound
	}
	return &stubRecord{id: id, name: name}, nil
}

func (p *stubProvider) GetDefaultEndpoint(role devices.Role) (devices.DeviceRecord, error) {
	p.mu.Lock()
	id, ok := p.defaults[role]
	p.mu.Unlock()
	if !ok {
		return nil, devices.ErrNotFound
	}
	return p.GetEndpoint(id)
}

func (p *stubProvider) Subscribe(sink devices.NotificationSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
	return nil
}

func (p *stubProvider) Unsubscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = nil
	return nil
}

func (p *stubProvider) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

func (p *stubProvider) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// setDefault changes the default the way the OS would and notifies
func (p *stubProvider) setDefault(role devices.Role, id string) {
	p.mu.Lock()
	p.defaults[role] = id
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink.DefaultDeviceChanged(devices.FlowRender, role, id)
	}
}

type policyCall struct {
	id   string
	role devices.Role
}

type stubPolicy struct {
	mu    sync.Mutex
	calls []policyCall
}

func (p *stubPolicy) SetDefaultEndpoint(id string, role devices.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, policyCall{id: id, role: role})
	return nil
}

func (p *stubPolicy) recorded() []policyCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]policyCall(nil), p.calls...)
}

type notification struct {
	title   string
	message string
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *stubNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{title: title, message: message})
}

func (n *stubNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	titles := make([]string, 0, len(n.sent))
	for _, sent := range n.sent {
		titles = append(titles, sent.title)
	}
	return titles
}

var errProviderUnavailable = errors.New("audio service unavailable")

type testApp struct {
	*AudioDir
	provider *stubProvider
	policy   *stubPolicy
	notifier *stubNotifier
}

// newTestApp builds an AudioDir over stubs, reading config from an empty directory
func newTestApp(t *testing.T, provider *stubProvider) *testApp {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()
	notifier := &stubNotifier{}

	config, err := newConfig(logger, notifier, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	policy := &stubPolicy{}
	app := newAudioDir(logger, notifier, config,
		func(*zap.SugaredLogger, devices.ProviderOptions) (devices.EndpointProvider, error) {
			if provider == nil {
				return nil, errProviderUnavailable
			}
			return provider, nil
		},
		func(*zap.SugaredLogger, devices.ProviderOptions) (devices.PolicyConfig, error) {
			return policy, nil
		},
	)

	return &testApp{AudioDir: app, provider: provider, policy: policy, notifier: notifier}
}
