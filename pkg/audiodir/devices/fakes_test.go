package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/audiodir/internal/assert"
)

var errActivation = errors.New("activation failed")

type fakeSession string

func (s fakeSession) Key() string { return string(s) }

type fakeRecord struct {
	id    string
	flow  DataFlow
	name  string
	epoch int

	mu        sync.Mutex
	released  bool
	onSession func(Session)
	watchErr  error
}

func (r *fakeRecord) ID() string           { return r.id }
func (r *fakeRecord) DataFlow() DataFlow   { return r.flow }
func (r *fakeRecord) FriendlyName() string { return r.name }

func (r *fakeRecord) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

func (r *fakeRecord) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *fakeRecord) WatchSessions(onCreated func(Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchErr != nil {
		return r.watchErr
	}
	r.onSession = onCreated
	return nil
}

// createSession simulates the OS reporting a session from its own thread
func (r *fakeRecord) createSession(key string) {
	r.mu.Lock()
	cb := r.onSession
	r.mu.Unlock()
	if cb != nil {
		go cb(fakeSession(key))
	}
}

type fakeEndpoint struct {
	flow   DataFlow
	name   string
	err    error
	panics bool
}

// fakeProvider models the OS endpoint store. Tests mutate it and then
// deliver the matching notification through sink().
type fakeProvider struct {
	mu sync.Mutex

	endpoints map[string]*fakeEndpoint
	active    []string
	defaults  map[Role]string

	enumerateErr   error
	subscribeErr   error
	unsubscribeErr error
	defaultErr     error
	sink           NotificationSink
	calls          []string
	unsubscribed   bool
	getCalls       map[string]int
	records        map[string][]*fakeRecord
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		endpoints: map[string]*fakeEndpoint{},
		defaults:  map[Role]string{},
		getCalls:  map[string]int{},
		records:   map[string][]*fakeRecord{},
	}
}

func (p *fakeProvider) addEndpoint(id string, flow DataFlow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[id] = &fakeEndpoint{flow: flow, name: "Speakers " + id}
	p.active = append(p.active, id)
}

func (p *fakeProvider) failEndpoint(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[id] = &fakeEndpoint{err: err}
}

func (p *fakeProvider) panicEndpoint(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints[id] = &fakeEndpoint{panics: true}
}

func (p *fakeProvider) removeEndpoint(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.endpoints, id)
	for i, a := range p.active {
		if a == id {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}
}

func (p *fakeProvider) setDefault(role Role, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults[role] = id
}

func (p *fakeProvider) latestRecord(id string) *fakeRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs := p.records[id]
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1]
}

func (p *fakeProvider) getEndpointCalls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCalls[id]
}

func (p *fakeProvider) notifications() NotificationSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *fakeProvider) EnumerateActiveRenderEndpoints() ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "enumerate")
	if p.enumerateErr != nil {
		return nil, p.enumerateErr
	}
	return append([]string(nil), p.active...), nil
}

func (p *fakeProvider) GetEndpoint(id string) (DeviceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls[id]++

	ep, ok := p.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	if ep.panics {
		panic("endpoint " + id + " blew up")
	}
	if ep.err != nil {
		return nil, ep.err
	}

	rec := &fakeRecord{id: id, flow: ep.flow, name: ep.name, epoch: len(p.records[id])}
	p.records[id] = append(p.records[id], rec)
	return rec, nil
}

func (p *fakeProvider) GetDefaultEndpoint(role Role) (DeviceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "default:"+role.String())

	if p.defaultErr != nil {
		return nil, p.defaultErr
	}
	id := p.defaults[role]
	if id == "" {
		return nil, ErrNotFound
	}
	return &fakeRecord{id: id, flow: FlowRender}, nil
}

func (p *fakeProvider) Subscribe(sink NotificationSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "subscribe")
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.sink = sink
	return nil
}

func (p *fakeProvider) Unsubscribe() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsubscribed = true
	p.sink = nil
	return p.unsubscribeErr
}

type policyCall struct {
	id   string
	role Role
}

type fakePolicy struct {
	mu       sync.Mutex
	calls    []policyCall
	err      error
	released bool
}

func (p *fakePolicy) SetDefaultEndpoint(id string, role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, policyCall{id, role})
	return p.err
}

func (p *fakePolicy) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

func (p *fakePolicy) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type harness struct {
	t          *testing.T
	dispatcher *Dispatcher
	provider   *fakeProvider
	policy     *fakePolicy
	dir        *DeviceDirectory
	events     chan Event
}

func newHarness(t *testing.T, setup func(p *fakeProvider)) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t).Sugar()

	h := &harness{
		t:          t,
		dispatcher: NewDispatcher(logger),
		provider:   newFakeProvider(),
		policy:     &fakePolicy{},
	}
	if setup != nil {
		setup(h.provider)
	}

	assert.NilErr(t, h.dispatcher.Start())
	t.Cleanup(func() { _ = h.dispatcher.Stop() })

	bus := NewBus(logger)
	h.events = bus.Subscribe(100)

	var err error
	h.do(func() {
		h.dir, err = NewDeviceDirectory(DirectoryConfig{
			Logger:     logger,
			Dispatcher: h.dispatcher,
			Provider:   h.provider,
			Policy:     NewPolicyClient(func() (PolicyConfig, error) { return h.policy, nil }),
			Bus:        bus,
		})
	})
	assert.NilErr(t, err)

	return h
}

// do runs fn on the owner goroutine after everything dispatched before it
func (h *harness) do(fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilErr(h.t, h.dispatcher.Invoke(ctx, fn))
}

func (h *harness) sync() {
	h.t.Helper()
	h.do(func() {})
}

func (h *harness) sink() NotificationSink {
	return h.provider.notifications()
}

func (h *harness) deviceIDs() []string {
	h.t.Helper()
	var ids []string
	h.do(func() {
		for _, d := range h.dir.Devices() {
			ids = append(ids, d.ID())
		}
	})
	return ids
}

func (h *harness) defaults() (playback, comms string) {
	h.t.Helper()
	h.do(func() {
		playback = deviceID(h.dir.DefaultPlaybackDevice())
		comms = deviceID(h.dir.DefaultCommunicationsDevice())
	})
	return playback, comms
}

// drainEvents returns every event published so far
func (h *harness) drainEvents() []Event {
	h.t.Helper()
	h.sync()
	var events []Event
	for {
		select {
		case e := <-h.events:
			events = append(events, e)
		default:
			return events
		}
	}
}

// defaultChanges returns the ids carried by DefaultPlaybackChanged events published so far
func (h *harness) defaultChanges() []string {
	h.t.Helper()
	changes := []string{}
	for _, e := range h.drainEvents() {
		if c, ok := e.(DefaultPlaybackChanged); ok {
			changes = append(changes, deviceID(c.Device))
		}
	}
	return changes
}
