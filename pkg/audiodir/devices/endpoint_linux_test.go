package devices

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/audiodir/internal/assert"
)

var errNoEntity = errors.New("no such entity")

// fakePulse answers pulse requests from memory. When gate is set, sink
// lookups wait for it the way a real request waits on the read loop.
type fakePulse struct {
	mu          sync.Mutex
	sinks       []*proto.GetSinkInfoReply
	defaultSink string
	inputs      map[uint32]*proto.GetSinkInputInfoReply

	gate      chan struct{}
	closeOnce sync.Once
}

func newFakePulse(sinks ...*proto.GetSinkInfoReply) *fakePulse {
	return &fakePulse{sinks: sinks, inputs: map[uint32]*proto.GetSinkInputInfoReply{}}
}

func paSink(index uint32, name, desc string) *proto.GetSinkInfoReply {
	return &proto.GetSinkInfoReply{
		SinkIndex:  index,
		SinkName:   name,
		Properties: proto.PropList{paPropDescription: proto.PropListString(desc)},
	}
}

func (f *fakePulse) addSink(sink *proto.GetSinkInfoReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink)
}

func (f *fakePulse) updateSink(index uint32, update func(*proto.GetSinkInfoReply)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sink := range f.sinks {
		if sink.SinkIndex == index {
			update(sink)
		}
	}
}

func (f *fakePulse) open() {
	if f.gate != nil {
		f.closeOnce.Do(func() { close(f.gate) })
	}
}

func (f *fakePulse) Close() error {
	f.open()
	return nil
}

func (f *fakePulse) Request(req proto.RequestArgs, rpl proto.Reply) error {
	if _, ok := req.(*proto.GetSinkInfo); ok && f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req := req.(type) {
	case *proto.GetSinkInfoList:
		reply := rpl.(*proto.GetSinkInfoListReply)
		for _, sink := range f.sinks {
			info := *sink
			*reply = append(*reply, &info)
		}
	case *proto.GetSinkInfo:
		for _, sink := range f.sinks {
			if (req.SinkName != "" && sink.SinkName == req.SinkName) ||
				(req.SinkName == "" && sink.SinkIndex == req.SinkIndex) {
				*rpl.(*proto.GetSinkInfoReply) = *sink
				return nil
			}
		}
		return errNoEntity
	case *proto.GetSourceInfo:
		return errNoEntity
	case *proto.GetServerInfo:
		rpl.(*proto.GetServerInfoReply).DefaultSinkName = f.defaultSink
	case *proto.GetSinkInputInfo:
		input, ok := f.inputs[req.SinkInputIndex]
		if !ok {
			return errNoEntity
		}
		*rpl.(*proto.GetSinkInputInfoReply) = *input
	case *proto.Subscribe:
	default:
		return errors.New("unexpected request")
	}

	return nil
}

// recordingSink keeps what the provider forwards, in order
type recordingSink struct {
	mu      sync.Mutex
	added    []string
	changed  []string
	defaults []Role
}

func (s *recordingSink) DeviceAdded(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, id)
}

func (s *recordingSink) DeviceRemoved(string)                   {}
func (s *recordingSink) DeviceStateChanged(string, DeviceState) {}

func (s *recordingSink) DefaultDeviceChanged(_ DataFlow, role Role, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = append(s.defaults, role)
}

func (s *recordingSink) PropertyValueChanged(id string, key PropertyKey) {
	if key != PropertyKeyEndpointInterface {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = append(s.changed, id)
}

func (s *recordingSink) addedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.added)
}

func (s *recordingSink) defaultRoles() []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.defaults)
}

func (s *recordingSink) changedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.changed)
}

// waitForAdded polls until the sink has seen count additions
func (s *recordingSink) waitForAdded(t *testing.T, count int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(s.addedIDs()) < count && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return s.addedIDs()
}

func newTestPAProvider(t *testing.T, pulse *fakePulse) *paEndpointProvider {
	t.Helper()

	p, err := newPAEndpointProvider(zaptest.NewLogger(t).Sugar(), pulse, pulse)
	assert.NilErr(t, err)
	t.Cleanup(func() { _ = p.Release() })

	return p
}

func (p *paEndpointProvider) watchedSinks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for name := range p.sessionSubs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func paSinkEvent(kind proto.SubscriptionEventType, index uint32) *proto.SubscribeEvent {
	return &proto.SubscribeEvent{Event: proto.EventSink | kind, Index: index}
}

func TestPASessionReachesDefaultSink(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	pulse := newFakePulse(paSink(1, "sink1", "Speakers"), paSink(2, "sink2", "Headphones"))
	pulse.defaultSink = "sink1"
	pulse.inputs[7] = &proto.GetSinkInputInfoReply{
		SinkInputIndex: 7,
		SinkIndex:      1,
		Properties:     proto.PropList{paPropProcess: proto.PropListString("firefox")},
	}

	p := newTestPAProvider(t, pulse)

	dispatcher := NewDispatcher(logger)
	assert.NilErr(t, dispatcher.Start())
	t.Cleanup(func() { _ = dispatcher.Stop() })

	bus := NewBus(logger)
	events := bus.Subscribe(100)

	var err error
	assert.NilErr(t, dispatcher.Invoke(context.Background(), func() {
		_, err = NewDeviceDirectory(DirectoryConfig{
			Logger:     logger,
			Dispatcher: dispatcher,
			Provider:   p,
			Policy:     NewPolicyClient(func() (PolicyConfig, error) { return &fakePolicy{}, nil }),
			Bus:        bus,
		})
	}))
	assert.NilErr(t, err)

	// resolving the default reads its own short-lived record of sink1
	assert.DeepEqual(t, p.watchedSinks(), []string{"sink1", "sink2"})

	p.onMessage(&proto.SubscribeEvent{Event: proto.EventSinkSinkInput | proto.EventNew, Index: 7})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			created, ok := event.(SessionCreated)
			if !ok {
				continue
			}
			assert.DeepEqual(t, created.Device.ID(), "sink1")
			assert.DeepEqual(t, created.Session.Key(), "firefox")
			return
		case <-deadline:
			t.Fatal("no session reported for the default sink")
		}
	}
}

func TestPAReleasedRecordKeepsNewerWatcher(t *testing.T) {
	pulse := newFakePulse(paSink(1, "sink1", "Speakers"))
	p := newTestPAProvider(t, pulse)

	old, err := p.GetEndpoint("sink1")
	assert.NilErr(t, err)
	assert.NilErr(t, old.(SessionWatcher).WatchSessions(func(Session) {}))

	next, err := p.GetEndpoint("sink1")
	assert.NilErr(t, err)
	assert.NilErr(t, next.(SessionWatcher).WatchSessions(func(Session) {}))

	old.Release()
	assert.DeepEqual(t, p.watchedSinks(), []string{"sink1"})

	next.Release()
	assert.DeepEqual(t, len(p.watchedSinks()), 0)
}

func TestPAEventsDoNotBlockReadLoop(t *testing.T) {
	const count = 200

	pulse := newFakePulse()
	pulse.gate = make(chan struct{})

	want := make([]string, 0, count)
	for i := uint32(1); i <= count; i++ {
		name := fmt.Sprintf("sink%d", i)
		pulse.addSink(paSink(i, name, name))
		want = append(want, name)
	}

	p := newTestPAProvider(t, pulse)
	sink := &recordingSink{}
	assert.NilErr(t, p.Subscribe(sink))

	// every lookup is stuck until the gate opens, the callback must still return
	assert.DoesNotBlock(t, func() {
		for i := uint32(1); i <= count; i++ {
			p.onMessage(paSinkEvent(proto.EventNew, i))
		}
	})

	pulse.open()

	assert.DeepEqual(t, sink.waitForAdded(t, count), want)
}

func TestPASinkChangesAreFiltered(t *testing.T) {
	speakers := paSink(1, "sink1", "Speakers")
	speakers.ActivePortName = "analog-output-speaker"
	pulse := newFakePulse(speakers)

	p := newTestPAProvider(t, pulse)
	_, err := p.EnumerateActiveRenderEndpoints()
	assert.NilErr(t, err)

	sink := &recordingSink{}
	assert.NilErr(t, p.Subscribe(sink))

	// volume and mute
	pulse.updateSink(1, func(s *proto.GetSinkInfoReply) {
		s.Mute = true
		s.ChannelVolumes = proto.ChannelVolumes{0x8000, 0x8000}
	})
	p.onMessage(paSinkEvent(proto.EventChange, 1))

	// headphones plugged in
	pulse.updateSink(1, func(s *proto.GetSinkInfoReply) {
		s.ActivePortName = "analog-output-headphones"
	})
	p.onMessage(paSinkEvent(proto.EventChange, 1))

	// nothing new since the last change
	p.onMessage(paSinkEvent(proto.EventChange, 1))

	// never seen before, only remembered
	pulse.addSink(paSink(9, "sink9", "HDMI"))
	p.onMessage(paSinkEvent(proto.EventChange, 9))

	pulse.updateSink(9, func(s *proto.GetSinkInfoReply) {
		s.Properties = proto.PropList{paPropDescription: proto.PropListString("HDMI / DisplayPort")}
	})
	p.onMessage(paSinkEvent(proto.EventChange, 9))

	// events are handled in order, so this one lands last
	pulse.addSink(paSink(3, "sink3", "USB"))
	p.onMessage(paSinkEvent(proto.EventNew, 3))
	assert.DeepEqual(t, sink.waitForAdded(t, 1), []string{"sink3"})

	assert.DeepEqual(t, sink.changedIDs(), []string{"sink1", "sink9"})
}

func TestPAFacilitiesAreRouted(t *testing.T) {
	pulse := newFakePulse(paSink(1, "sink1", "Speakers"))
	pulse.defaultSink = "sink1"

	p := newTestPAProvider(t, pulse)
	sink := &recordingSink{}
	assert.NilErr(t, p.Subscribe(sink))

	// sources are not subscribed to, anything from them is ignored
	p.onMessage(&proto.SubscribeEvent{Event: proto.EventSource | proto.EventNew, Index: 4})
	p.onMessage(&proto.SubscribeEvent{Event: proto.EventServer | proto.EventChange})
	p.onMessage(paSinkEvent(proto.EventNew, 1))

	assert.DeepEqual(t, sink.waitForAdded(t, 1), []string{"sink1"})
	assert.DeepEqual(t, sink.defaultRoles(), []Role{RoleMultimedia, RoleCommunications})
}
