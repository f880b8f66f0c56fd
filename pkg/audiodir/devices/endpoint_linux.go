package devices

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const (
	paPropDescription = "device.description"
	paPropProcess     = "application.process.binary"
)

// paRequester is the request half of a pulse client
type paRequester interface {
	Request(req proto.RequestArgs, rpl proto.Reply) error
}

type paEndpointProvider struct {
	logger *zap.SugaredLogger

	client paRequester
	conn   io.Closer

	// replies are read by the client's read loop, so events are handled off it
	worker *Dispatcher

	mu          sync.Mutex
	sink        NotificationSink
	sinks       map[uint32]paSinkState
	sessionSubs map[string]paSessionSub
}

// paSinkState is what a sink change has to touch before the directory re-reads the sink
type paSinkState struct {
	name        string
	description string
	activePort  string
	ports       string
}

func newSinkState(info *proto.GetSinkInfoReply) paSinkState {
	ports := make([]string, 0, len(info.Ports))
	for _, port := range info.Ports {
		ports = append(ports, port.Name+"="+strconv.Itoa(int(port.Available)))
	}

	return paSinkState{
		name:        info.SinkName,
		description: propString(info.Properties, paPropDescription),
		activePort:  info.ActivePortName,
		ports:       strings.Join(ports, ","),
	}
}

type paSessionSub struct {
	owner     *paRecord
	onCreated func(Session)
}

type paRecord struct {
	provider *paEndpointProvider
	name     string
	desc     string
	flow     DataFlow
}

func (r *paRecord) ID() string           { return r.name }
func (r *paRecord) DataFlow() DataFlow   { return r.flow }
func (r *paRecord) FriendlyName() string { return r.desc }

// Release drops the session watcher, unless a newer record for the same sink took it over
func (r *paRecord) Release() {
	r.provider.mu.Lock()
	defer r.provider.mu.Unlock()

	if sub, ok := r.provider.sessionSubs[r.name]; ok && sub.owner == r {
		delete(r.provider.sessionSubs, r.name)
	}
}

func (r *paRecord) WatchSessions(onCreated func(Session)) error {
	r.provider.mu.Lock()
	defer r.provider.mu.Unlock()
	r.provider.sessionSubs[r.name] = paSessionSub{owner: r, onCreated: onCreated}
	return nil
}

type paSession struct {
	index  uint32
	binary string
}

func (s *paSession) Key() string {
	if s.binary != "" {
		return s.binary
	}
	return strconv.Itoa(int(s.index))
}

// NewEndpointProvider connects to PulseAudio and exposes its sinks as render endpoints
func NewEndpointProvider(logger *zap.SugaredLogger, opts ProviderOptions) (EndpointProvider, error) {
	logger = logger.Named("endpoints")

	client, conn, err := connectPulse(opts.PulseServer)
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, err
	}

	p, err := newPAEndpointProvider(logger, client, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	client.Callback = p.onMessage

	logger.Debug("Created PA endpoint provider instance")
	return p, nil
}

func newPAEndpointProvider(logger *zap.SugaredLogger, client paRequester, conn io.Closer) (*paEndpointProvider, error) {
	p := &paEndpointProvider{
		logger:      logger,
		client:      client,
		conn:        conn,
		worker:      NewDispatcher(logger),
		sinks:       map[uint32]paSinkState{},
		sessionSubs: map[string]paSessionSub{},
	}

	if err := p.worker.Start(); err != nil {
		return nil, fmt.Errorf("start PulseAudio event worker: %w", err)
	}

	return p, nil
}

func connectPulse(server string) (*proto.Client, io.Closer, error) {
	client, conn, err := proto.Connect(server)
	if err != nil {
		return nil, nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("audiodir"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	return client, conn, nil
}

// onMessage runs on the client's read loop and must never wait
func (p *paEndpointProvider) onMessage(msg interface{}) {
	switch msg := msg.(type) {
	case *proto.SubscribeEvent:
		event := *msg
		p.worker.Dispatch(func() { p.handleEvent(event) })
	case *proto.ConnectionClosed:
		p.logger.Warn("PulseAudio connection closed")
	}
}

func (p *paEndpointProvider) EnumerateActiveRenderEndpoints() ([]string, error) {
	request := proto.GetSinkInfoList{}
	reply := proto.GetSinkInfoListReply{}

	if err := p.client.Request(&request, &reply); err != nil {
		p.logger.Warnw("Failed to get sink list", "error", err)
		return nil, fmt.Errorf("get sink list: %w", err)
	}

	ids := make([]string, 0, len(reply))

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, info := range reply {
		p.sinks[info.SinkIndex] = newSinkState(info)
		ids = append(ids, info.SinkName)
	}

	return ids, nil
}

func (p *paEndpointProvider) GetEndpoint(id string) (DeviceRecord, error) {
	sinkReply := proto.GetSinkInfoReply{}
	err := p.client.Request(&proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: id}, &sinkReply)
	if err == nil {
		p.mu.Lock()
		// change events compare against what they last saw, so only fill gaps here
		if _, ok := p.sinks[sinkReply.SinkIndex]; !ok {
			p.sinks[sinkReply.SinkIndex] = newSinkState(&sinkReply)
		}
		p.mu.Unlock()

		return &paRecord{
			provider: p,
			name:     sinkReply.SinkName,
			desc:     propString(sinkReply.Properties, paPropDescription),
			flow:     FlowRender,
		}, nil
	}

	// not a sink, maybe a source: report it so the caller can reject it
	sourceReply := proto.GetSourceInfoReply{}
	if srcErr := p.client.Request(&proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: id}, &sourceReply); srcErr == nil {
		return &paRecord{
			provider: p,
			name:     sourceReply.SourceName,
			desc:     propString(sourceReply.Properties, paPropDescription),
			flow:     FlowCapture,
		}, nil
	}

	return nil, fmt.Errorf("get sink %s: %w", id, ErrNotFound)
}

func (p *paEndpointProvider) GetDefaultEndpoint(role Role) (DeviceRecord, error) {
	// pulse has a single default sink, it serves both roles
	reply := proto.GetServerInfoReply{}
	if err := p.client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		p.logger.Warnw("Failed to get server info", "error", err)
		return nil, fmt.Errorf("get server info: %w", err)
	}

	if reply.DefaultSinkName == "" {
		return nil, ErrNotFound
	}

	return p.GetEndpoint(reply.DefaultSinkName)
}

func (p *paEndpointProvider) Subscribe(sink NotificationSink) error {
	p.mu.Lock()
	p.sink = sink
	p.mu.Unlock()

	mask := proto.SubscriptionMaskSink | proto.SubscriptionMaskSinkInput | proto.SubscriptionMaskServer
	if err := p.client.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		p.logger.Warnw("Failed to subscribe to PulseAudio events", "error", err)
		return fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	return nil
}

func (p *paEndpointProvider) Unsubscribe() error {
	p.mu.Lock()
	p.sink = nil
	p.mu.Unlock()

	if err := p.client.Request(&proto.Subscribe{Mask: 0}, nil); err != nil {
		p.logger.Warnw("Failed to unsubscribe from PulseAudio events", "error", err)
		return fmt.Errorf("unsubscribe from PulseAudio events: %w", err)
	}

	return nil
}

// Release closes the PulseAudio connection and stops the event worker
func (p *paEndpointProvider) Release() error {
	// closing first fails any request the worker is blocked on
	err := p.conn.Close()
	_ = p.worker.Stop()

	if err != nil {
		p.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	p.logger.Debug("Released PA endpoint provider instance")
	return nil
}

func (p *paEndpointProvider) currentSink() NotificationSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *paEndpointProvider) handleEvent(event proto.SubscribeEvent) {
	sink := p.currentSink()
	if sink == nil {
		return
	}

	switch event.Event.GetFacility() {
	case proto.EventSinkSinkInput:
		if event.Event.GetType() == proto.EventNew {
			p.sinkInputCreated(event.Index)
		}
	case proto.EventSink:
		p.sinkEvent(sink, event)
	case proto.EventServer:
		p.serverChanged(sink)
	}
}

func (p *paEndpointProvider) sinkEvent(sink NotificationSink, event proto.SubscribeEvent) {
	switch event.Event.GetType() {
	case proto.EventNew:
		reply := proto.GetSinkInfoReply{}
		if err := p.client.Request(&proto.GetSinkInfo{SinkIndex: event.Index}, &reply); err != nil {
			p.logger.Warnw("Failed to get info for new sink", "sinkIndex", event.Index, "error", err)
			return
		}

		p.mu.Lock()
		p.sinks[event.Index] = newSinkState(&reply)
		p.mu.Unlock()

		sink.DeviceAdded(reply.SinkName)

	case proto.EventRemove:
		p.mu.Lock()
		state, ok := p.sinks[event.Index]
		delete(p.sinks, event.Index)
		p.mu.Unlock()

		if !ok {
			p.logger.Debugw("Removed sink was never seen", "sinkIndex", event.Index)
			return
		}

		sink.DeviceRemoved(state.name)

	case proto.EventChange:
		p.sinkChanged(sink, event.Index)
	}
}

// sinkChanged forwards a change only when it touches what a record exposes;
// volume and mute changes arrive here too.
func (p *paEndpointProvider) sinkChanged(sink NotificationSink, index uint32) {
	reply := proto.GetSinkInfoReply{}
	if err := p.client.Request(&proto.GetSinkInfo{SinkIndex: index}, &reply); err != nil {
		p.logger.Warnw("Failed to get info for changed sink", "sinkIndex", index, "error", err)
		return
	}

	next := newSinkState(&reply)

	p.mu.Lock()
	prev, known := p.sinks[index]
	p.sinks[index] = next
	p.mu.Unlock()

	if !known || prev == next {
		return
	}

	p.logger.Debugw("Sink interface changed", "sink", next.name, "activePort", next.activePort)
	sink.PropertyValueChanged(next.name, PropertyKeyEndpointInterface)
}

func (p *paEndpointProvider) serverChanged(sink NotificationSink) {
	reply := proto.GetServerInfoReply{}
	if err := p.client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		p.logger.Warnw("Failed to get server info", "error", err)
		return
	}

	sink.DefaultDeviceChanged(FlowRender, RoleMultimedia, reply.DefaultSinkName)
	sink.DefaultDeviceChanged(FlowRender, RoleCommunications, reply.DefaultSinkName)
}

func (p *paEndpointProvider) sinkInputCreated(index uint32) {
	info := proto.GetSinkInputInfoReply{}
	if err := p.client.Request(&proto.GetSinkInputInfo{SinkInputIndex: index}, &info); err != nil {
		p.logger.Warnw("Failed to get sink input info", "sinkInputIndex", index, "error", err)
		return
	}

	p.mu.Lock()
	sub, ok := p.sessionSubs[p.sinks[info.SinkIndex].name]
	p.mu.Unlock()

	if !ok {
		return
	}

	sub.onCreated(&paSession{index: index, binary: propString(info.Properties, paPropProcess)})
}

func propString(props proto.PropList, key string) string {
	value, ok := props[key]
	if !ok {
		return ""
	}
	return value.String()
}
