package event

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// Admin commands used by consumers.
const (
	CmdEventSubscriptionChange    = "EventSubscriptionChange"
	CmdZmqEventSubscriptionChange = "ZmqEventSubscriptionChange"
	CmdEventConfirmSubscription   = "EventConfirmSubscription"
	CmdQueryEventChannelIOR       = "QueryEventChannelIOR"
)

// Consumer defaults.
const (
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultKeepAlivePeriod   = 10 * time.Second
	DefaultResubscribePeriod = 600 * time.Second
	defaultInboxSize         = 1024
)

// ConsumerConfig tunes a Consumer. Zero durations select the defaults.
type ConsumerConfig struct {
	TangoHost         string
	AlternateHosts    []string
	HeartbeatTimeout  time.Duration
	KeepAlivePeriod   time.Duration
	ResubscribePeriod time.Duration
	MonitorTimeout    time.Duration
	InboxSize         int
}

func (c *ConsumerConfig) setDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.ResubscribePeriod <= 0 {
		c.ResubscribePeriod = DefaultResubscribePeriod
	}
	if c.MonitorTimeout <= 0 {
		c.MonitorTimeout = DefaultMonitorTimeout
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
}

// SubscribeRequest describes one subscription. Without Callback, events
// are buffered in a queue of QueueSize events read with GetEvents.
type SubscribeRequest struct {
	Device    string
	Object    string
	Event     string
	Filters   []string
	Callback  Callback
	QueueSize int
	// Stateless subscriptions succeed even when the device is down; the
	// keep-alive loop connects them later.
	Stateless bool
}

type pendingSub struct {
	req SubscribeRequest
	sub *SubscribeStruct
	err error
}

// Consumer is the client side of the event system. It owns the channel and
// callback registries, a dispatcher goroutine and a keep-alive goroutine.
type Consumer struct {
	cfg        ConsumerConfig
	aliases    HostAliases
	registry   *Registry
	connector  Connector
	transports map[types.ChannelType]ConsumerTransport

	inbox chan *Message
	purge chan struct{}

	nextID atomic.Int64
	// subMu serialises subscriptions, reconnections and purges.
	subMu sync.Mutex

	mu           sync.Mutex
	pending      map[int64]*pendingSub
	unsubscribed map[int64]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
	logger   zerolog.Logger
}

// NewConsumer creates a consumer using the given transports. ZMQ is tried
// first when both are present.
func NewConsumer(cfg ConsumerConfig, connector Connector, transports ...ConsumerTransport) *Consumer {
	cfg.setDefaults()
	c := &Consumer{
		cfg:          cfg,
		aliases:      NewHostAliases(cfg.TangoHost, cfg.AlternateHosts...),
		registry:     NewRegistry(),
		connector:    connector,
		transports:   make(map[types.ChannelType]ConsumerTransport),
		inbox:        make(chan *Message, cfg.InboxSize),
		purge:        make(chan struct{}, 1),
		pending:      make(map[int64]*pendingSub),
		unsubscribed: make(map[int64]struct{}),
		stopCh:       make(chan struct{}),
		now:          time.Now,
		logger:       log.WithComponent("event-consumer"),
	}
	for _, t := range transports {
		c.transports[t.Type()] = t
	}
	return c
}

// Start launches the dispatcher and keep-alive goroutines.
func (c *Consumer) Start() {
	c.wg.Add(2)
	go c.run()
	go c.keepAlive()
}

// Registry exposes the consumer maps.
func (c *Consumer) Registry() *Registry { return c.registry }

// ChannelCount returns the number of connected channels.
func (c *Consumer) ChannelCount() int { return c.registry.ChannelCount() }

// CallbackCount returns the number of subscribed events.
func (c *Consumer) CallbackCount() int { return c.registry.CallbackCount() }

// SubscribeEvent subscribes to an event and returns the subscription id.
func (c *Consumer) SubscribeEvent(ctx context.Context, req SubscribeRequest) (int64, error) {
	select {
	case <-c.stopCh:
		return 0, types.Throw(types.ReasonShutdownInProgress, "event consumer is shut down", "Consumer.SubscribeEvent")
	default:
	}
	req.Event = strings.ToLower(req.Event)
	req.Object = strings.ToLower(req.Object)
	if req.Device == "" {
		return 0, types.Throw(types.ReasonInvalidArgs, "no device name", "Consumer.SubscribeEvent")
	}
	if !ValidEventName(req.Event) {
		return 0, types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("event %s is not supported", req.Event), "Consumer.SubscribeEvent")
	}
	req.Event = RemoveIDLPrefix(req.Event)

	id := c.nextID.Add(1)
	var q *Queue
	if req.Callback == nil {
		q = NewQueue(req.QueueSize)
	}
	sub := newSubscriber(id, req.Callback, q, req.Device)

	if err := c.connect(ctx, req, sub); err != nil {
		if !req.Stateless {
			return 0, err
		}
		c.mu.Lock()
		c.pending[id] = &pendingSub{req: req, sub: sub, err: err}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("device", req.Device).Str("event", req.Event).
			Msg("Stateless subscription stored until the device is reachable")
	}
	return id, nil
}

// negotiation is the admin answer to a subscription.
type negotiation struct {
	kind   types.ChannelType
	reply  *types.CommandData
	devIDL int
}

func (c *Consumer) negotiate(ctx context.Context, adm DeviceClient, dev, obj, event string, only []types.ChannelType) (*negotiation, error) {
	if len(only) == 0 {
		only = []types.ChannelType{types.Zmq, types.Notifd}
	}
	var lastErr error
	for _, kind := range only {
		if _, ok := c.transports[kind]; !ok {
			continue
		}
		var (
			reply *types.CommandData
			err   error
		)
		switch kind {
		case types.Zmq:
			reply, err = adm.CommandInout(ctx, CmdZmqEventSubscriptionChange,
				types.StringsData(dev, obj, "subscribe", event, strconv.Itoa(ClientRelease)))
		case types.Notifd:
			reply, err = adm.CommandInout(ctx, CmdEventSubscriptionChange,
				types.StringsData(dev, obj, "subscribe", event))
		}
		if err == nil {
			n := &negotiation{kind: kind, reply: reply}
			if kind == types.Zmq && reply != nil && len(reply.L) >= 2 {
				n.devIDL = int(reply.L[1])
			}
			return n, nil
		}
		lastErr = err
		if !types.IsReason(err, types.ReasonCommandNotFound) {
			return nil, err
		}
		c.logger.Debug().Str("transport", kind.String()).Msg("Admin device does not know the transport, falling back")
	}
	if lastErr == nil {
		lastErr = types.Throw(types.ReasonNotSupported, "no event transport configured", "Consumer.negotiate")
	}
	return nil, lastErr
}

// replyEndpoints splits a ZMQ subscription reply into heartbeat and event
// endpoints plus an optional multicast endpoint.
func replyEndpoints(reply *types.CommandData) (hb, ev []string, mcast string) {
	if reply == nil || len(reply.S) < 2 {
		return nil, nil, ""
	}
	mid := reply.S[:len(reply.S)-2]
	if len(mid)%2 == 1 {
		mcast = mid[len(mid)-1]
		mid = mid[:len(mid)-1]
	}
	for i := 0; i+1 < len(mid); i += 2 {
		hb = append(hb, mid[i])
		ev = append(ev, mid[i+1])
	}
	return hb, ev, mcast
}

func (c *Consumer) channelInfo(name string, adm DeviceClient, n *negotiation) ChannelInfo {
	info := ChannelInfo{Name: name, Adm: adm}
	if n.kind == types.Zmq {
		info.HeartbeatEndpoints, info.EventEndpoints, _ = replyEndpoints(n.reply)
		if len(n.reply.L) >= 6 {
			info.SubHWM = int(n.reply.L[2])
			info.ZmqRelease = int(n.reply.L[5])
		}
	}
	return info
}

func eventDomain(dev, obj string) string {
	if obj == "" {
		return strings.ToLower(dev)
	}
	return strings.ToLower(dev + "/" + obj)
}

func (c *Consumer) connect(ctx context.Context, req SubscribeRequest, sub *SubscribeStruct) error {
	dev, err := c.connector.Connect(ctx, req.Device)
	if err != nil {
		return err
	}
	info, err := dev.Info(ctx)
	if err != nil {
		return types.Rethrow(err, types.ReasonCantConnectToDevice,
			fmt.Sprintf("failed to query %s", req.Device), "Consumer.SubscribeEvent")
	}
	trl := dev.TRL()
	deviceName := trl.Prefix() + trl.Device
	deviceKey := trl.String()

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.registry.mu.RLock()
	ch := c.registry.channels[c.registry.deviceChannel[deviceKey]]
	c.registry.mu.RUnlock()

	var adm DeviceClient
	if ch != nil {
		if err := ch.Monitor.With(func() { adm = ch.Adm }); err != nil {
			return err
		}
	} else {
		admName := trl.Prefix() + info.AdmName
		if !trl.DBase {
			admName += "#dbase=no"
		}
		if adm, err = c.connector.Connect(ctx, admName); err != nil {
			return types.Rethrow(err, types.ReasonCantConnectToDevice,
				fmt.Sprintf("failed to connect to admin device of %s", req.Device), "Consumer.SubscribeEvent")
		}
	}

	var only []types.ChannelType
	if ch != nil {
		only = []types.ChannelType{ch.Type}
	}
	n, err := c.negotiate(ctx, adm, dev.Name(), req.Object, req.Event, only)
	if err != nil {
		return err
	}

	wire := req.Event
	if n.kind == types.Zmq && n.devIDL >= 5 && HasCompatName(req.Event) {
		wire = AddIDLPrefix(req.Event)
	}
	key := CallbackKey(deviceName, req.Object, wire)
	var rfa ReceivedFromAdmin
	if n.kind == types.Zmq {
		if rfa, err = ReceivedFromZmq(n.reply, !trl.DBase); err != nil {
			return err
		}
	} else {
		admFull := trl.Prefix() + info.AdmName
		rfa = ReceivedFromNotifd(key, admFull)
	}

	c.registry.mu.Lock()
	if cb, ok := c.registry.callbacks[rfa.EventName]; ok {
		cb.Subscribers = append(cb.Subscribers, sub)
		c.registry.mu.Unlock()
		metrics.Subscriptions.WithLabelValues(req.Event).Inc()
		c.fireSync(ctx, cb, sub)
		return nil
	}
	ch = c.registry.channels[rfa.ChannelName]
	c.registry.mu.Unlock()

	newChannel := ch == nil
	if newChannel {
		tr := c.transports[n.kind]
		chInfo := c.channelInfo(rfa.ChannelName, adm, n)
		handle, err := tr.ConnectChannel(ctx, &chInfo, c)
		if err != nil {
			return types.Rethrow(err, types.ReasonEventChannelNotExported,
				fmt.Sprintf("failed to connect event channel %s", rfa.ChannelName), "Consumer.SubscribeEvent")
		}
		now := c.now()
		ch = &ChannelStruct{
			Name:           rfa.ChannelName,
			Type:           n.kind,
			Monitor:        NewMonitor(rfa.ChannelName, c.cfg.MonitorTimeout),
			State:          Connected,
			LastHeartbeat:  now,
			Adm:            adm,
			Info:           chInfo,
			Handle:         handle,
			LastSubscribed: now,
		}
	}

	domain := eventDomain(dev.Name(), req.Object)
	ev := EventInfo{
		Key:        rfa.EventName,
		Domain:     domain,
		Event:      wire,
		Constraint: BuildConstraint(domain, wire, req.Filters),
	}
	if n.kind == types.Zmq {
		_, endpoints, mcast := replyEndpoints(n.reply)
		switch {
		case mcast != "":
			ev.Endpoint = mcast
		case len(endpoints) > 0:
			ev.Endpoint = endpoints[0]
		}
	}

	var filter *Constraint
	if len(req.Filters) > 0 {
		if filter, err = ParseConstraint(ev.Constraint); err != nil {
			c.dropNewChannel(ch, newChannel)
			return err
		}
	}

	var handle ChannelHandle
	if err := ch.Monitor.With(func() { handle = ch.Handle }); err != nil {
		c.dropNewChannel(ch, newChannel)
		return err
	}
	if err := handle.ConnectEvent(ctx, &ev); err != nil {
		c.dropNewChannel(ch, newChannel)
		return types.Rethrow(err, types.ReasonEventChannelNotExported,
			fmt.Sprintf("failed to connect event %s", rfa.EventName), "Consumer.SubscribeEvent")
	}

	cb := &CallbackStruct{
		Key:         rfa.EventName,
		EventName:   wire,
		BaseEvent:   req.Event,
		ChannelName: rfa.ChannelName,
		DeviceName:  deviceName,
		ObjName:     req.Object,
		Filters:     append([]string(nil), req.Filters...),
		Filter:      filter,
		FilterOK:    true,
		Monitor:     NewMonitor(rfa.EventName, c.cfg.MonitorTimeout),
		Subscribers: []*SubscribeStruct{sub},
		DeviceIDL:   info.IDL,
		Event:       ev,
		Device:      dev,
	}

	c.registry.mu.Lock()
	if newChannel {
		c.registry.channels[ch.Name] = ch
	}
	c.registry.callbacks[cb.Key] = cb
	c.registry.deviceChannel[deviceKey] = ch.Name
	channels, callbacks := len(c.registry.channels), len(c.registry.callbacks)
	c.registry.mu.Unlock()

	metrics.ActiveChannels.Set(float64(channels))
	metrics.ActiveCallbacks.Set(float64(callbacks))
	metrics.Subscriptions.WithLabelValues(req.Event).Inc()
	c.logger.Info().Str("event", cb.Key).Str("channel", ch.Name).Str("transport", ch.Type.String()).
		Msg("Subscribed to event")

	c.fireSync(ctx, cb, sub)
	return nil
}

func (c *Consumer) dropNewChannel(ch *ChannelStruct, isNew bool) {
	if !isNew || ch.Handle == nil {
		return
	}
	if err := ch.Handle.Close(); err != nil {
		c.logger.Debug().Err(err).Str("channel", ch.Name).Msg("Failed to close unused channel")
	}
}

// syncEvents are read once at subscription so that subscribers start with
// the current value.
func syncEvent(event string) bool {
	switch event {
	case ChangeEvent, PeriodicEvent, ArchiveEvent, AlarmEvent, UserEvent:
		return true
	}
	return false
}

func (c *Consumer) fireSync(ctx context.Context, cb *CallbackStruct, sub *SubscribeStruct) {
	if !syncEvent(cb.BaseEvent) || cb.Device == nil {
		return
	}
	ev := &EventData{
		Device:        cb.DeviceName,
		AttrName:      cb.AttrName(),
		Event:         cb.BaseEvent,
		ReceptionDate: c.now(),
	}
	v, err := cb.Device.ReadAttribute(ctx, cb.ObjName)
	if err != nil {
		ev.Err = true
		ev.Errors = types.AsDevFailed(err)
	} else {
		ev.AttrValue = v
	}
	if err := cb.Monitor.With(func() { c.safeDeliver(sub, ev) }); err != nil {
		c.logger.Warn().Err(err).Str("event", cb.Key).Msg("Initial event not delivered")
	}
}

// UnsubscribeEvent cancels a subscription. The subscriber stops receiving
// events immediately; resources are released by the dispatcher.
func (c *Consumer) UnsubscribeEvent(id int64) error {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		delete(c.pending, id)
		p.sub.tombstone()
		c.unsubscribed[id] = struct{}{}
		c.mu.Unlock()
		c.signalPurge()
		return nil
	}
	c.mu.Unlock()

	c.registry.mu.RLock()
	_, sub := c.registry.findSubscriber(id)
	found := sub != nil && sub.tombstone()
	c.registry.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !found {
		if _, done := c.unsubscribed[id]; done {
			return nil
		}
		return types.Throw(types.ReasonEventNotFound,
			fmt.Sprintf("failed to unsubscribe event, the event id %d is not found", id), "Consumer.UnsubscribeEvent")
	}
	c.unsubscribed[id] = struct{}{}
	c.signalPurge()
	return nil
}

func (c *Consumer) signalPurge() {
	select {
	case c.purge <- struct{}{}:
	default:
	}
}

func (c *Consumer) queueOf(id int64) (*Queue, error) {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		c.mu.Unlock()
		if p.sub.Queue == nil {
			return nil, noQueue(id)
		}
		return p.sub.Queue, nil
	}
	c.mu.Unlock()

	c.registry.mu.RLock()
	defer c.registry.mu.RUnlock()
	_, sub := c.registry.findSubscriber(id)
	if sub == nil {
		return nil, types.Throw(types.ReasonEventNotFound,
			fmt.Sprintf("event id %d is not found", id), "Consumer.GetEvents")
	}
	if sub.Queue == nil {
		return nil, noQueue(id)
	}
	return sub.Queue, nil
}

func noQueue(id int64) error {
	return types.Throw(types.ReasonInvalidArgs,
		fmt.Sprintf("event id %d uses a callback, not a queue", id), "Consumer.GetEvents")
}

// GetEvents drains the queue of a callback-less subscription.
func (c *Consumer) GetEvents(id int64) ([]*EventData, error) {
	q, err := c.queueOf(id)
	if err != nil {
		return nil, err
	}
	return q.Drain(), nil
}

// EventQueueSize returns the number of buffered events.
func (c *Consumer) EventQueueSize(id int64) (int, error) {
	q, err := c.queueOf(id)
	if err != nil {
		return 0, err
	}
	return q.Len(), nil
}

// IsEventQueueEmpty reports whether the queue holds no event.
func (c *Consumer) IsEventQueueEmpty(id int64) (bool, error) {
	n, err := c.EventQueueSize(id)
	return n == 0, err
}

// LastEventDate returns the reception date of the newest queued event.
func (c *Consumer) LastEventDate(id int64) (time.Time, error) {
	q, err := c.queueOf(id)
	if err != nil {
		return time.Time{}, err
	}
	return q.LastDate(), nil
}

// ChannelSummary describes one channel in QueryEventSystem.
type ChannelSummary struct {
	Name             string    `json:"name"`
	Transport        string    `json:"transport"`
	State            string    `json:"state"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	HeartbeatSkipped bool      `json:"heartbeat_skipped"`
}

// CallbackSummary describes one subscribed event in QueryEventSystem.
type CallbackSummary struct {
	Key         string  `json:"key"`
	Channel     string  `json:"channel"`
	Counter     uint64  `json:"counter"`
	Subscribers []int64 `json:"subscribers"`
}

// SystemInfo is the consumer state returned by QueryEventSystem.
type SystemInfo struct {
	Channels     []ChannelSummary  `json:"channels"`
	Callbacks    []CallbackSummary `json:"callbacks"`
	NotConnected []string          `json:"not_connected,omitempty"`
}

// QueryEventSystem returns a snapshot of the consumer state.
func (c *Consumer) QueryEventSystem() SystemInfo {
	var out SystemInfo
	c.registry.mu.RLock()
	channels := make([]*ChannelStruct, 0, len(c.registry.channels))
	for _, ch := range c.registry.channels {
		channels = append(channels, ch)
	}
	for _, cb := range c.registry.callbacks {
		s := CallbackSummary{Key: cb.Key, Channel: cb.ChannelName}
		_ = cb.Monitor.With(func() { s.Counter = cb.Ctr })
		for _, sub := range cb.Subscribers {
			if sub.Live() {
				s.Subscribers = append(s.Subscribers, sub.ID())
			}
		}
		out.Callbacks = append(out.Callbacks, s)
	}
	c.registry.mu.RUnlock()

	for _, ch := range channels {
		s := ChannelSummary{Name: ch.Name, Transport: ch.Type.String()}
		_ = ch.Monitor.With(func() {
			s.State = ch.State.String()
			s.LastHeartbeat = ch.LastHeartbeat
			s.HeartbeatSkipped = ch.HeartbeatSkipped
		})
		out.Channels = append(out.Channels, s)
	}

	c.mu.Lock()
	for _, p := range c.pending {
		out.NotConnected = append(out.NotConnected, CallbackKey(p.req.Device, p.req.Object, p.req.Event))
	}
	c.mu.Unlock()

	sort.Slice(out.Channels, func(i, j int) bool { return out.Channels[i].Name < out.Channels[j].Name })
	sort.Slice(out.Callbacks, func(i, j int) bool { return out.Callbacks[i].Key < out.Callbacks[j].Key })
	sort.Strings(out.NotConnected)
	return out
}

// Shutdown stops the background goroutines and closes every channel.
func (c *Consumer) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		c.logger.Warn().Msg("Event consumer goroutines did not stop in time")
	}

	c.registry.mu.Lock()
	handles := make([]*ChannelStruct, 0, len(c.registry.channels))
	for _, ch := range c.registry.channels {
		handles = append(handles, ch)
	}
	c.registry.channels = make(map[string]*ChannelStruct)
	c.registry.callbacks = make(map[string]*CallbackStruct)
	c.registry.deviceChannel = make(map[string]string)
	c.registry.mu.Unlock()

	for _, ch := range handles {
		var h ChannelHandle
		if err := ch.Monitor.With(func() { h, ch.Handle = ch.Handle, nil }); err != nil {
			c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("Channel not closed")
			continue
		}
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			c.logger.Debug().Err(err).Str("channel", ch.Name).Msg("Failed to close channel")
		}
	}

	c.mu.Lock()
	c.pending = make(map[int64]*pendingSub)
	c.mu.Unlock()

	metrics.ActiveChannels.Set(0)
	metrics.ActiveCallbacks.Set(0)
	c.logger.Info().Int("channels", len(handles)).Msg("Event consumer shut down")
}
