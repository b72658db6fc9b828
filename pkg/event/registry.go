package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/tango/pkg/types"
)

// ChannelState is the connection state of an event channel.
type ChannelState int

const (
	Unconnected ChannelState = iota
	Connected
	Failed
)

func (s ChannelState) String() string {
	switch s {
	case Unconnected:
		return "UNCONNECTED"
	case Connected:
		return "CONNECTED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// ChannelStruct is one connected admin device channel. Fields below
// Monitor are guarded by it.
type ChannelStruct struct {
	Name    string
	Type    types.ChannelType
	Monitor *Monitor

	State             ChannelState
	LastHeartbeat     time.Time
	HeartbeatSkipped  bool
	EventSystemFailed bool
	Adm               DeviceClient
	Info              ChannelInfo
	Handle            ChannelHandle
	LastSubscribed    time.Time
}

// CallbackStruct is one subscribed event shared by every subscriber of
// the same key. Ctr is guarded by Monitor.
type CallbackStruct struct {
	Key         string
	EventName   string
	BaseEvent   string
	ChannelName string
	DeviceName  string
	ObjName     string
	Filters     []string
	Filter      *Constraint
	FilterOK    bool
	Monitor     *Monitor
	Subscribers []*SubscribeStruct
	Ctr         uint64
	DeviceIDL   int
	Event       EventInfo
	Device      DeviceClient
}

// AttrName returns the fully qualified object name.
func (cb *CallbackStruct) AttrName() string {
	if cb.ObjName == "" {
		return cb.DeviceName
	}
	return cb.DeviceName + "/" + cb.ObjName
}

// SubscribeStruct is one subscriber. Its id is negative once unsubscribed.
type SubscribeStruct struct {
	id       atomic.Int64
	Callback Callback
	Queue    *Queue
	Device   string
}

func newSubscriber(id int64, cb Callback, q *Queue, device string) *SubscribeStruct {
	s := &SubscribeStruct{Callback: cb, Queue: q, Device: device}
	s.id.Store(id)
	return s
}

// ID returns the subscription id, negative when tombstoned.
func (s *SubscribeStruct) ID() int64 { return s.id.Load() }

// Live reports whether the subscriber still receives events.
func (s *SubscribeStruct) Live() bool { return s.id.Load() > 0 }

func (s *SubscribeStruct) tombstone() bool {
	for {
		id := s.id.Load()
		if id <= 0 {
			return false
		}
		if s.id.CompareAndSwap(id, -id) {
			return true
		}
	}
}

func (s *SubscribeStruct) deliver(ev *EventData) {
	if s.Queue != nil {
		s.Queue.Insert(ev)
		return
	}
	if s.Callback != nil {
		s.Callback.Push(ev)
	}
}

// Registry holds the channel and callback maps of a consumer. mu guards
// the maps and the subscriber lists.
type Registry struct {
	mu            sync.RWMutex
	channels      map[string]*ChannelStruct
	callbacks     map[string]*CallbackStruct
	deviceChannel map[string]string
}

// NewRegistry creates empty maps.
func NewRegistry() *Registry {
	return &Registry{
		channels:      make(map[string]*ChannelStruct),
		callbacks:     make(map[string]*CallbackStruct),
		deviceChannel: make(map[string]string),
	}
}

// findCallback resolves a received key; caller holds mu.
func (r *Registry) findCallback(candidates []string) *CallbackStruct {
	for _, k := range candidates {
		if cb, ok := r.callbacks[k]; ok {
			return cb
		}
	}
	return nil
}

// findChannel resolves a received channel name; caller holds mu.
func (r *Registry) findChannel(candidates []string) *ChannelStruct {
	for _, k := range candidates {
		if ch, ok := r.channels[k]; ok {
			return ch
		}
	}
	return nil
}

// findSubscriber returns the callback and subscriber of a live id; caller
// holds mu.
func (r *Registry) findSubscriber(id int64) (*CallbackStruct, *SubscribeStruct) {
	for _, cb := range r.callbacks {
		for _, s := range cb.Subscribers {
			if s.ID() == id {
				return cb, s
			}
		}
	}
	return nil, nil
}

// channelCallbacks lists the callbacks of a channel; caller holds mu.
func (r *Registry) channelCallbacks(channel string) []*CallbackStruct {
	var out []*CallbackStruct
	for _, cb := range r.callbacks {
		if cb.ChannelName == channel {
			out = append(out, cb)
		}
	}
	return out
}

// ChannelCount returns the number of channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CallbackCount returns the number of subscribed events.
func (r *Registry) CallbackCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.callbacks)
}
