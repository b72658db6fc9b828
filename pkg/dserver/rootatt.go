package dserver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/log"
	"github.com/cuemby/tango/pkg/types"
	"github.com/rs/zerolog"
)

// Subscriber is the part of event.Consumer the root registry uses.
type Subscriber interface {
	SubscribeEvent(ctx context.Context, req event.SubscribeRequest) (int64, error)
	UnsubscribeEvent(id int64) error
	QueryEventSystem() event.SystemInfo
}

type rootSub struct {
	id   int64
	dev  *device.Device
	attr string
}

// RootAttRegistry keeps the subscriptions a server holds on the root
// attributes of its forwarded attributes and pushes the received events
// again under the forwarded name.
type RootAttRegistry struct {
	consumer Subscriber
	supplier *event.Supplier

	// subMu serialises subscribe and unsubscribe of one root event pair.
	subMu sync.Mutex
	mu    sync.Mutex
	subs  map[string]rootSub

	logger zerolog.Logger
}

// NewRootAttRegistry creates a registry subscribing through consumer and
// pushing through supplier.
func NewRootAttRegistry(consumer Subscriber, supplier *event.Supplier) *RootAttRegistry {
	return &RootAttRegistry{
		consumer: consumer,
		supplier: supplier,
		subs:     make(map[string]rootSub),
		logger:   log.WithComponent("root-att"),
	}
}

func rootKey(fwd *device.FwdRoot, ev string) string {
	return fwd.Name() + "." + ev
}

// IsSubscribed reports whether ev of the root of attr is subscribed.
func (r *RootAttRegistry) IsSubscribed(attr *device.Attribute, ev string) bool {
	if !attr.IsForwarded() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[rootKey(attr.Fwd, ev)]
	return ok
}

// Subscribe subscribes ev on the root of the forwarded attr of dev. An
// existing subscription is dropped first so that a root whose polling
// stopped reports the error again.
func (r *RootAttRegistry) Subscribe(ctx context.Context, dev *device.Device, attr *device.Attribute, ev string) error {
	if !attr.IsForwarded() {
		return types.Throw(types.ReasonInvalidArgs,
			fmt.Sprintf("attribute %s is not forwarded", attr.Name), "RootAttRegistry.Subscribe")
	}
	key := rootKey(attr.Fwd, ev)

	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.mu.Lock()
	old, ok := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if ok {
		if err := r.consumer.UnsubscribeEvent(old.id); err != nil {
			r.logger.Debug().Err(err).Str("root", key).Msg("Failed to drop root subscription")
		}
	}

	local, name := dev, attr.Name
	id, err := r.consumer.SubscribeEvent(ctx, event.SubscribeRequest{
		Device: attr.Fwd.Device,
		Object: attr.Fwd.Attr,
		Event:  ev,
		Callback: event.CallbackFunc(func(e *event.EventData) {
			r.forward(local, name, ev, e)
		}),
	})
	if err != nil {
		return types.Rethrow(err, types.ReasonCantConnectToDevice,
			fmt.Sprintf("failed to subscribe to %s of root attribute %s", ev, attr.Fwd.Name()), "RootAttRegistry.Subscribe")
	}

	r.mu.Lock()
	r.subs[key] = rootSub{id: id, dev: local, attr: name}
	r.mu.Unlock()
	r.logger.Debug().Str("root", key).Str("device", dev.Name()).Str("attribute", name).Msg("Root attribute subscribed")
	return nil
}

// Unsubscribe drops the root subscription of ev for attr.
func (r *RootAttRegistry) Unsubscribe(attr *device.Attribute, ev string) error {
	if !attr.IsForwarded() {
		return nil
	}
	key := rootKey(attr.Fwd, ev)
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.mu.Lock()
	sub, ok := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.consumer.UnsubscribeEvent(sub.id)
}

// forward pushes a root event under the forwarded attribute name.
func (r *RootAttRegistry) forward(dev *device.Device, attr, ev string, e *event.EventData) {
	var err error
	if e.Err && e.Errors != nil {
		err = e.Errors
	}
	var pErr error
	switch ev {
	case event.ChangeEvent:
		pErr = r.supplier.PushChangeEvent(dev, attr, e.AttrValue, err)
	case event.ArchiveEvent:
		pErr = r.supplier.PushArchiveEvent(dev, attr, e.AttrValue, err)
	case event.AlarmEvent:
		pErr = r.supplier.PushAlarmEvent(dev, attr, e.AttrValue, err)
	case event.UserEvent:
		pErr = r.supplier.PushUserEvent(dev, attr, nil, nil, e.AttrValue, err)
	case event.DataReadyEvent:
		if e.DataReady != nil {
			pErr = r.supplier.PushDataReadyEvent(dev, attr, e.DataReady.Ctr)
		}
	default:
		r.logger.Debug().Str("event", ev).Str("attribute", attr).Msg("Root event kind not forwarded")
	}
	if pErr != nil {
		r.logger.Warn().Err(pErr).Str("device", dev.Name()).Str("attribute", attr).Str("event", ev).
			Msg("Failed to forward root event")
	}
}

// Keys returns the subscribed root events, sorted.
func (r *RootAttRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for k := range r.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// QueryEventSystem returns the state of the consumer used for roots.
func (r *RootAttRegistry) QueryEventSystem() event.SystemInfo {
	return r.consumer.QueryEventSystem()
}

// Close drops every root subscription.
func (r *RootAttRegistry) Close() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]rootSub)
	r.mu.Unlock()
	var failed []string
	for key, s := range subs {
		if err := r.consumer.UnsubscribeEvent(s.id); err != nil {
			failed = append(failed, key)
		}
	}
	if len(failed) > 0 {
		r.logger.Debug().Str("roots", strings.Join(failed, ",")).Msg("Failed to drop root subscriptions")
	}
}
