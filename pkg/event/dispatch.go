package event

import (
	"fmt"

	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
)

// Deliver queues a transport message for the dispatcher. It blocks while
// the inbox is full and returns at once after Shutdown.
func (c *Consumer) Deliver(msg *Message) {
	select {
	case c.inbox <- msg:
	case <-c.stopCh:
	}
}

// run is the dispatcher loop. All callbacks run on this goroutine.
func (c *Consumer) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case msg := <-c.inbox:
			c.dispatch(msg)
		case <-c.purge:
			c.purgeTombstones()
		}
	}
}

func (c *Consumer) dispatch(msg *Message) {
	if msg.IsHeartbeat() {
		c.heartbeat(msg)
		return
	}

	c.registry.mu.RLock()
	cb := c.registry.findCallback(c.aliases.Candidates(msg.Key()))
	if cb == nil {
		c.registry.mu.RUnlock()
		c.logger.Debug().Str("event", msg.Key()).Msg("Event received for unknown subscription")
		return
	}
	if cb.Filter != nil && !cb.Filter.Match(msg.Vars()) {
		c.registry.mu.RUnlock()
		return
	}
	var live []*SubscribeStruct
	for _, s := range cb.Subscribers {
		if s.Live() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		c.registry.mu.RUnlock()
		return
	}
	if err := cb.Monitor.Acquire(); err != nil {
		c.registry.mu.RUnlock()
		c.logger.Warn().Err(err).Str("event", cb.Key).Msg("Event dropped")
		return
	}

	var missed *EventData
	if msg.Counter != 0 {
		if cb.Ctr != 0 && msg.Counter > cb.Ctr+1 {
			metrics.MissedEvents.Add(float64(msg.Counter - cb.Ctr - 1))
			missed = errorEvent(cb.DeviceName, cb.AttrName(), cb.BaseEvent,
				types.Throw(types.ReasonMissedEvents,
					fmt.Sprintf("missed %d event(s), counter jumped from %d to %d", msg.Counter-cb.Ctr-1, cb.Ctr, msg.Counter),
					"Consumer.dispatch"))
		}
		cb.Ctr = msg.Counter
	}

	data := c.eventData(cb, msg)
	last := len(live) - 1
	for _, s := range live[:last] {
		if missed != nil {
			c.safeDeliver(s, missed.Clone())
		}
		c.safeDeliver(s, data.Clone())
	}
	// The last callback may subscribe or unsubscribe, so it runs with
	// neither lock held.
	cb.Monitor.Release()
	c.registry.mu.RUnlock()
	if missed != nil {
		c.safeDeliver(live[last], missed)
	}
	c.safeDeliver(live[last], data)
	metrics.EventsReceived.WithLabelValues(cb.BaseEvent).Inc()
}

func (c *Consumer) eventData(cb *CallbackStruct, msg *Message) *EventData {
	return &EventData{
		Device:        cb.DeviceName,
		AttrName:      cb.AttrName(),
		Event:         cb.BaseEvent,
		ReceptionDate: c.now(),
		Err:           msg.Err != nil,
		Errors:        msg.Err,
		AttrValue:     msg.AttrValue,
		AttrConf:      msg.AttrConf,
		DataReady:     msg.DataReady,
		IntrChange:    msg.IntrChange,
		Pipe:          msg.Pipe,
	}
}

func (c *Consumer) channelCandidates(name string) []string {
	var out []string
	for _, k := range c.aliases.Candidates(name) {
		out = append(out, k, k+"#dbase=no")
	}
	return out
}

func (c *Consumer) heartbeat(msg *Message) {
	c.registry.mu.RLock()
	ch := c.registry.findChannel(c.channelCandidates(msg.Key()))
	c.registry.mu.RUnlock()
	if ch == nil {
		c.logger.Debug().Str("channel", msg.Key()).Msg("Heartbeat received for unknown channel")
		return
	}
	metrics.HeartbeatsReceived.Inc()
	err := ch.Monitor.With(func() {
		ch.LastHeartbeat = c.now()
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("Heartbeat not recorded")
	}
}

// safeDeliver runs a subscriber callback, recovering panics.
func (c *Consumer) safeDeliver(s *SubscribeStruct, ev *EventData) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanics.Inc()
			c.logger.Error().Interface("panic", r).Int64("id", s.ID()).Str("event", ev.AttrName).
				Msg("Event callback panicked")
		}
	}()
	s.deliver(ev)
}

// purgeTombstones removes unsubscribed subscribers, then events without
// subscribers, then channels without events. It holds subMu until the
// transport calls are done so a concurrent subscription to a purged event
// connects it again afterwards.
func (c *Consumer) purgeTombstones() {
	type disconnect struct {
		ch *ChannelStruct
		ev EventInfo
	}
	var (
		events []disconnect
		closed []*ChannelStruct
	)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.registry.mu.Lock()
	for key, cb := range c.registry.callbacks {
		kept := make([]*SubscribeStruct, 0, len(cb.Subscribers))
		for _, s := range cb.Subscribers {
			if s.Live() {
				kept = append(kept, s)
			}
		}
		cb.Subscribers = kept
		if len(kept) == 0 {
			delete(c.registry.callbacks, key)
			if ch, ok := c.registry.channels[cb.ChannelName]; ok {
				events = append(events, disconnect{ch: ch, ev: cb.Event})
			}
		}
	}
	used := make(map[string]bool)
	for _, cb := range c.registry.callbacks {
		used[cb.ChannelName] = true
	}
	for name, ch := range c.registry.channels {
		if used[name] {
			continue
		}
		delete(c.registry.channels, name)
		for dev, chName := range c.registry.deviceChannel {
			if chName == name {
				delete(c.registry.deviceChannel, dev)
			}
		}
		closed = append(closed, ch)
	}
	channels, callbacks := len(c.registry.channels), len(c.registry.callbacks)
	c.registry.mu.Unlock()

	for _, d := range events {
		var h ChannelHandle
		if err := d.ch.Monitor.With(func() { h = d.ch.Handle }); err != nil || h == nil {
			continue
		}
		if err := h.DisconnectEvent(&d.ev); err != nil {
			c.logger.Debug().Err(err).Str("event", d.ev.Key).Msg("Failed to disconnect event")
		}
	}
	for _, ch := range closed {
		var h ChannelHandle
		if err := ch.Monitor.With(func() { h = ch.Handle }); err != nil || h == nil {
			continue
		}
		if err := h.Close(); err != nil {
			c.logger.Debug().Err(err).Str("channel", ch.Name).Msg("Failed to close channel")
		}
		c.logger.Info().Str("channel", ch.Name).Msg("Event channel closed")
	}
	metrics.ActiveChannels.Set(float64(channels))
	metrics.ActiveCallbacks.Set(float64(callbacks))
}
