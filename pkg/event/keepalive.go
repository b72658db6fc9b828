package event

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/types"
)

func (c *Consumer) keepAlive() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.KeepAlivePeriod)
			c.CheckChannels(ctx)
			cancel()
		}
	}
}

// CheckChannels runs one keep-alive pass: retry stateless subscriptions,
// confirm subscriptions that are getting old and reconnect channels whose
// heartbeat stopped.
func (c *Consumer) CheckChannels(ctx context.Context) {
	c.retryPending(ctx)

	c.registry.mu.RLock()
	channels := make([]*ChannelStruct, 0, len(c.registry.channels))
	for _, ch := range c.registry.channels {
		channels = append(channels, ch)
	}
	c.registry.mu.RUnlock()

	for _, ch := range channels {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.checkChannel(ctx, ch)
	}
}

func (c *Consumer) retryPending(ctx context.Context) {
	c.mu.Lock()
	pending := make(map[int64]*pendingSub, len(c.pending))
	for id, p := range c.pending {
		pending[id] = p
	}
	c.mu.Unlock()

	for id, p := range pending {
		if !p.sub.Live() {
			continue
		}
		err := c.connect(ctx, p.req, p.sub)
		c.mu.Lock()
		if err == nil {
			delete(c.pending, id)
		} else {
			p.err = err
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.Debug().Err(err).Str("device", p.req.Device).Str("event", p.req.Event).
				Msg("Stateless subscription still not connected")
			c.safeDeliver(p.sub, errorEvent(p.req.Device, eventDomain(p.req.Device, p.req.Object), p.req.Event, err))
			continue
		}
		c.logger.Info().Str("device", p.req.Device).Str("event", p.req.Event).Msg("Stateless subscription connected")
	}
}

func (c *Consumer) checkChannel(ctx context.Context, ch *ChannelStruct) {
	now := c.now()
	var (
		stale, skipped bool
		lastSub        time.Time
		handle         ChannelHandle
	)
	err := ch.Monitor.With(func() {
		stale = now.Sub(ch.LastHeartbeat) >= c.cfg.HeartbeatTimeout
		skipped = ch.HeartbeatSkipped
		lastSub = ch.LastSubscribed
		handle = ch.Handle
		if !stale {
			ch.HeartbeatSkipped = false
		}
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("Keep-alive skipped channel")
		return
	}

	if !stale {
		if now.Sub(lastSub) >= c.cfg.ResubscribePeriod/3 {
			c.confirmSubscriptions(ctx, ch)
		}
		return
	}

	metrics.HeartbeatsMissed.Inc()
	// One missed heartbeat is tolerated when the transport still answers.
	if !skipped && handle != nil && handle.Ping(ctx) == nil {
		_ = ch.Monitor.With(func() { ch.HeartbeatSkipped = true })
		c.logger.Debug().Str("channel", ch.Name).Msg("Heartbeat late, waiting one more period")
		return
	}

	if err := c.reconnectChannel(ctx, ch); err != nil {
		metrics.ChannelReconnects.WithLabelValues("failure").Inc()
		_ = ch.Monitor.With(func() {
			ch.State = Failed
			ch.HeartbeatSkipped = true
			ch.EventSystemFailed = true
		})
		c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("Event channel reconnection failed")
		c.pushChannelError(ch, types.Throw(types.ReasonEventTimeout,
			"Event channel is not responding anymore, maybe the server or event system is down",
			"Consumer.KeepAlive"))
		return
	}
	metrics.ChannelReconnects.WithLabelValues("success").Inc()
	c.logger.Info().Str("channel", ch.Name).Msg("Event channel reconnected")
}

// reconnectChannel re-subscribes every event of ch on a fresh transport
// handle.
func (c *Consumer) reconnectChannel(ctx context.Context, ch *ChannelStruct) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.registry.mu.RLock()
	cbs := c.registry.channelCallbacks(ch.Name)
	c.registry.mu.RUnlock()
	if len(cbs) == 0 {
		return nil
	}

	var old ChannelHandle
	if err := ch.Monitor.With(func() { old = ch.Handle }); err != nil {
		return err
	}
	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Debug().Err(err).Str("channel", ch.Name).Msg("Failed to close stale channel")
		}
	}

	adm, err := c.connector.Connect(ctx, ch.Name)
	if err != nil {
		return err
	}

	var first *negotiation
	for _, cb := range cbs {
		n, err := c.negotiate(ctx, adm, cb.Device.Name(), cb.ObjName, cb.BaseEvent, []types.ChannelType{ch.Type})
		if err != nil {
			return err
		}
		if first == nil {
			first = n
		}
	}

	tr, ok := c.transports[ch.Type]
	if !ok {
		return types.Throw(types.ReasonNotSupported, fmt.Sprintf("no %s transport", ch.Type), "Consumer.reconnect")
	}
	info := c.channelInfo(ch.Name, adm, first)
	handle, err := tr.ConnectChannel(ctx, &info, c)
	if err != nil {
		return err
	}
	for _, cb := range cbs {
		ev := cb.Event
		if err := handle.ConnectEvent(ctx, &ev); err != nil {
			_ = handle.Close()
			return err
		}
	}

	now := c.now()
	err = ch.Monitor.With(func() {
		ch.Handle = handle
		ch.Adm = adm
		ch.Info = info
		ch.State = Connected
		ch.LastHeartbeat = now
		ch.LastSubscribed = now
		ch.HeartbeatSkipped = false
		ch.EventSystemFailed = false
	})
	if err != nil {
		_ = handle.Close()
		return err
	}

	for _, cb := range cbs {
		_ = cb.Monitor.With(func() { cb.Ctr = 0 })
		c.registry.mu.RLock()
		live := liveSubscribers(cb)
		c.registry.mu.RUnlock()
		for _, s := range live {
			c.fireSync(ctx, cb, s)
		}
	}
	return nil
}

func liveSubscribers(cb *CallbackStruct) []*SubscribeStruct {
	var out []*SubscribeStruct
	for _, s := range cb.Subscribers {
		if s.Live() {
			out = append(out, s)
		}
	}
	return out
}

// confirmSubscriptions tells the admin device that the events of ch are
// still wanted.
func (c *Consumer) confirmSubscriptions(ctx context.Context, ch *ChannelStruct) {
	c.registry.mu.RLock()
	cbs := c.registry.channelCallbacks(ch.Name)
	c.registry.mu.RUnlock()
	if len(cbs) == 0 {
		return
	}

	var adm DeviceClient
	if err := ch.Monitor.With(func() { adm = ch.Adm }); err != nil {
		return
	}

	resubscribe := ch.Type == types.Notifd
	if !resubscribe {
		args := make([]string, 0, 3*len(cbs))
		for _, cb := range cbs {
			args = append(args, cb.Device.Name(), cb.ObjName, fmt.Sprintf("idl%d_%s", ClientRelease, cb.BaseEvent))
		}
		_, err := adm.CommandInout(ctx, CmdEventConfirmSubscription, types.StringsData(args...))
		switch {
		case err == nil:
		case types.IsReason(err, types.ReasonCommandNotFound):
			resubscribe = true
		default:
			c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("Failed to confirm subscriptions")
			return
		}
	}
	if resubscribe {
		for _, cb := range cbs {
			if _, err := c.negotiate(ctx, adm, cb.Device.Name(), cb.ObjName, cb.BaseEvent, []types.ChannelType{ch.Type}); err != nil {
				c.logger.Warn().Err(err).Str("event", cb.Key).Msg("Failed to renew subscription")
			}
		}
	}
	now := c.now()
	_ = ch.Monitor.With(func() { ch.LastSubscribed = now })
}

// pushChannelError sends err to every subscriber of ch.
func (c *Consumer) pushChannelError(ch *ChannelStruct, err error) {
	c.registry.mu.RLock()
	cbs := c.registry.channelCallbacks(ch.Name)
	type target struct {
		cb   *CallbackStruct
		subs []*SubscribeStruct
	}
	targets := make([]target, 0, len(cbs))
	for _, cb := range cbs {
		targets = append(targets, target{cb: cb, subs: liveSubscribers(cb)})
	}
	c.registry.mu.RUnlock()

	for _, t := range targets {
		ev := errorEvent(t.cb.DeviceName, t.cb.AttrName(), t.cb.BaseEvent, err)
		_ = t.cb.Monitor.With(func() {
			for _, s := range t.subs {
				c.safeDeliver(s, ev.Clone())
			}
		})
	}
}
