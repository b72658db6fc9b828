package dserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/metrics"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/cuemby/tango/pkg/types"
)

const (
	actionSubscribe = "subscribe"
	// LibRelease is the library release returned to subscribing clients.
	LibRelease = 960
	// minZmqIDL is the first device release served over ZMQ.
	minZmqIDL = 4
)

// stringArgs extracts the string array argument of an admin command.
func stringArgs(argin *types.CommandData, origin string) ([]string, error) {
	args, err := argin.Strings()
	if err != nil {
		return nil, types.Rethrow(err, types.ReasonInvalidArgs, "argument must be a string array", origin)
	}
	return args, nil
}

// noThreshold reports whether change and archive thresholds are
// meaningless for the type of attr.
func noThreshold(attr *device.Attribute) bool {
	if strings.EqualFold(attr.Name, "state") {
		return true
	}
	switch attr.DataType {
	case types.DevString, types.DevBoolean, types.DevEncoded, types.DevState, types.DevEnum:
		return true
	}
	return false
}

// eventSubscription checks that attr can generate ev and marks the
// transport used. Interface change and pipe events are always accepted
// and return a nil attribute.
func (d *DServer) eventSubscription(dev *device.Device, obj, action, ev string, ct types.ChannelType, clientLib int) (*device.Attribute, error) {
	attr, err := d.checkSubscription(dev, obj, action, ev, ct, clientLib)
	if err != nil {
		metrics.SubscriptionRejections.WithLabelValues(types.ReasonOf(err)).Inc()
		return nil, err
	}
	return attr, nil
}

func (d *DServer) checkSubscription(dev *device.Device, obj, action, ev string, ct types.ChannelType, clientLib int) (*device.Attribute, error) {
	const origin = "DServer.eventSubscription"
	if ev == event.IntrChangeEvent || ev == event.PipeEvent {
		return nil, nil
	}
	attr, err := dev.Attr(obj)
	if err != nil {
		return nil, err
	}
	if attr.IsForwarded() && (ct == types.Notifd || clientLib < 5) {
		return nil, types.Throw(types.ReasonNotSupportedFeature,
			fmt.Sprintf("attribute %s is forwarded, its events need a release 5 client over zmq", obj), origin)
	}
	if action != actionSubscribe {
		return attr, nil
	}

	switch ev {
	case event.UserEvent, event.AttrConfEvent:
	case event.DataReadyEvent:
		if !attr.IsForwarded() && !attr.DataReadyEvent() {
			return nil, types.Throw(types.ReasonAttributeNotDataReady,
				fmt.Sprintf("the attribute %s is not data ready event enabled", obj), origin)
		}
	default:
		if err := d.checkPolling(attr, ev); err != nil {
			return nil, err
		}
		if err := checkThresholds(attr, ev); err != nil {
			return nil, err
		}
	}
	attr.UseTransport(ct)
	return attr, nil
}

// checkPolling refuses events nobody would ever send: those of an attribute
// that is neither polled nor pushed by the device code.
func (d *DServer) checkPolling(attr *device.Attribute, ev string) error {
	if polled, _ := attr.Polled(); polled || attr.IsForwarded() {
		return nil
	}
	pushed := false
	switch ev {
	case event.ChangeEvent:
		pushed = attr.ChangeEvent().Implemented
	case event.AlarmEvent:
		pushed = attr.AlarmEvent().Implemented ||
			(d.supplier.Config().AutoAlarmOnChange && attr.ChangeEvent().Implemented)
	case event.ArchiveEvent:
		pushed = attr.ArchiveEvent().Implemented
	}
	if pushed {
		return nil
	}
	return types.Throw(types.ReasonAttributePollingNotStarted,
		fmt.Sprintf("the polling (necessary to send events) for the attribute %s is not started", attr.Name),
		"DServer.eventSubscription")
}

// checkThresholds refuses change and archive events that detection could
// never raise. Forwarded attributes are detected on their root.
func checkThresholds(attr *device.Attribute, ev string) error {
	if noThreshold(attr) || attr.IsForwarded() {
		return nil
	}
	props := attr.Properties()
	switch ev {
	case event.ChangeEvent:
		if f := attr.ChangeEvent(); f.Implemented && !f.Detect {
			return nil
		}
		if !props.HasChangeThreshold() {
			return types.Throw(types.ReasonEventPropertiesNotSet,
				fmt.Sprintf("event properties (abs_change or rel_change) for attribute %s are not set", attr.Name),
				"DServer.eventSubscription")
		}
	case event.ArchiveEvent:
		if f := attr.ArchiveEvent(); f.Implemented && !f.Detect {
			return nil
		}
		if !props.HasArchiveThreshold() {
			return types.Throw(types.ReasonEventPropertiesNotSet,
				fmt.Sprintf("archive event properties (archive_abs_change or archive_rel_change or archive_period) for attribute %s are not set", attr.Name),
				"DServer.eventSubscription")
		}
	}
	return nil
}

// storeSubscription records the client release of a subscription so that
// detection pushes ev to it.
func (d *DServer) storeSubscription(dev *device.Device, obj, ev string, clientLib int) {
	if ev == event.IntrChangeEvent || ev == event.PipeEvent {
		return
	}
	attr, err := dev.Attr(obj)
	if err != nil {
		return
	}
	attr.RecordSubscription(ev, clientLib, d.now())
	metrics.Subscriptions.WithLabelValues(ev).Inc()
}

// eventSubscriptionChange is the notifd subscription command:
// {device, object, action, event} returning the library release.
func (d *DServer) eventSubscriptionChange(_ context.Context, argin *types.CommandData) (*types.CommandData, error) {
	const origin = "DServer.EventSubscriptionChange"
	args, err := stringArgs(argin, origin)
	if err != nil {
		return nil, err
	}
	if len(args) < 4 {
		return nil, types.Throw(types.ReasonWrongNumberOfArgs,
			"wrong number of input arguments: 4 needed", origin)
	}
	if err := d.shuttingDown(origin); err != nil {
		return nil, err
	}
	devName, obj, action, ev := args[0], strings.ToLower(args[1]), strings.ToLower(args[2]), strings.ToLower(args[3])

	dev, err := d.Device(devName)
	if err != nil {
		return nil, types.Rethrow(err, types.ReasonDeviceNotFound,
			fmt.Sprintf("device %s not found", devName), origin)
	}
	if _, err := d.eventSubscription(dev, obj, action, ev, types.Notifd, event.MinClientRelease); err != nil {
		return nil, err
	}
	if action == actionSubscribe {
		d.storeSubscription(dev, obj, ev, event.MinClientRelease)
	}
	d.markSubscribed()
	d.logger.Debug().Str("device", dev.Name()).Str("object", obj).Str("event", ev).Msg("Notifd subscription")
	return types.ValueData(types.LongArray{LibRelease}), nil
}

// clientRelease derives the release of a ZMQ client from the optional
// fifth argument and the event name.
func clientRelease(args []string, name string) int {
	base := event.RemoveIDLPrefix(name)
	rel := event.MinClientRelease
	if base == event.AttrConfEvent {
		rel = 3
	}
	if len(args) < 5 {
		return rel
	}
	rel, _ = strconv.Atoi(strings.TrimSpace(args[4]))
	if rel != 0 {
		return rel
	}
	if v, ok := event.ExtractIDLVersion(name); ok {
		return v
	}
	switch base {
	case event.AttrConfEvent:
		return 3
	case event.AlarmEvent:
		return 6
	}
	return event.MinClientRelease
}

// mcastParams is the multicast configuration of one event.
type mcastParams struct {
	endpoint string
	// rate in kbit/s and recovery interval.
	rate int
	ivl  time.Duration
}

// multicastParams reads the mcast_event entry "event:ip:port[:rate[:ivl]]"
// of attr for ev. Missing fields take the server defaults.
func (d *DServer) multicastParams(attr *device.Attribute, ev string) mcastParams {
	p := mcastParams{rate: d.cfg.McastRate, ivl: d.cfg.McastIvl}
	if attr == nil {
		return p
	}
	for _, entry := range attr.Properties().McastEvent {
		fields := strings.Split(strings.TrimSpace(entry), ":")
		if len(fields) < 3 || !strings.EqualFold(fields[0], ev) {
			continue
		}
		p.endpoint = fields[1] + ":" + fields[2]
		if len(fields) > 3 {
			if r, err := strconv.Atoi(fields[3]); err == nil && r > 0 {
				p.rate = r
			}
		}
		if len(fields) > 4 {
			if s, err := strconv.Atoi(fields[4]); err == nil && s > 0 {
				p.ivl = time.Duration(s) * time.Second
			}
		}
		break
	}
	return p
}

// zmqInfo answers the single "info" argument.
func (d *DServer) zmqInfo() *types.CommandData {
	hb, ev := d.zmq.Endpoints()
	out := []string{"Heartbeat: " + hb, "Event: " + ev}
	alts := d.zmq.AlternateEndpoints()
	for i := 0; i+1 < len(alts); i += 2 {
		out = append(out, "Alternate heartbeat: "+alts[i], "Alternate event: "+alts[i+1])
	}
	return types.LongStringData([]int32{LibRelease}, out)
}

// zmqEventSubscriptionChange is the ZMQ subscription command:
// {device, object, action, event[, client release]}. The reply carries
// {lib release, device IDL, sub HWM, mcast rate, mcast ivl, zmq release}
// and the endpoints followed by the event topic and the channel name.
func (d *DServer) zmqEventSubscriptionChange(ctx context.Context, argin *types.CommandData) (*types.CommandData, error) {
	const origin = "DServer.ZmqEventSubscriptionChange"
	args, err := stringArgs(argin, origin)
	if err != nil {
		return nil, err
	}
	if len(args) == 1 {
		if !strings.EqualFold(args[0], "info") {
			return nil, types.Throw(types.ReasonWrongNumberOfArgs,
				"wrong argument: the only single argument accepted is \"info\"", origin)
		}
		return d.zmqInfo(), nil
	}
	if len(args) < 4 {
		return nil, types.Throw(types.ReasonWrongNumberOfArgs,
			"wrong number of input arguments: 1 or 4 or 5 needed", origin)
	}

	devName, obj, action := args[0], strings.ToLower(args[1]), strings.ToLower(args[2])
	name := strings.ToLower(args[3])
	ev := event.RemoveIDLPrefix(name)
	if !event.ValidEventName(ev) {
		return nil, types.Throw(types.ReasonWrongNumberOfArgs,
			fmt.Sprintf("the event type you sent (%s) is not a valid event type", args[3]), origin)
	}
	release := clientRelease(args, name)

	if err := d.shuttingDown(origin); err != nil {
		return nil, err
	}
	dev, err := d.Device(devName)
	if err != nil {
		return nil, types.Rethrow(err, types.ReasonDeviceNotFound,
			fmt.Sprintf("device %s not found", devName), origin)
	}
	if dev.IDL() < minZmqIDL {
		return nil, types.Throw(types.ReasonCommandNotFound,
			fmt.Sprintf("device %s too old to use ZMQ events (IDL %d)", dev.Name(), dev.IDL()), origin)
	}
	release = min(release, dev.IDL())

	attr, err := d.eventSubscription(dev, obj, action, ev, types.Zmq, release)
	if err != nil {
		return nil, err
	}

	domain := dev.Name()
	if ev != event.IntrChangeEvent {
		domain += "/" + obj
	}
	topic := event.Topic(d.supplier.Config().Prefix, domain, event.WireName(ev, release))

	mp := d.multicastParams(attr, ev)
	mcastEndpoint := ""
	if mp.endpoint != "" {
		ep, err := d.zmq.EnableMulticast(topic, mp.endpoint, mp.rate, mp.ivl)
		if err != nil {
			return nil, types.Rethrow(err, types.ReasonInvalidArgs,
				fmt.Sprintf("failed to create multicast socket for %s", topic), origin)
		}
		if !api.ClientFromContext(ctx).IsLocal() {
			mcastEndpoint = ep
		}
	}

	if action == actionSubscribe {
		d.storeSubscription(dev, obj, ev, release)
	}
	d.markSubscribed()

	if attr != nil && attr.IsForwarded() && ev != event.AttrConfEvent && d.roots != nil {
		if err := d.roots.Subscribe(ctx, dev, attr, ev); err != nil {
			return nil, err
		}
	}

	hb, evEP := d.zmq.Endpoints()
	s := append([]string{hb, evEP}, d.zmq.AlternateEndpoints()...)
	if mcastEndpoint != "" {
		s = append(s, mcastEndpoint)
	}
	s = append(s, topic, strings.ToLower(d.supplier.Config().Prefix+d.admin.Name()))
	l := []int32{
		LibRelease,
		int32(dev.IDL()),
		int32(d.cfg.SubHWM),
		int32(mp.rate * 1024),
		int32(mp.ivl.Milliseconds()),
		zmq.Release,
	}
	d.logger.Debug().Str("topic", topic).Int("client_release", release).Msg("ZMQ subscription")
	return types.LongStringData(l, s), nil
}

// eventConfirmSubscription renews subscriptions given as {device, object,
// event} triples.
func (d *DServer) eventConfirmSubscription(_ context.Context, argin *types.CommandData) (*types.CommandData, error) {
	const origin = "DServer.EventConfirmSubscription"
	args, err := stringArgs(argin, origin)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 || len(args)%3 != 0 {
		return nil, types.Throw(types.ReasonWrongNumberOfArgs,
			"wrong number of input arguments: 3 needed per event", origin)
	}
	if err := d.shuttingDown(origin); err != nil {
		return nil, err
	}
	for i := 0; i < len(args); i += 3 {
		devName, obj, name := args[i], strings.ToLower(args[i+1]), strings.ToLower(args[i+2])
		dev, err := d.Device(devName)
		if err != nil {
			return nil, types.Rethrow(err, types.ReasonDeviceNotFound,
				fmt.Sprintf("device %s not found", devName), origin)
		}
		ev := event.RemoveIDLPrefix(name)
		lib, ok := event.ExtractIDLVersion(name)
		if !ok {
			lib = event.MinClientRelease
			if ev == event.AttrConfEvent {
				lib = 3
			}
		}
		lib = min(lib, dev.IDL())
		if _, err := d.eventSubscription(dev, obj, actionSubscribe, ev, types.Zmq, lib); err != nil {
			return nil, err
		}
		d.storeSubscription(dev, obj, ev, lib)
	}
	return types.VoidData(), nil
}

func (d *DServer) queryEventChannelIOR(context.Context, *types.CommandData) (*types.CommandData, error) {
	ior, err := d.notifd.ChannelIOR()
	if err != nil {
		return nil, err
	}
	return types.StringsData(ior), nil
}

// SupplierInfo is the server part of QueryEventSystem.
type SupplierInfo struct {
	AdmName         string   `json:"adm_name"`
	Transports      []string `json:"transports"`
	OneSubscription bool     `json:"one_subscription"`
	Endpoints       []string `json:"endpoints,omitempty"`
	ChannelIOR      string   `json:"channel_ior,omitempty"`
}

// EventSystemInfo is the QueryEventSystem reply.
type EventSystemInfo struct {
	Server SupplierInfo      `json:"server"`
	Client *event.SystemInfo `json:"client,omitempty"`
}

func (d *DServer) queryEventSystem(context.Context, *types.CommandData) (*types.CommandData, error) {
	info := EventSystemInfo{Server: SupplierInfo{
		AdmName:         d.admin.Name(),
		OneSubscription: d.supplier.HasSubscription(),
	}}
	if d.zmq != nil {
		hb, ev := d.zmq.Endpoints()
		info.Server.Transports = append(info.Server.Transports, types.Zmq.String())
		info.Server.Endpoints = append([]string{hb, ev}, d.zmq.AlternateEndpoints()...)
	}
	if d.notifd != nil {
		info.Server.Transports = append(info.Server.Transports, types.Notifd.String())
		if ior, err := d.notifd.ChannelIOR(); err == nil {
			info.Server.ChannelIOR = ior
		}
	}
	if d.roots != nil {
		c := d.roots.QueryEventSystem()
		info.Client = &c
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event system info: %w", err)
	}
	return types.StringsData(string(data)), nil
}
