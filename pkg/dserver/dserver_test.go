package dserver

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/api"
	"github.com/cuemby/tango/pkg/database"
	"github.com/cuemby/tango/pkg/device"
	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/polling"
	"github.com/cuemby/tango/pkg/storage"
	"github.com/cuemby/tango/pkg/transport/zmq"
	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "tango://db:10000/"

type fakeZmq struct {
	mu     sync.Mutex
	events []*event.Message
	alts   []string
	mcast  map[string]string
	rate   int
	ivl    time.Duration
}

func (z *fakeZmq) Type() types.ChannelType { return types.Zmq }

func (z *fakeZmq) PushEvent(msg *event.Message) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.events = append(z.events, msg.Clone())
	return nil
}

func (z *fakeZmq) PushHeartbeat(*event.Message) error   { return nil }
func (z *fakeZmq) Reconnect(context.Context) error      { return nil }
func (z *fakeZmq) Close() error                         { return nil }
func (z *fakeZmq) AlternateEndpoints() []string         { return z.alts }
func (z *fakeZmq) Endpoints() (heartbeat, ev string)    { return "ws://h:1/heartbeat", "ws://h:1/event" }

func (z *fakeZmq) EnableMulticast(topic, endpoint string, rateKbit int, ivl time.Duration) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.mcast == nil {
		z.mcast = make(map[string]string)
	}
	z.mcast[topic] = endpoint
	z.rate, z.ivl = rateKbit, ivl
	return zmq.McastScheme + endpoint, nil
}

func (z *fakeZmq) sent() []*event.Message {
	z.mu.Lock()
	defer z.mu.Unlock()
	return append([]*event.Message(nil), z.events...)
}

type fakeNotifd struct {
	ior string
}

func (n *fakeNotifd) Type() types.ChannelType            { return types.Notifd }
func (n *fakeNotifd) PushEvent(*event.Message) error     { return nil }
func (n *fakeNotifd) PushHeartbeat(*event.Message) error { return nil }
func (n *fakeNotifd) Reconnect(context.Context) error    { return nil }
func (n *fakeNotifd) Close() error                       { return nil }
func (n *fakeNotifd) ChannelIOR() (string, error)        { return n.ior, nil }

type harness struct {
	ds     *DServer
	dev    *device.Device
	zmq    *fakeZmq
	notifd *fakeNotifd
	poller *polling.Poller
}

func newTestDevice(t *testing.T) *device.Device {
	t.Helper()
	dev := device.New("test/evt/1", "EvtTest", "Srv/1", 6)

	value := device.NewMemorized("value", types.DevDouble, types.Scalar, true, types.DoubleArray{0})
	value.SetProperties(device.EventProperties{
		AbsChange:   device.Threshold{Neg: -1, Pos: 1, Set: true},
		EventPeriod: device.DefaultEventPeriod,
	})
	ready := device.NewMemorized("ready", types.DevDouble, types.Scalar, false, types.DoubleArray{0})
	ready.SetDataReadyEvent(true)
	pushed := device.NewMemorized("pushed", types.DevDouble, types.Scalar, false, types.DoubleArray{0})
	pushed.SetChangeEvent(true, false)
	pushed.SetArchiveEvent(true, false)
	pushed.SetAlarmEvent(true, false)
	fwd := device.NewAttribute("fwd", types.DevDouble, types.Scalar, nil)
	fwd.Fwd = &device.FwdRoot{Device: "sys/root/1", Attr: "value"}

	for _, a := range []*device.Attribute{
		value,
		device.NewMemorized("raw", types.DevDouble, types.Scalar, false, types.DoubleArray{0}),
		device.NewMemorized("label", types.DevString, types.Scalar, false, types.StringArray{"a"}),
		ready,
		pushed,
		fwd,
	} {
		require.NoError(t, dev.AddAttribute(a))
	}
	require.NoError(t, device.AddIncrement(dev, "value", 2))
	return dev
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	supplier := event.NewSupplier(event.SupplierConfig{Prefix: testPrefix, AdmName: device.AdmName("Srv/1")})
	poller := polling.New(polling.Config{}, supplier)
	h := &harness{zmq: &fakeZmq{}, notifd: &fakeNotifd{ior: `{"url":"nats://h:4222"}`}, poller: poller}
	opts = append([]Option{WithZmq(h.zmq), WithNotifd(h.notifd)}, opts...)
	h.ds = New(Config{Server: "Srv/1", Host: "h"}, supplier, poller, opts...)
	h.dev = newTestDevice(t)
	require.NoError(t, h.ds.AddDevice(context.Background(), h.dev))
	require.NoError(t, poller.Add(h.dev, polling.Attribute, "value", 500*time.Millisecond))
	require.NoError(t, poller.Add(h.dev, polling.Attribute, "label", time.Second))
	return h
}

func (h *harness) admin(ctx context.Context, cmd string, argin *types.CommandData) (*types.CommandData, error) {
	return h.ds.CommandInout(ctx, h.ds.Name(), cmd, argin)
}

func (h *harness) zmqSub(ctx context.Context, args ...string) (*types.CommandData, error) {
	return h.admin(ctx, event.CmdZmqEventSubscriptionChange, types.StringsData(args...))
}

func (h *harness) libs(t *testing.T, attr, ev string) []int {
	t.Helper()
	a, err := h.dev.Attr(attr)
	require.NoError(t, err)
	return a.ClientLibs(ev, time.Now(), 0)
}

// TestZmqSubscriptionReply tests the reply layout of a ZMQ subscription
func TestZmqSubscriptionReply(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.ds.Supplier().HasSubscription())
	assert.False(t, h.poller.HeartbeatStarted())

	reply, err := h.zmqSub(context.Background(), "test/evt/1", "Value", "subscribe", "change", "6")
	require.NoError(t, err)

	assert.Equal(t, []int32{LibRelease, 6, zmq.DefaultHWM, zmq.DefaultMcastRate * 1024, zmq.DefaultMcastIvl * 1000, zmq.Release}, reply.L)
	assert.Equal(t, []string{
		"ws://h:1/heartbeat",
		"ws://h:1/event",
		testPrefix + "test/evt/1/value.idl5_change",
		testPrefix + "dserver/srv/1",
	}, reply.S)

	assert.Equal(t, []int{6}, h.libs(t, "value", event.ChangeEvent))
	a, _ := h.dev.Attr("value")
	assert.True(t, a.Transports().Zmq)
	assert.False(t, a.Transports().Notifd)
	assert.True(t, h.ds.Supplier().HasSubscription())
	assert.True(t, h.poller.HeartbeatStarted())
}

// TestZmqReleaseNegotiation tests the release used for topics
func TestZmqReleaseNegotiation(t *testing.T) {
	h := newHarness(t)
	old := device.New("test/v5/1", "Old", "Srv/1", 5)
	v := device.NewMemorized("value", types.DevDouble, types.Scalar, false, types.DoubleArray{0})
	v.SetChangeEvent(true, false)
	require.NoError(t, old.AddAttribute(v))
	require.NoError(t, h.ds.AddDevice(context.Background(), old))

	reply, err := h.zmqSub(context.Background(), "test/evt/1", "value", "subscribe", "change", "4")
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"test/evt/1/value.change", reply.S[len(reply.S)-2])
	assert.Equal(t, []int{4}, h.libs(t, "value", event.ChangeEvent))

	reply, err = h.zmqSub(context.Background(), "tango://db:10000/test/v5/1", "value", "subscribe", "change", "6")
	require.NoError(t, err)
	assert.Equal(t, int32(5), reply.L[1])
	assert.Equal(t, testPrefix+"test/v5/1/value.idl5_change", reply.S[len(reply.S)-2])
	assert.Equal(t, []int{5}, v.ClientLibs(event.ChangeEvent, time.Now(), 0))

	reply, err = h.zmqSub(context.Background(), "test/evt/1", "", "subscribe", "intr_change", "6")
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"test/evt/1.intr_change", reply.S[len(reply.S)-2])
}

// TestClientRelease tests how the client release is derived
func TestClientRelease(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no release", args: []string{"d", "a", "subscribe", "change"}, want: 4},
		{name: "no release attr conf", args: []string{"d", "a", "subscribe", "attr_conf"}, want: 3},
		{name: "explicit", args: []string{"d", "a", "subscribe", "change", "6"}, want: 6},
		{name: "zero with prefix", args: []string{"d", "a", "subscribe", "idl5_change", "0"}, want: 5},
		{name: "zero alarm", args: []string{"d", "a", "subscribe", "alarm", "0"}, want: 6},
		{name: "zero attr conf", args: []string{"d", "a", "subscribe", "attr_conf", "0"}, want: 3},
		{name: "garbage", args: []string{"d", "a", "subscribe", "change", "x"}, want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clientRelease(tt.args, tt.args[3]))
		})
	}
}

// TestSubscriptionPreconditions tests the attribute checks run before a
// subscription is accepted
func TestSubscriptionPreconditions(t *testing.T) {
	tests := []struct {
		name   string
		attr   string
		event  string
		poll   bool
		reason string
	}{
		{name: "change polled", attr: "value", event: "change"},
		{name: "change without properties", attr: "raw", event: "change", poll: true, reason: types.ReasonEventPropertiesNotSet},
		{name: "change not polled", attr: "raw", event: "change", reason: types.ReasonAttributePollingNotStarted},
		{name: "change pushed", attr: "pushed", event: "change"},
		{name: "archive pushed", attr: "pushed", event: "archive"},
		{name: "alarm pushed", attr: "pushed", event: "alarm"},
		{name: "alarm not polled", attr: "raw", event: "alarm", reason: types.ReasonAttributePollingNotStarted},
		{name: "archive without properties", attr: "value", event: "archive", reason: types.ReasonEventPropertiesNotSet},
		{name: "string without properties", attr: "label", event: "change"},
		{name: "periodic polled", attr: "value", event: "periodic"},
		{name: "periodic not polled", attr: "raw", event: "periodic", reason: types.ReasonAttributePollingNotStarted},
		{name: "data ready", attr: "ready", event: "data_ready"},
		{name: "data ready disabled", attr: "value", event: "data_ready", reason: types.ReasonAttributeNotDataReady},
		{name: "user event", attr: "raw", event: "user_event"},
		{name: "attr conf", attr: "raw", event: "attr_conf"},
		{name: "prefixed name", attr: "value", event: "idl5_change"},
		{name: "unknown event", attr: "value", event: "quality", reason: types.ReasonWrongNumberOfArgs},
		{name: "unknown attribute", attr: "missing", event: "change", reason: types.ReasonAttrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.poll {
				require.NoError(t, h.poller.Add(h.dev, polling.Attribute, tt.attr, time.Second))
			}
			_, err := h.zmqSub(context.Background(), "test/evt/1", tt.attr, "subscribe", tt.event, "6")
			if tt.reason == "" {
				require.NoError(t, err)
				assert.NotEmpty(t, h.libs(t, tt.attr, event.RemoveIDLPrefix(tt.event)))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.reason, types.ReasonOf(err))
			if _, aErr := h.dev.Attr(tt.attr); aErr == nil {
				assert.Empty(t, h.libs(t, tt.attr, tt.event), "no subscription stored on failure")
			}
			assert.False(t, h.ds.Supplier().HasSubscription())
		})
	}
}

// TestZmqArguments tests argument count handling and the info request
func TestZmqArguments(t *testing.T) {
	h := newHarness(t)
	h.zmq.alts = []string{"ws://10.0.0.2:1/heartbeat", "ws://10.0.0.2:1/event"}
	ctx := context.Background()

	reply, err := h.zmqSub(ctx, "info")
	require.NoError(t, err)
	assert.Equal(t, []int32{LibRelease}, reply.L)
	assert.Equal(t, []string{
		"Heartbeat: ws://h:1/heartbeat",
		"Event: ws://h:1/event",
		"Alternate heartbeat: ws://10.0.0.2:1/heartbeat",
		"Alternate event: ws://10.0.0.2:1/event",
	}, reply.S)

	_, err = h.zmqSub(ctx, "status")
	assert.Equal(t, types.ReasonWrongNumberOfArgs, types.ReasonOf(err))
	_, err = h.zmqSub(ctx, "test/evt/1", "value")
	assert.Equal(t, types.ReasonWrongNumberOfArgs, types.ReasonOf(err))
	_, err = h.zmqSub(ctx, "test/evt/1", "value", "subscribe")
	assert.Equal(t, types.ReasonWrongNumberOfArgs, types.ReasonOf(err))
	_, err = h.zmqSub(ctx, "test/nope/1", "value", "subscribe", "change")
	assert.Equal(t, types.ReasonDeviceNotFound, types.ReasonOf(err))

	reply, err = h.zmqSub(ctx, "test/evt/1", "value", "subscribe", "change", "6")
	require.NoError(t, err)
	assert.Len(t, reply.S, 6)
	assert.Equal(t, "ws://10.0.0.2:1/heartbeat", reply.S[2])
}

// TestOldDeviceRefusesZmq tests the fallback signal sent for old devices
func TestOldDeviceRefusesZmq(t *testing.T) {
	h := newHarness(t)
	old := device.New("test/old/1", "Old", "Srv/1", 3)
	require.NoError(t, h.ds.AddDevice(context.Background(), old))

	_, err := h.zmqSub(context.Background(), "test/old/1", "State", "subscribe", "change")
	require.Error(t, err)
	assert.Equal(t, types.ReasonCommandNotFound, types.ReasonOf(err))
}

// TestNotifdSubscription tests EventSubscriptionChange
func TestNotifdSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reply, err := h.admin(ctx, event.CmdEventSubscriptionChange,
		types.StringsData("test/evt/1", "value", "subscribe", "change"))
	require.NoError(t, err)
	assert.Equal(t, types.LongArray{LibRelease}, reply.Value)
	assert.Equal(t, []int{event.MinClientRelease}, h.libs(t, "value", event.ChangeEvent))
	a, _ := h.dev.Attr("value")
	assert.True(t, a.Transports().Notifd)
	assert.True(t, h.poller.HeartbeatStarted())

	_, err = h.admin(ctx, event.CmdEventSubscriptionChange, types.StringsData("test/evt/1", "value", "subscribe"))
	assert.Equal(t, types.ReasonWrongNumberOfArgs, types.ReasonOf(err))

	_, err = h.admin(ctx, event.CmdEventSubscriptionChange, types.StringsData("test/evt/1", "fwd", "subscribe", "change"))
	assert.Equal(t, types.ReasonNotSupportedFeature, types.ReasonOf(err))

	_, err = h.admin(ctx, event.CmdEventSubscriptionChange, types.StringsData("test/nope/1", "value", "subscribe", "change"))
	assert.Equal(t, types.ReasonDeviceNotFound, types.ReasonOf(err))

	reply, err = h.admin(ctx, event.CmdQueryEventChannelIOR, types.VoidData())
	require.NoError(t, err)
	s, err := reply.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{h.notifd.ior}, s)
}

// TestDisabledTransport tests that an absent transport looks like an old
// server to clients
func TestDisabledTransport(t *testing.T) {
	supplier := event.NewSupplier(event.SupplierConfig{Prefix: testPrefix, AdmName: "dserver/srv/1"})
	ds := New(Config{Server: "Srv/1"}, supplier, polling.New(polling.Config{}, supplier), WithZmq(&fakeZmq{}))

	_, err := ds.CommandInout(context.Background(), ds.Name(), event.CmdEventSubscriptionChange,
		types.StringsData("dserver/srv/1", "state", "subscribe", "change"))
	assert.Equal(t, types.ReasonCommandNotFound, types.ReasonOf(err))
	assert.NotNil(t, supplier.Publisher(types.Zmq))
	assert.Nil(t, supplier.Publisher(types.Notifd))
}

// TestShutdownRefusesSubscriptions tests subscriptions during shutdown
func TestShutdownRefusesSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.ds.Shutdown()
	h.ds.Shutdown()

	_, err := h.zmqSub(context.Background(), "test/evt/1", "value", "subscribe", "change", "6")
	assert.Equal(t, types.ReasonShutdownInProgress, types.ReasonOf(err))
	_, err = h.admin(context.Background(), event.CmdEventSubscriptionChange,
		types.StringsData("test/evt/1", "value", "subscribe", "change"))
	assert.Equal(t, types.ReasonShutdownInProgress, types.ReasonOf(err))
}

// TestEventConfirmSubscription tests renewing subscriptions in a batch
func TestEventConfirmSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.admin(ctx, event.CmdEventConfirmSubscription,
		types.StringsData("test/evt/1", "value", "idl6_change", "test/evt/1", "raw", "attr_conf"))
	require.NoError(t, err)
	assert.Equal(t, []int{6}, h.libs(t, "value", event.ChangeEvent))
	assert.Equal(t, []int{3}, h.libs(t, "raw", event.AttrConfEvent))

	_, err = h.admin(ctx, event.CmdEventConfirmSubscription, types.StringsData("test/evt/1", "value"))
	assert.Equal(t, types.ReasonWrongNumberOfArgs, types.ReasonOf(err))

	_, err = h.admin(ctx, event.CmdEventConfirmSubscription, types.StringsData("test/evt/1", "raw", "change"))
	assert.Equal(t, types.ReasonAttributePollingNotStarted, types.ReasonOf(err))
}

// TestMulticastParams tests parsing of mcast_event entries
func TestMulticastParams(t *testing.T) {
	h := newHarness(t)
	a := device.NewAttribute("m", types.DevDouble, types.Scalar, nil)

	tests := []struct {
		name    string
		entries []string
		want    mcastParams
	}{
		{name: "none", want: mcastParams{rate: zmq.DefaultMcastRate, ivl: zmq.DefaultMcastIvl * time.Second}},
		{name: "endpoint only", entries: []string{"change:239.1.2.3:5555"},
			want: mcastParams{endpoint: "239.1.2.3:5555", rate: zmq.DefaultMcastRate, ivl: zmq.DefaultMcastIvl * time.Second}},
		{name: "rate", entries: []string{"change:239.1.2.3:5555:100"},
			want: mcastParams{endpoint: "239.1.2.3:5555", rate: 100, ivl: zmq.DefaultMcastIvl * time.Second}},
		{name: "rate and ivl", entries: []string{"archive:239.9.9.9:1", "change:239.1.2.3:5555:100:5"},
			want: mcastParams{endpoint: "239.1.2.3:5555", rate: 100, ivl: 5 * time.Second}},
		{name: "other event", entries: []string{"archive:239.9.9.9:1"},
			want: mcastParams{rate: zmq.DefaultMcastRate, ivl: zmq.DefaultMcastIvl * time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := a.Properties()
			p.McastEvent = tt.entries
			a.SetProperties(p)
			assert.Equal(t, tt.want, h.ds.multicastParams(a, event.ChangeEvent))
		})
	}
}

// TestMulticastReply tests that remote clients get the multicast endpoint
func TestMulticastReply(t *testing.T) {
	h := newHarness(t)
	a, err := h.dev.Attr("value")
	require.NoError(t, err)
	p := a.Properties()
	p.McastEvent = []string{"change:239.1.2.3:5555:100:5"}
	a.SetProperties(p)

	remote := api.WithClient(context.Background(), api.ClientInfo{ID: "c1", Addr: "192.0.2.10:4000"})
	reply, err := h.zmqSub(remote, "test/evt/1", "value", "subscribe", "change", "6")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ws://h:1/heartbeat",
		"ws://h:1/event",
		"udp://239.1.2.3:5555",
		testPrefix + "test/evt/1/value.idl5_change",
		testPrefix + "dserver/srv/1",
	}, reply.S)
	assert.Equal(t, int32(100*1024), reply.L[3])
	assert.Equal(t, int32(5000), reply.L[4])
	assert.Equal(t, 100, h.zmq.rate)
	assert.Equal(t, "239.1.2.3:5555", h.zmq.mcast[testPrefix+"test/evt/1/value.idl5_change"])

	reply, err = h.zmqSub(context.Background(), "test/evt/1", "value", "subscribe", "change", "6")
	require.NoError(t, err)
	assert.Len(t, reply.S, 4, "local callers read the tcp socket")
}

// TestQueryEventSystem tests the JSON event system description
func TestQueryEventSystem(t *testing.T) {
	h := newHarness(t)
	reply, err := h.admin(context.Background(), CmdQueryEventSystem, types.VoidData())
	require.NoError(t, err)
	s, err := reply.Strings()
	require.NoError(t, err)
	require.Len(t, s, 1)

	var info EventSystemInfo
	require.NoError(t, json.Unmarshal([]byte(s[0]), &info))
	assert.Equal(t, "dserver/srv/1", info.Server.AdmName)
	assert.Equal(t, []string{"zmq", "notifd"}, info.Server.Transports)
	assert.Equal(t, []string{"ws://h:1/heartbeat", "ws://h:1/event"}, info.Server.Endpoints)
	assert.Equal(t, h.notifd.ior, info.Server.ChannelIOR)
	assert.Nil(t, info.Client)
}

// TestBackendRouting tests device calls routed through the admin device
func TestBackendRouting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	info, err := h.ds.Info(ctx, "dserver/srv/1")
	require.NoError(t, err)
	assert.Equal(t, AdminClass, info.Class)
	assert.Equal(t, AdminIDL, info.IDL)

	info, err = h.ds.Info(ctx, testPrefix+"Test/Evt/1")
	require.NoError(t, err)
	assert.Equal(t, "EvtTest", info.Class)
	assert.Equal(t, "dserver/srv/1", info.AdmName)
	assert.Equal(t, "h", info.Host)

	_, err = h.ds.Info(ctx, "test/nope/1")
	assert.Equal(t, types.ReasonDeviceNotFound, types.ReasonOf(err))

	_, err = h.ds.CommandInout(ctx, "test/evt/1", "Increment", types.VoidData())
	require.NoError(t, err)
	v, err := h.ds.ReadAttribute(ctx, "test/evt/1", "value")
	require.NoError(t, err)
	assert.Equal(t, types.DoubleArray{2}, v.Value)

	h.poller.RunDue(time.Now())
	hist, err := h.ds.AttributeHistory(ctx, "test/evt/1", "value", 10)
	require.NoError(t, err)
	assert.Len(t, hist.Dates, 1)

	_, err = h.ds.CommandHistory(ctx, "test/evt/1", "State", 1)
	assert.Equal(t, types.ReasonPollObjNotFound, types.ReasonOf(err))

	reply, err := h.admin(ctx, CmdQueryDevice, types.VoidData())
	require.NoError(t, err)
	s, _ := reply.Strings()
	assert.Equal(t, []string{"EvtTest::test/evt/1"}, s)

	assert.Error(t, h.ds.AddDevice(ctx, newTestDevice(t)))
}

func newDatabase(t *testing.T) database.Database {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return database.NewLocal(store)
}

// TestPollingCommands tests the polling admin commands
func TestPollingCommands(t *testing.T) {
	db := newDatabase(t)
	h := newHarness(t, WithDatabase(db))
	ctx := context.Background()

	_, err := h.admin(ctx, CmdAddObjPolling, types.LongStringData([]int32{500}, []string{"test/evt/1", "attribute", "raw"}))
	require.NoError(t, err)
	_, err = h.admin(ctx, CmdAddObjPolling, types.LongStringData([]int32{500}, []string{"test/evt/1", "attribute", "raw"}))
	assert.Equal(t, types.ReasonAlreadyPolled, types.ReasonOf(err))
	_, err = h.admin(ctx, CmdAddObjPolling, types.LongStringData([]int32{500}, []string{"test/evt/1", "pipe", "raw"}))
	assert.Equal(t, types.ReasonInvalidArgs, types.ReasonOf(err))
	_, err = h.admin(ctx, CmdAddObjPolling, types.StringsData("test/evt/1", "attribute", "raw"))
	assert.Equal(t, types.ReasonWrongNumberOfArgs, types.ReasonOf(err))

	props, err := db.GetDeviceProperties(ctx, "test/evt/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"value", "500", "raw", "500", "label", "1000"}, props[device.PropPolledAttr])

	_, err = h.admin(ctx, CmdUpdObjPollingPeriod, types.LongStringData([]int32{200}, []string{"test/evt/1", "attribute", "raw"}))
	require.NoError(t, err)
	a, _ := h.dev.Attr("raw")
	polled, period := a.Polled()
	assert.True(t, polled)
	assert.Equal(t, 200*time.Millisecond, period)

	_, err = h.admin(ctx, CmdUpdObjPollingPeriod, types.LongStringData([]int32{200}, []string{"test/evt/1", "attribute", "ready"}))
	assert.Equal(t, types.ReasonPollObjNotFound, types.ReasonOf(err))

	reply, err := h.admin(ctx, CmdPolledDevice, types.VoidData())
	require.NoError(t, err)
	s, _ := reply.Strings()
	assert.Equal(t, []string{"test/evt/1"}, s)

	reply, err = h.admin(ctx, CmdDevPollStatus, types.StringsData("test/evt/1"))
	require.NoError(t, err)
	s, _ = reply.Strings()
	assert.Len(t, s, 3)

	_, err = h.admin(ctx, CmdRemObjPolling, types.StringsData("test/evt/1", "attribute", "raw"))
	require.NoError(t, err)
	polled, _ = a.Polled()
	assert.False(t, polled)
	props, err = db.GetDeviceProperties(ctx, "test/evt/1")
	require.NoError(t, err)
	assert.Equal(t, []string{"value", "500", "label", "1000"}, props[device.PropPolledAttr])

	_, err = h.admin(ctx, CmdStopPolling, types.VoidData())
	require.NoError(t, err)
	assert.False(t, h.poller.Enabled())
	_, err = h.admin(ctx, CmdStartPolling, types.VoidData())
	require.NoError(t, err)
	assert.True(t, h.poller.Enabled())
}

// TestAddDeviceAppliesProperties tests configuration loaded at startup
func TestAddDeviceAppliesProperties(t *testing.T) {
	db := newDatabase(t)
	ctx := context.Background()
	require.NoError(t, db.PutAttributeProperty(ctx, "test/db/1", "x", device.PropAbsChange, []string{"0.5"}))
	require.NoError(t, db.PutDeviceProperty(ctx, "test/db/1", device.PropPolledAttr, []string{"x", "200"}))

	h := newHarness(t, WithDatabase(db))
	dev := device.New("test/db/1", "Db", "Srv/1", 6)
	require.NoError(t, dev.AddAttribute(device.NewMemorized("x", types.DevDouble, types.Scalar, false, types.DoubleArray{0})))
	require.NoError(t, h.ds.AddDevice(ctx, dev))

	x, _ := dev.Attr("x")
	polled, period := x.Polled()
	assert.True(t, polled)
	assert.Equal(t, 200*time.Millisecond, period)
	assert.True(t, x.Properties().HasChangeThreshold())

	_, err := h.zmqSub(ctx, "test/db/1", "x", "subscribe", "change", "6")
	require.NoError(t, err)
}

type fakeConsumer struct {
	mu     sync.Mutex
	next   int64
	reqs   []event.SubscribeRequest
	unsubs []int64
}

func (c *fakeConsumer) SubscribeEvent(_ context.Context, req event.SubscribeRequest) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.reqs = append(c.reqs, req)
	return c.next, nil
}

func (c *fakeConsumer) UnsubscribeEvent(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, id)
	return nil
}

func (c *fakeConsumer) QueryEventSystem() event.SystemInfo { return event.SystemInfo{} }

// TestForwardedAttribute tests that events of a root attribute are pushed
// again under the forwarded name
func TestForwardedAttribute(t *testing.T) {
	h := newHarness(t)
	fc := &fakeConsumer{}
	roots := NewRootAttRegistry(fc, h.ds.Supplier())
	h.ds.roots = roots
	ctx := context.Background()

	_, err := h.zmqSub(ctx, "test/evt/1", "fwd", "subscribe", "change", "4")
	assert.Equal(t, types.ReasonNotSupportedFeature, types.ReasonOf(err))

	reply, err := h.zmqSub(ctx, "test/evt/1", "fwd", "subscribe", "change", "6")
	require.NoError(t, err)
	assert.Equal(t, testPrefix+"test/evt/1/fwd.idl5_change", reply.S[len(reply.S)-2])
	_, err = h.zmqSub(ctx, "test/evt/1", "fwd", "subscribe", "change", "6")
	require.NoError(t, err)

	require.Len(t, fc.reqs, 2)
	assert.Equal(t, "sys/root/1", fc.reqs[0].Device)
	assert.Equal(t, "value", fc.reqs[0].Object)
	assert.Equal(t, []int64{1}, fc.unsubs)
	assert.Equal(t, []string{"sys/root/1/value.change"}, roots.Keys())

	fwd, _ := h.dev.Attr("fwd")
	assert.True(t, roots.IsSubscribed(fwd, event.ChangeEvent))

	fc.reqs[1].Callback.Push(&event.EventData{
		Device:    "sys/root/1",
		AttrName:  "value",
		Event:     event.ChangeEvent,
		AttrValue: &types.AttributeValue{Name: "value", Value: types.DoubleArray{7}, Quality: types.AttrValid, DataType: types.DevDouble},
	})
	sent := h.zmq.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "test/evt/1/fwd", sent[0].Domain)
	assert.Equal(t, "idl5_change", sent[0].Event)

	roots.Close()
	assert.Empty(t, roots.Keys())
	assert.Equal(t, []int64{1, 2}, fc.unsubs)
}
