package zmq

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tango/pkg/event"
	"github.com/cuemby/tango/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrefix  = "tango://localhost:10000/"
	testChannel = testPrefix + "dserver/test/1"
	testDomain  = "test/evt/1/value"
)

var testTopic = event.Topic(testPrefix, testDomain, "idl5_change")

type recorder struct {
	mu   sync.Mutex
	msgs []*event.Message
}

func (r *recorder) Deliver(msg *event.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) received() []*event.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Message(nil), r.msgs...)
}

func (r *recorder) wait(t *testing.T, n int) []*event.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.received()) >= n }, 5*time.Second, 10*time.Millisecond)
	return r.received()
}

// split separates heartbeats from events. They arrive on different
// sockets, so only the order within each socket is fixed.
func split(msgs []*event.Message) (heartbeats, events []*event.Message) {
	for _, m := range msgs {
		if m.IsHeartbeat() {
			heartbeats = append(heartbeats, m)
		} else {
			events = append(events, m)
		}
	}
	return heartbeats, events
}

func changeMsg(domain string, v float64) *event.Message {
	return &event.Message{
		Prefix: testPrefix,
		Domain: domain,
		Event:  "idl5_change",
		AttrValue: &types.AttributeValue{
			Name: "value", Value: types.DoubleArray{v}, Quality: types.AttrValid,
			RDim: types.AttrDim{X: 1}, IDL: 5, Time: time.Now(),
		},
	}
}

type fixture struct {
	pub    *Publisher
	srv    *httptest.Server
	hb, ev string
}

func newFixture(t *testing.T, cfg PublisherConfig) *fixture {
	t.Helper()
	pub := NewPublisher(cfg)
	srv := httptest.NewServer(pub.Handler())
	t.Cleanup(func() {
		_ = pub.Close()
		srv.Close()
	})
	pub.SetAddress(strings.TrimPrefix(srv.URL, "http://"))
	hb, ev := pub.Endpoints()
	return &fixture{pub: pub, srv: srv, hb: hb, ev: ev}
}

func (f *fixture) connect(t *testing.T, sink event.Sink) event.ChannelHandle {
	t.Helper()
	h, err := NewConsumerTransport().ConnectChannel(context.Background(), &event.ChannelInfo{
		Name:               testChannel,
		HeartbeatEndpoints: []string{f.hb},
		EventEndpoints:     []string{f.ev},
	}, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.Eventually(t, func() bool { return f.pub.Subscribers(testChannel) == 1 }, 5*time.Second, 10*time.Millisecond)
	return h
}

func (f *fixture) subscribe(t *testing.T, h event.ChannelHandle, topic string) *event.EventInfo {
	t.Helper()
	ev := &event.EventInfo{Key: topic, Endpoint: f.ev}
	require.NoError(t, h.ConnectEvent(context.Background(), ev))
	require.Eventually(t, func() bool { return f.pub.Subscribers(topic) == 1 }, 5*time.Second, 10*time.Millisecond)
	return ev
}

// TestFrameCodec tests building and splitting binary frames
func TestFrameCodec(t *testing.T) {
	msg := changeMsg(testDomain, 3)
	frame, err := EncodeFrame(testTopic, msg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(frame), testTopic+"\n"))

	topic, out, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, testTopic, topic)
	assert.Equal(t, testTopic, out.Key())
	assert.Equal(t, types.DoubleArray{3}, out.AttrValue.Value)

	_, err = EncodeFrame("a\nb", msg)
	assert.Error(t, err)
	_, _, err = DecodeFrame([]byte("no topic"))
	assert.Error(t, err)
	_, _, err = DecodeFrame([]byte("\n{}"))
	assert.Error(t, err)
	_, _, err = DecodeFrame([]byte("topic\nnot json"))
	assert.Error(t, err)
}

// TestControl tests decoding subscriber requests
func TestControl(t *testing.T) {
	c, err := decodeControl([]byte(`{"op":"subscribe","topic":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, Control{Op: OpSubscribe, Topic: "x"}, c)

	_, err = decodeControl([]byte(`{"op":"drop","topic":"x"}`))
	assert.Error(t, err)
	_, err = decodeControl([]byte(`{`))
	assert.Error(t, err)
}

// TestPrefixMatching tests SUB socket topic semantics
func TestPrefixMatching(t *testing.T) {
	subs := map[string]int{"tango://h:1/a/b/c/x": 1}
	assert.True(t, matches(subs, "tango://h:1/a/b/c/x.idl5_change"))
	assert.True(t, matches(subs, "tango://h:1/a/b/c/x"))
	assert.False(t, matches(subs, "tango://h:1/a/b/c/y.idl5_change"))
	assert.True(t, matches(map[string]int{"": 1}, "anything"))
	assert.False(t, matches(nil, "anything"))
}

// TestPeerSubscriptions tests reference counted subscriptions and the high water mark
func TestPeerSubscriptions(t *testing.T) {
	p := &peer{send: make(chan []byte, 2), subs: make(map[string]int), done: make(chan struct{})}

	p.apply(Control{Op: OpSubscribe, Topic: "a"})
	p.apply(Control{Op: OpSubscribe, Topic: "a"})
	p.apply(Control{Op: OpUnsubscribe, Topic: "a"})
	assert.True(t, p.subscribed("a.change"))
	p.apply(Control{Op: OpUnsubscribe, Topic: "a"})
	assert.False(t, p.subscribed("a.change"))

	assert.True(t, p.enqueue([]byte("1")))
	assert.True(t, p.enqueue([]byte("2")))
	assert.False(t, p.enqueue([]byte("3")))
	assert.Len(t, p.send, 2)

	close(p.done)
	<-p.send
	assert.False(t, p.enqueue([]byte("4")))
}

// TestParseMcastEndpoint tests multicast endpoint parsing
func TestParseMcastEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "udp://239.0.0.1:5555", want: "udp://239.0.0.1:5555"},
		{in: "239.255.1.2:6000", want: "udp://239.255.1.2:6000"},
		{in: "udp://10.0.0.1:5555", wantErr: true},
		{in: "udp://239.0.0.1", wantErr: true},
		{in: "udp://239.0.0.1:0", wantErr: true},
		{in: "udp://239.0.0.1:port", wantErr: true},
		{in: "udp://[ff02::1]:5555", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, err := ParseMcastEndpoint(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsReason(err, types.ReasonInvalidArgs))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, McastEndpoint(addr))
		})
	}
}

// TestBytesPerSecond tests the multicast rate conversion
func TestBytesPerSecond(t *testing.T) {
	assert.Equal(t, 80*1024/8, bytesPerSecond(0))
	assert.Equal(t, 1024*1024/8, bytesPerSecond(1024))
}

// TestPublishSubscribe tests heartbeats and numbered events from publisher to channel
func TestPublishSubscribe(t *testing.T) {
	f := newFixture(t, PublisherConfig{PubHWM: 10})
	rec := &recorder{}
	h := f.connect(t, rec)
	f.subscribe(t, h, testTopic)

	msg := changeMsg(testDomain, 1)
	require.NoError(t, f.pub.PushHeartbeat(event.NewHeartbeat(testPrefix, "dserver/test/1", 1)))
	require.NoError(t, f.pub.PushEvent(msg))
	require.NoError(t, f.pub.PushEvent(changeMsg(testDomain, 2)))
	require.NoError(t, f.pub.PushEvent(changeMsg("test/evt/1/other", 3)))

	heartbeats, events := split(rec.wait(t, 3))
	require.Len(t, heartbeats, 1)
	assert.Equal(t, testChannel, heartbeats[0].Key())
	require.Len(t, events, 2)
	assert.Equal(t, testTopic, events[0].Key())
	assert.Equal(t, uint64(1), events[0].Counter)
	assert.Equal(t, uint64(2), events[1].Counter)
	require.NotNil(t, events[1].AttrValue)
	assert.Equal(t, types.DoubleArray{2}, events[1].AttrValue.Value)
	assert.Zero(t, msg.Counter, "pushed message must not be modified")

	require.NoError(t, h.Ping(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.received(), 3)
}

// TestSharedEventSocket tests subscriptions sharing one event socket
func TestSharedEventSocket(t *testing.T) {
	f := newFixture(t, PublisherConfig{})
	rec := &recorder{}
	h := f.connect(t, rec)

	other := event.Topic(testPrefix, "test/evt/1/other", "idl5_change")
	ev1 := f.subscribe(t, h, testTopic)
	ev2 := f.subscribe(t, h, other)
	require.NoError(t, h.ConnectEvent(context.Background(), ev1))

	require.NoError(t, h.DisconnectEvent(ev1))
	require.Eventually(t, func() bool { return f.pub.Subscribers(testTopic) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.pub.Subscribers(other))

	require.NoError(t, f.pub.PushEvent(changeMsg(testDomain, 1)))
	require.NoError(t, f.pub.PushEvent(changeMsg("test/evt/1/other", 2)))
	msgs := rec.wait(t, 1)
	assert.Equal(t, other, msgs[0].Key())

	require.NoError(t, h.DisconnectEvent(ev2))
	require.NoError(t, h.DisconnectEvent(ev2))
	require.Eventually(t, func() bool { return f.pub.Subscribers(other) == 0 }, 5*time.Second, 10*time.Millisecond)
}

// TestConnectChannelEndpoints tests falling back to alternate heartbeat endpoints
func TestConnectChannelEndpoints(t *testing.T) {
	f := newFixture(t, PublisherConfig{})
	tr := NewConsumerTransport(WithSubHWM(4))
	assert.Equal(t, types.Zmq, tr.Type())

	_, err := tr.ConnectChannel(context.Background(), &event.ChannelInfo{
		Name:               testChannel,
		HeartbeatEndpoints: []string{"ws://127.0.0.1:1/heartbeat"},
	}, &recorder{})
	assert.True(t, types.IsReason(err, types.ReasonEventChannelNotExported))

	_, err = tr.ConnectChannel(context.Background(), &event.ChannelInfo{Name: testChannel}, &recorder{})
	assert.True(t, types.IsReason(err, types.ReasonEventChannelNotExported))

	h, err := tr.ConnectChannel(context.Background(), &event.ChannelInfo{
		Name:               testChannel + noDBSuffix,
		HeartbeatEndpoints: []string{"ws://127.0.0.1:1/heartbeat", f.hb},
	}, &recorder{})
	require.NoError(t, err)
	defer h.Close()
	require.Eventually(t, func() bool { return f.pub.Subscribers(testChannel) == 1 }, 5*time.Second, 10*time.Millisecond)

	err = h.ConnectEvent(context.Background(), &event.EventInfo{Key: testTopic})
	assert.True(t, types.IsReason(err, types.ReasonEventChannelNotExported))
}

// TestPingAfterServerLoss tests detecting a dead publisher
func TestPingAfterServerLoss(t *testing.T) {
	f := newFixture(t, PublisherConfig{})
	h := f.connect(t, &recorder{})
	require.NoError(t, h.Ping(context.Background()))

	require.NoError(t, f.pub.Close())
	require.Eventually(t, func() bool {
		return h.Ping(context.Background()) != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	err := h.ConnectEvent(context.Background(), &event.EventInfo{Key: testTopic, Endpoint: f.ev})
	assert.Error(t, err)
}

// TestPublisherClosed tests pushing after shutdown
func TestPublisherClosed(t *testing.T) {
	pub := NewPublisher(PublisherConfig{})
	assert.Equal(t, types.Zmq, pub.Type())
	require.NoError(t, pub.Reconnect(context.Background()))
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	assert.True(t, types.IsReason(pub.PushEvent(changeMsg(testDomain, 1)), types.ReasonShutdownInProgress))
	assert.True(t, types.IsReason(pub.PushHeartbeat(event.NewHeartbeat(testPrefix, "dserver/test/1", 1)), types.ReasonShutdownInProgress))
	assert.True(t, types.IsReason(pub.Reconnect(context.Background()), types.ReasonShutdownInProgress))
}

// TestListen tests serving on a real listener
func TestListen(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Addr: "127.0.0.1:0", Host: "127.0.0.1"})
	require.NoError(t, pub.Listen())
	defer pub.Close()

	port := pub.Port()
	require.NotZero(t, port)
	hb, ev := pub.Endpoints()
	assert.True(t, strings.HasPrefix(hb, "ws://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(hb, HeartbeatPath))
	assert.True(t, strings.HasSuffix(ev, EventPath))
	assert.Nil(t, pub.AlternateEndpoints())

	rec := &recorder{}
	h, err := NewConsumerTransport().ConnectChannel(context.Background(), &event.ChannelInfo{
		Name: testChannel, HeartbeatEndpoints: []string{hb}, EventEndpoints: []string{ev},
	}, rec)
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.ConnectEvent(context.Background(), &event.EventInfo{Key: testTopic}))
	require.Eventually(t, func() bool { return pub.Subscribers(testTopic) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, pub.PushEvent(changeMsg(testDomain, 7)))
	msgs := rec.wait(t, 1)
	assert.Equal(t, types.DoubleArray{7}, msgs[0].AttrValue.Value)
}

// TestAlternateEndpoints tests advertising other interfaces
func TestAlternateEndpoints(t *testing.T) {
	pub := NewPublisher(PublisherConfig{Alternates: true})
	pub.SetAddress("127.0.0.1:4567")
	alts := pub.AlternateEndpoints()
	require.Zero(t, len(alts)%2)
	for i := 0; i < len(alts); i += 2 {
		assert.True(t, strings.HasSuffix(alts[i], ":4567"+HeartbeatPath), alts[i])
		assert.True(t, strings.HasSuffix(alts[i+1], ":4567"+EventPath), alts[i+1])
		assert.NotContains(t, alts[i], "127.0.0.1")
	}
}

// TestEnableMulticast tests registering multicast events
func TestEnableMulticast(t *testing.T) {
	pub := NewPublisher(PublisherConfig{})
	defer pub.Close()

	_, err := pub.EnableMulticast(testTopic, "udp://10.0.0.1:5555", 80, 20*time.Second)
	assert.Error(t, err)

	ep, err := pub.EnableMulticast(testTopic, "239.255.0.1:45555", 80, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "udp://239.255.0.1:45555", ep)

	again, err := pub.EnableMulticast(testTopic, "239.255.0.2:45556", 80, time.Second)
	require.NoError(t, err)
	assert.Equal(t, ep, again)

	got, ok := pub.MulticastEndpoint(testTopic)
	assert.True(t, ok)
	assert.Equal(t, ep, got)
	_, ok = pub.MulticastEndpoint("other")
	assert.False(t, ok)
}

// TestMulticastDelivery tests events received through a multicast group
func TestMulticastDelivery(t *testing.T) {
	if os.Getenv("TANGO_TEST_MULTICAST") == "" {
		t.Skip("set TANGO_TEST_MULTICAST to run multicast tests")
	}
	f := newFixture(t, PublisherConfig{})
	rec := &recorder{}
	h := f.connect(t, rec)

	ep, err := f.pub.EnableMulticast(testTopic, "udp://239.255.0.9:45999", 1024, time.Second)
	require.NoError(t, err)
	require.NoError(t, h.ConnectEvent(context.Background(), &event.EventInfo{Key: testTopic, Endpoint: ep}))

	require.NoError(t, f.pub.PushEvent(changeMsg(testDomain, 5)))
	msgs := rec.wait(t, 1)
	assert.Equal(t, types.DoubleArray{5}, msgs[0].AttrValue.Value)
}
